// Package keysched implements the version-specific key schedules:
// the SSLv3 MD5+SHA-1 PRF, the TLS 1.0/1.1 split-secret PRF, the
// TLS 1.2 / TLCP single-hash PRF, and the TLS 1.3 / DTLS 1.3
// HKDF-Expand-Label derivation, plus the handshake transcript hashes.
package keysched

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"

	"github.com/emmansun/gmsm/sm3"

	"github.com/endorses/tlstap/internal/pkg/tls/suite"
	"github.com/endorses/tlstap/internal/pkg/tls/wire"
)

// ErrUnsupportedDigest is returned when the crypto provider has no
// implementation for the requested digest. The failure is scoped to the
// session being derived, never fatal to the capture.
var ErrUnsupportedDigest = errors.New("keysched: unsupported digest")

// MasterSecretLen is the pre-TLS1.3 master secret length.
const MasterSecretLen = 48

// Key-derivation labels (RFC 6101, RFC 2246, RFC 5246, RFC 7627).
const (
	LabelMasterSecret         = "master secret"
	LabelExtendedMasterSecret = "extended master secret"
	LabelKeyExpansion         = "key expansion"
	LabelClientWriteKey       = "client write key"
	LabelServerWriteKey       = "server write key"
	LabelIVBlock              = "IV block"
)

// HashFunc returns the constructor for a digest, or an error if the
// provider does not implement it.
func HashFunc(d suite.Digest) (func() hash.Hash, error) {
	switch d {
	case suite.DigestMD5:
		return md5.New, nil
	case suite.DigestSHA1:
		return sha1.New, nil
	case suite.DigestSHA256:
		return sha256.New, nil
	case suite.DigestSHA384:
		return sha512.New384, nil
	case suite.DigestSM3:
		return sm3.New, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDigest, d)
	}
}

// PRF stretches a secret into outLen bytes of key material using the
// PRF of the given protocol version. digest selects the TLS 1.2+ hash
// (ignored by earlier versions, which fix their own constructions).
// seed1 and seed2 are concatenated after the label; for the master
// secret derivation they are the client and server randoms.
func PRF(version uint16, digest suite.Digest, secret []byte, label string, seed1, seed2 []byte, outLen int) ([]byte, error) {
	switch wire.StreamVersion(version) {
	case wire.VersionSSL30:
		return prf30(secret, label, seed1, seed2, outLen), nil
	case wire.VersionTLS10, wire.VersionTLS11:
		return prf10(secret, label, seed1, seed2, outLen), nil
	case wire.VersionTLS12, wire.VersionTLCP:
		h, err := HashFunc(digest)
		if err != nil {
			return nil, err
		}
		seed := make([]byte, 0, len(label)+len(seed1)+len(seed2))
		seed = append(seed, label...)
		seed = append(seed, seed1...)
		seed = append(seed, seed2...)
		return pHash(h, secret, seed, outLen), nil
	default:
		return nil, fmt.Errorf("keysched: no PRF for version 0x%04x", version)
	}
}

// prf30 is the SSLv3 PRF (RFC 6101 6.1): round i computes
// MD5(secret || SHA1(salt_i || secret || seed)) where salt_i is the
// byte 'A'+i repeated i+1 times, until outLen bytes are produced.
func prf30(secret []byte, label string, seed1, seed2 []byte, outLen int) []byte {
	_ = label // SSLv3 has no label; the salt rounds take its place
	out := make([]byte, 0, outLen)
	rounds := (outLen + md5.Size - 1) / md5.Size

	for i := 0; i < rounds; i++ {
		salt := make([]byte, i+1)
		for j := range salt {
			salt[j] = byte('A' + i)
		}

		inner := sha1.New()
		inner.Write(salt)
		inner.Write(secret)
		inner.Write(seed1)
		inner.Write(seed2)

		outer := md5.New()
		outer.Write(secret)
		outer.Write(inner.Sum(nil))
		out = outer.Sum(out)
	}

	return out[:outLen]
}

// prf10 is the TLS 1.0/1.1 PRF (RFC 2246 5): the secret is split in
// two halves (sharing the middle byte when odd) and the output is
// P_MD5(first half) XOR P_SHA1(second half).
func prf10(secret []byte, label string, seed1, seed2 []byte, outLen int) []byte {
	seed := make([]byte, 0, len(label)+len(seed1)+len(seed2))
	seed = append(seed, label...)
	seed = append(seed, seed1...)
	seed = append(seed, seed2...)

	half := (len(secret) + 1) / 2
	s1 := secret[:half]
	s2 := secret[len(secret)-half:]

	out := pHash(md5.New, s1, seed, outLen)
	sha := pHash(sha1.New, s2, seed, outLen)
	for i := range out {
		out[i] ^= sha[i]
	}
	return out
}

// pHash is P_hash from RFC 2246 5: A(0)=seed, A(i)=HMAC(secret,A(i-1)),
// output = HMAC(secret, A(1)||seed) || HMAC(secret, A(2)||seed) || ...
// truncated to outLen.
func pHash(newHash func() hash.Hash, secret, seed []byte, outLen int) []byte {
	out := make([]byte, 0, outLen)

	mac := hmac.New(newHash, secret)
	mac.Write(seed)
	a := mac.Sum(nil)

	for len(out) < outLen {
		mac.Reset()
		mac.Write(a)
		mac.Write(seed)
		out = mac.Sum(out)

		mac.Reset()
		mac.Write(a)
		a = mac.Sum(nil)
	}

	return out[:outLen]
}

// TranscriptHash computes the Finished-style handshake hash over the
// accumulated transcript: MD5||SHA1 (36 bytes) before TLS 1.2, the
// suite's PRF digest from 1.2 on.
func TranscriptHash(version uint16, digest suite.Digest, transcript []byte) ([]byte, error) {
	switch wire.StreamVersion(version) {
	case wire.VersionSSL30, wire.VersionTLS10, wire.VersionTLS11:
		m := md5.Sum(transcript)
		s := sha1.Sum(transcript)
		out := make([]byte, 0, md5.Size+sha1.Size)
		out = append(out, m[:]...)
		return append(out, s[:]...), nil
	default:
		h, err := HashFunc(digest)
		if err != nil {
			return nil, err
		}
		d := h()
		d.Write(transcript)
		return d.Sum(nil), nil
	}
}
