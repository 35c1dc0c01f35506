package keysched

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/tlstap/internal/pkg/tls/suite"
	"github.com/endorses/tlstap/internal/pkg/tls/wire"
)

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestPRFTruncation(t *testing.T) {
	// Output for a shorter out_len must be a prefix of the longer
	// output, including lengths that are not digest-size multiples.
	secret := bytes.Repeat([]byte{0x0b}, 48)
	seed1 := bytes.Repeat([]byte{0x01}, 32)
	seed2 := bytes.Repeat([]byte{0x02}, 32)

	versions := []uint16{wire.VersionSSL30, wire.VersionTLS10, wire.VersionTLS11, wire.VersionTLS12}
	for _, v := range versions {
		long, err := PRF(v, suite.DigestSHA256, secret, LabelKeyExpansion, seed1, seed2, 100)
		require.NoError(t, err, wire.VersionName(v))
		for _, n := range []int{1, 13, 20, 33, 64, 99} {
			short, err := PRF(v, suite.DigestSHA256, secret, LabelKeyExpansion, seed1, seed2, n)
			require.NoError(t, err)
			assert.Equal(t, long[:n], short, "%s out_len=%d", wire.VersionName(v), n)
		}
	}
}

func TestPRFVersionDispatch(t *testing.T) {
	secret := bytes.Repeat([]byte{0xab}, 48)
	cr := bytes.Repeat([]byte{0x11}, 32)
	sr := bytes.Repeat([]byte{0x22}, 32)

	v10, err := PRF(wire.VersionTLS10, suite.DigestSHA256, secret, LabelMasterSecret, cr, sr, 48)
	require.NoError(t, err)
	v11, err := PRF(wire.VersionTLS11, suite.DigestSHA256, secret, LabelMasterSecret, cr, sr, 48)
	require.NoError(t, err)
	v12, err := PRF(wire.VersionTLS12, suite.DigestSHA256, secret, LabelMasterSecret, cr, sr, 48)
	require.NoError(t, err)
	v30, err := PRF(wire.VersionSSL30, suite.DigestSHA256, secret, LabelMasterSecret, cr, sr, 48)
	require.NoError(t, err)

	// 1.0 and 1.1 share the split-secret PRF; 1.2 and SSLv3 differ.
	assert.Equal(t, v10, v11)
	assert.NotEqual(t, v10, v12)
	assert.NotEqual(t, v10, v30)
	assert.NotEqual(t, v12, v30)

	// DTLS maps onto the TLS PRF of its generation.
	d10, err := PRF(wire.VersionDTLS10, suite.DigestSHA256, secret, LabelMasterSecret, cr, sr, 48)
	require.NoError(t, err)
	assert.Equal(t, v11, d10)
	d12, err := PRF(wire.VersionDTLS12, suite.DigestSHA256, secret, LabelMasterSecret, cr, sr, 48)
	require.NoError(t, err)
	assert.Equal(t, v12, d12)
}

func TestPRF12RFC5246TestVector(t *testing.T) {
	// Published P_SHA-256 exercise vector (widely used TLS 1.2 PRF
	// check with label "test label").
	secret := mustDecodeHex(t, "9bbe436ba940f017b17652849a71db35")
	seed := mustDecodeHex(t, "a0ba9f936cda311827a6f796ffd5198c")
	expected := mustDecodeHex(t,
		"e3f229ba727be17b8d122620557cd453c2aab21d07c3d495329b52d4e61edb5a"+
			"6b301791e90d35c9c9a46b4e14baf9af0fa022f7077def17abfd3797c0564bab"+
			"4fbc91666e9def9b97fce34f796789baa48082d122ee42c5a72e5a5110fff701"+
			"87347b66")

	out, err := PRF(wire.VersionTLS12, suite.DigestSHA256, secret, "test label", seed, nil, len(expected))
	require.NoError(t, err)
	assert.Equal(t, expected, out)
}

func TestSSLv3KeyBlockGeometry(t *testing.T) {
	// RSA_WITH_RC4_128_SHA on SSLv3: the key block splits into
	// MAC(20)+MAC(20)+key(16)+key(16) with no IV material.
	desc := suite.Lookup(0x0005)
	require.NotNil(t, desc)
	assert.Equal(t, 20, desc.MACLen())
	assert.Equal(t, 16, desc.KeyLen())
	assert.Equal(t, 0, desc.FixedIVLen(false))

	pms := bytes.Repeat([]byte{0x03}, 48)
	cr := bytes.Repeat([]byte{0xc1}, 32)
	sr := bytes.Repeat([]byte{0x51}, 32)

	ms, err := PRF(wire.VersionSSL30, desc.PRFDigest(), pms, LabelMasterSecret, cr, sr, MasterSecretLen)
	require.NoError(t, err)
	assert.Equal(t, mustDecodeHex(t,
		"5c87423ffe55084651c9cfac249d1ac7e90d4cd26aaf7935d8cf1daf2f63d06b"+
			"6fd5dbe2d67445c62d9444f3168bacbc"), ms)

	// Sensitive to the random order.
	msSwapped, err := PRF(wire.VersionSSL30, desc.PRFDigest(), pms, LabelMasterSecret, sr, cr, MasterSecretLen)
	require.NoError(t, err)
	assert.NotEqual(t, ms, msSwapped)

	block, err := PRF(wire.VersionSSL30, desc.PRFDigest(), ms, LabelKeyExpansion, sr, cr, 2*20+2*16)
	require.NoError(t, err)
	assert.Equal(t, mustDecodeHex(t,
		"9954cb72e4fc4791a7d5226927c87f18825a263c3ef7cceb5842022b427828ac"+
			"58ff42bedc7a03ddda7a69f70f1e0a35480b1759498d952e908b614384c13f08"+
			"8bc712f54d5484e0"), block)
}

func TestTranscriptHash(t *testing.T) {
	transcript := []byte("handshake bytes")

	pre12, err := TranscriptHash(wire.VersionTLS11, suite.DigestSHA256, transcript)
	require.NoError(t, err)
	assert.Len(t, pre12, 36, "MD5||SHA1 concatenation")

	h12, err := TranscriptHash(wire.VersionTLS12, suite.DigestSHA256, transcript)
	require.NoError(t, err)
	assert.Len(t, h12, 32)

	h384, err := TranscriptHash(wire.VersionTLS12, suite.DigestSHA384, transcript)
	require.NoError(t, err)
	assert.Len(t, h384, 48)
}

func TestHashFuncUnsupported(t *testing.T) {
	_, err := HashFunc(suite.DigestNA)
	assert.ErrorIs(t, err, ErrUnsupportedDigest)
}
