package keysched

import (
	"encoding/binary"

	"golang.org/x/crypto/hkdf"

	"github.com/endorses/tlstap/internal/pkg/tls/suite"
	"github.com/endorses/tlstap/internal/pkg/tls/wire"
)

// TLS 1.3 expansion labels (RFC 8446 7.3, RFC 9147 4.2.3).
const (
	Label13Key        = "key"
	Label13IV         = "iv"
	Label13SeqNum     = "sn"
	Label13TrafficUpd = "traffic upd"

	// Pre-draft-20 KeyUpdate label, kept for archival captures.
	Label13TrafficUpdDraft = "application traffic secret"
)

// LabelPrefix returns the HkdfLabel prefix for a wire version.
// draft is the TLS 1.3 draft number when known (0 for final); drafts
// before 20 used the long "TLS 1.3, " prefix with no "tls13" marker,
// a wart preserved for interop with captures from that era.
func LabelPrefix(version uint16, draft int) string {
	if draft > 0 && draft < 20 {
		return "TLS 1.3, "
	}
	if version == wire.VersionDTLS13 {
		return "dtls13"
	}
	return "tls13 "
}

// HKDFExpandLabel implements HKDF-Expand-Label (RFC 8446 7.1): the
// HkdfLabel{length, prefix+label, context} structure fed to
// HKDF-Expand with the given digest.
func HKDFExpandLabel(digest suite.Digest, secret []byte, prefix, label string, context []byte, outLen int) ([]byte, error) {
	h, err := HashFunc(digest)
	if err != nil {
		return nil, err
	}

	full := prefix + label
	hkdfLabel := make([]byte, 0, 2+1+len(full)+1+len(context))
	hkdfLabel = binary.BigEndian.AppendUint16(hkdfLabel, uint16(outLen))
	hkdfLabel = append(hkdfLabel, byte(len(full)))
	hkdfLabel = append(hkdfLabel, full...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	out := make([]byte, outLen)
	if _, err := hkdf.Expand(h, secret, hkdfLabel).Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

// TrafficKeys holds the write key, write IV, and (DTLS 1.3) the
// sequence-number mask key expanded from one traffic secret.
type TrafficKeys struct {
	Key    []byte
	IV     []byte
	SeqKey []byte
}

// DeriveTrafficKeys expands a TLS 1.3 traffic secret into record keys
// for the given suite. The sequence-number key is derived only for
// DTLS 1.3, which obfuscates record sequence numbers on the wire.
func DeriveTrafficKeys(version uint16, draft int, desc *suite.Descriptor, secret []byte) (*TrafficKeys, error) {
	prefix := LabelPrefix(version, draft)
	digest := desc.PRFDigest()

	key, err := HKDFExpandLabel(digest, secret, prefix, Label13Key, nil, desc.KeyLen())
	if err != nil {
		return nil, err
	}
	iv, err := HKDFExpandLabel(digest, secret, prefix, Label13IV, nil, 12)
	if err != nil {
		return nil, err
	}

	tk := &TrafficKeys{Key: key, IV: iv}
	if version == wire.VersionDTLS13 {
		tk.SeqKey, err = HKDFExpandLabel(digest, secret, prefix, Label13SeqNum, nil, desc.KeyLen())
		if err != nil {
			return nil, err
		}
	}
	return tk, nil
}

// UpdateTrafficSecret ratchets an application traffic secret per
// RFC 8446 7.2 (KeyUpdate): secret_N+1 = Expand-Label(secret_N,
// "traffic upd", "", Hash.length).
func UpdateTrafficSecret(version uint16, draft int, digest suite.Digest, secret []byte) ([]byte, error) {
	label := Label13TrafficUpd
	if draft > 0 && draft < 20 {
		label = Label13TrafficUpdDraft
	}
	return HKDFExpandLabel(digest, secret, LabelPrefix(version, draft), label, nil, digest.Size())
}
