package decrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/tlstap/internal/pkg/tls/keylog"
	"github.com/endorses/tlstap/internal/pkg/tls/keysched"
	"github.com/endorses/tlstap/internal/pkg/tls/wire"
)

// frameDTLS builds a classic 13-byte-header DTLS record.
func frameDTLS(contentType uint8, version, epoch uint16, seq uint64, fragment []byte) []byte {
	rec := make([]byte, 0, wire.DTLSRecordHeaderLen+len(fragment))
	rec = append(rec, contentType)
	rec = binary.BigEndian.AppendUint16(rec, version)
	rec = binary.BigEndian.AppendUint16(rec, epoch)
	rec = binary.BigEndian.AppendUint16(rec, uint16(seq>>32))
	rec = binary.BigEndian.AppendUint32(rec, uint32(seq))
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(fragment)))
	return append(rec, fragment...)
}

// dtlsHandshake wraps a hello body in the 12-byte DTLS handshake header.
func dtlsHandshake(msgType uint8, msgSeq uint16, body []byte) []byte {
	msg := []byte{msgType, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	msg = binary.BigEndian.AppendUint16(msg, msgSeq)
	msg = append(msg, 0, 0, 0) // fragment offset
	msg = append(msg, byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	return append(msg, body...)
}

// dtlsHelloBody builds a hello body with the DTLS wire layout (cookie
// included for ClientHello).
func dtlsHelloBody(msgType uint8, version uint16, random []byte, suiteID uint16) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, version)
	body = append(body, random...)
	body = append(body, 0) // empty session id
	if msgType == handshakeClientHello {
		body = append(body, 0) // empty cookie
		body = binary.BigEndian.AppendUint16(body, 2)
		body = binary.BigEndian.AppendUint16(body, suiteID)
		body = append(body, 1, 0)
	} else {
		body = binary.BigEndian.AppendUint16(body, suiteID)
		body = append(body, 0)
	}
	return body
}

func TestDTLSConversationClassicFlow(t *testing.T) {
	store := keylog.NewStore(keylog.StoreConfig{})
	e := NewEngine(Config{Store: store})
	conv := NewDTLSConversation(e, "udp-flow")

	clientRandom := bytes.Repeat([]byte{0xc1}, 32)
	serverRandom := bytes.Repeat([]byte{0x5e}, 32)
	ms := bytes.Repeat([]byte{0x4d}, 48)
	store.Save(keylog.MapClientRandom, clientRandom, ms)

	ch := dtlsHandshake(handshakeClientHello, 0,
		dtlsHelloBody(handshakeClientHello, wire.VersionDTLS12, clientRandom, 0x009c))
	out := conv.Feed(DirClientToServer, frameDTLS(wire.ContentTypeHandshake, wire.VersionDTLS10, 0, 0, ch))
	assert.Empty(t, out)

	sh := dtlsHandshake(handshakeServerHello, 1,
		dtlsHelloBody(handshakeServerHello, wire.VersionDTLS12, serverRandom, 0x009c))
	conv.Feed(DirServerToClient, frameDTLS(wire.ContentTypeHandshake, wire.VersionDTLS12, 0, 0, sh))

	s := conv.Session()
	assert.Equal(t, wire.VersionDTLS12, s.Version)
	require.NotNil(t, s.Suite)

	conv.Feed(DirServerToClient, frameDTLS(wire.ContentTypeChangeCipherSpec, wire.VersionDTLS12, 0, 1, []byte{0x01}))
	require.True(t, s.Flags.Has(FlagHaveSessionKey))

	// Epoch 1 application record: the MAC/nonce sequence is the epoch
	// concatenated with the 48-bit header sequence.
	key, _, salt := deriveSide(t, s, DirServerToClient)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)

	msg := []byte("datagram payload")
	seq := uint64(1)<<48 | 0
	explicit := binary.BigEndian.AppendUint64(nil, seq)
	nonce := append(append([]byte(nil), salt...), explicit...)
	var aad [13]byte
	binary.BigEndian.PutUint64(aad[:8], seq)
	aad[8] = wire.ContentTypeApplicationData
	binary.BigEndian.PutUint16(aad[9:11], wire.VersionDTLS12)
	binary.BigEndian.PutUint16(aad[11:13], uint16(len(msg)))
	fragment := append(explicit, aead.Seal(nil, nonce, msg, aad[:])...)

	out = conv.Feed(DirServerToClient,
		frameDTLS(wire.ContentTypeApplicationData, wire.VersionDTLS12, 1, 0, fragment))
	require.Len(t, out, 1)
	assert.Equal(t, msg, out[0].Plaintext)
	assert.Equal(t, uint64(0), out[0].StreamOffset)

	// A mangled datagram is dropped without poisoning the session.
	bad := frameDTLS(wire.ContentTypeApplicationData, wire.VersionDTLS12, 1, 1, fragment)
	bad[len(bad)-1] ^= 0xff
	assert.Empty(t, conv.Feed(DirServerToClient, bad))
}

func TestDTLSConversationUnifiedHeader(t *testing.T) {
	store := keylog.NewStore(keylog.StoreConfig{})
	e := NewEngine(Config{Store: store})
	conv := NewDTLSConversation(e, "udp13-flow")

	s := conv.Session()
	s.SetClientRandom(bytes.Repeat([]byte{0xc1}, 32))
	s.SetVersion(wire.VersionDTLS13)
	require.NoError(t, s.SetCipherSuite(0x1301))

	secret := bytes.Repeat([]byte{0x51}, 32)
	store.Save(keylog.MapTLS13ServerHandshake, s.ClientRandom, secret)
	require.NoError(t, s.LoadTLS13Secret(keylog.MapTLS13ServerHandshake))

	tk, err := keysched.DeriveTrafficKeys(wire.VersionDTLS13, 0, s.Suite, secret)
	require.NoError(t, err)
	require.Len(t, tk.SeqKey, 16)

	block, err := aes.NewCipher(tk.Key)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)

	// Unified header: epoch bits 2 (handshake), 8-bit sequence number,
	// explicit length. The AAD carries the plaintext sequence number;
	// the wire carries it XORed with the ciphertext-derived mask.
	msg := []byte("flight five")
	inner := append(append([]byte(nil), msg...), wire.ContentTypeApplicationData)
	seq := uint64(2)<<48 | 0

	hdr := []byte{dtls13HeaderBits | dtls13FlagLength | 0x02, 0x00, 0, 0}
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(inner)+16))
	ct := aead.Seal(nil, xorNonce(tk.IV, seq), inner, hdr)

	snBlock, err := aes.NewCipher(tk.SeqKey)
	require.NoError(t, err)
	mask := make([]byte, 16)
	snBlock.Encrypt(mask, ct[:16])

	wireHdr := append([]byte(nil), hdr...)
	wireHdr[1] ^= mask[0]

	out := conv.Feed(DirServerToClient, append(wireHdr, ct...))
	require.Len(t, out, 1)
	assert.Equal(t, msg, out[0].Plaintext)
}

func TestDTLSLiftRecordCID(t *testing.T) {
	store := keylog.NewStore(keylog.StoreConfig{})
	e := NewEngine(Config{Store: store})
	conv := NewDTLSConversation(e, "cid-flow")

	cid := []byte{0xde, 0xad}
	conv.Session().SetConnectionID(DirClientToServer, cid)

	fragment := []byte{1, 2, 3, 4}
	rec := []byte{wire.ContentTypeTLS12CID}
	rec = binary.BigEndian.AppendUint16(rec, wire.VersionDTLS12)
	rec = binary.BigEndian.AppendUint16(rec, 1) // epoch
	rec = append(rec, 0, 0, 0, 0, 0, 7)         // 48-bit seq
	rec = append(rec, cid...)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(fragment)))
	rec = append(rec, fragment...)

	lifted, rest, err := conv.liftRecord(DirClientToServer, rec)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, wire.ContentTypeTLS12CID, lifted.contentType)
	assert.Equal(t, uint16(1), lifted.epoch)
	assert.Equal(t, uint64(7), lifted.seq)
	assert.Equal(t, cid, lifted.cid)
	assert.Equal(t, fragment, lifted.fragment)
}

func TestStripCookie(t *testing.T) {
	body := dtlsHelloBody(handshakeClientHello, wire.VersionDTLS12, bytes.Repeat([]byte{0xc1}, 32), 0x009c)
	stripped := stripCookie(body)
	assert.Equal(t, len(body)-1, len(stripped))

	h, err := parseHello(tlsShapedHello(handshakeClientHello, stripped))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xc1}, 32), h.random)

	withCookie := dtlsHelloBody(handshakeClientHello, wire.VersionDTLS12, bytes.Repeat([]byte{0xc1}, 32), 0x009c)
	// Splice a 4-byte cookie in.
	pos := 2 + 32 + 1
	spliced := append([]byte(nil), withCookie[:pos]...)
	spliced = append(spliced, 4, 0xaa, 0xbb, 0xcc, 0xdd)
	spliced = append(spliced, withCookie[pos+1:]...)
	assert.Equal(t, stripped, stripCookie(spliced))
}
