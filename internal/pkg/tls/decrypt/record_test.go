package decrypt

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/tlstap/internal/pkg/tls/keylog"
	"github.com/endorses/tlstap/internal/pkg/tls/keysched"
	"github.com/endorses/tlstap/internal/pkg/tls/wire"
)

func frameRecord(contentType uint8, fragment []byte) []byte {
	rec := []byte{contentType, 0x03, 0x03, 0, 0}
	binary.BigEndian.PutUint16(rec[3:5], uint16(len(fragment)))
	return append(rec, fragment...)
}

func TestRecordParserReassembly(t *testing.T) {
	p := NewRecordParser()

	full := frameRecord(wire.ContentTypeHandshake, []byte("hello"))

	// Header split from body across segments.
	recs, err := p.Parse(full[:3])
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 3, p.Buffered())

	recs, err = p.Parse(full[3:])
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, wire.ContentTypeHandshake, recs[0].ContentType)
	assert.Equal(t, uint16(0x0303), recs[0].Version)
	assert.Equal(t, []byte("hello"), recs[0].Fragment)
	assert.Zero(t, p.Buffered())

	// Two records plus a partial third in one segment.
	data := append(frameRecord(wire.ContentTypeAlert, []byte{1, 0}),
		frameRecord(wire.ContentTypeApplicationData, []byte("data"))...)
	data = append(data, frameRecord(wire.ContentTypeHandshake, []byte("partial"))[:7]...)
	recs, err = p.Parse(data)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 7, p.Buffered())

	p.Reset()
	assert.Zero(t, p.Buffered())
}

func TestRecordParserRejectsGarbage(t *testing.T) {
	p := NewRecordParser()
	_, err := p.Parse([]byte{0x47, 0x45, 0x54, 0x20, 0x2f}) // "GET /"
	assert.ErrorIs(t, err, ErrMalformedRecord)
	assert.Zero(t, p.Buffered(), "framing error flushes the buffer")

	p = NewRecordParser()
	_, err = p.Parse([]byte{wire.ContentTypeHandshake, 0x02, 0x00, 0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrMalformedRecord, "not an 0x03xx version")

	p = NewRecordParser()
	oversize := []byte{wire.ContentTypeHandshake, 0x03, 0x03, 0xff, 0xff}
	_, err = p.Parse(oversize)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestRecordParserTLCPVersion(t *testing.T) {
	p := NewRecordParser()
	rec := []byte{wire.ContentTypeHandshake, 0x01, 0x01, 0, 5}
	rec = append(rec, []byte("tlcp!")...)

	recs, err := p.Parse(rec)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, wire.VersionTLCP, recs[0].Version)
}

// buildHello assembles a hello handshake message. For a ClientHello,
// suite carries the single offered suite; for a ServerHello it is the
// selection.
func buildHello(msgType uint8, random []byte, sessionID []byte, suiteID uint16, exts []byte) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, 0x0303)
	body = append(body, random...)
	body = append(body, byte(len(sessionID)))
	body = append(body, sessionID...)
	if msgType == handshakeClientHello {
		body = binary.BigEndian.AppendUint16(body, 2)
		body = binary.BigEndian.AppendUint16(body, suiteID)
		body = append(body, 1, 0) // null compression only
	} else {
		body = binary.BigEndian.AppendUint16(body, suiteID)
		body = append(body, 0)
	}
	if len(exts) > 0 {
		body = binary.BigEndian.AppendUint16(body, uint16(len(exts)))
		body = append(body, exts...)
	}

	msg := []byte{msgType, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	return append(msg, body...)
}

func ext(extType uint16, data []byte) []byte {
	e := binary.BigEndian.AppendUint16(nil, extType)
	e = binary.BigEndian.AppendUint16(e, uint16(len(data)))
	return append(e, data...)
}

func TestParseHelloClient(t *testing.T) {
	random := bytes.Repeat([]byte{0xc1}, 32)
	sid := []byte{0x01, 0x02}
	exts := append(ext(extExtendedMaster, nil), ext(extConnectionID, []byte{2, 0xbe, 0xef})...)

	h, err := parseHello(buildHello(handshakeClientHello, random, sid, 0x002f, exts))
	require.NoError(t, err)
	assert.Equal(t, handshakeClientHello, h.msgType)
	assert.Equal(t, random, h.random)
	assert.Equal(t, sid, h.sessionID)
	assert.True(t, h.extendedMaster)
	assert.Equal(t, []byte{0xbe, 0xef}, h.connectionID)
	assert.Zero(t, h.cipherSuite, "offered suites are not a selection")
}

func TestParseHelloServer(t *testing.T) {
	random := bytes.Repeat([]byte{0x5e}, 32)
	exts := append(ext(extEncryptThenMAC, nil), ext(extSupportedVersion, []byte{0x03, 0x04})...)

	h, err := parseHello(buildHello(handshakeServerHello, random, nil, 0x1301, exts))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1301), h.cipherSuite)
	assert.Equal(t, uint8(0), h.compression)
	assert.True(t, h.encryptThenMAC)
	assert.Equal(t, uint16(0x0304), h.supportedVersion)
}

func TestParseHelloTruncated(t *testing.T) {
	_, err := parseHello([]byte{handshakeClientHello, 0, 0, 2, 0x03})
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestConversationPre13Flow(t *testing.T) {
	store := keylog.NewStore(keylog.StoreConfig{})
	e := NewEngine(Config{Store: store})
	conv := NewConversation(e, "flow")

	clientRandom := bytes.Repeat([]byte{0xc1}, 32)
	serverRandom := bytes.Repeat([]byte{0x5e}, 32)
	ms := bytes.Repeat([]byte{0x4d}, 48)
	store.Save(keylog.MapClientRandom, clientRandom, ms)

	out := conv.Feed(DirClientToServer,
		frameRecord(wire.ContentTypeHandshake, buildHello(handshakeClientHello, clientRandom, nil, 0x002f, nil)))
	assert.Empty(t, out)
	out = conv.Feed(DirServerToClient,
		frameRecord(wire.ContentTypeHandshake, buildHello(handshakeServerHello, serverRandom, nil, 0x002f, nil)))
	assert.Empty(t, out)

	s := conv.Session()
	assert.Equal(t, wire.VersionTLS12, s.Version)
	require.NotNil(t, s.Suite)

	// Server ChangeCipherSpec derives keys and arms that direction.
	out = conv.Feed(DirServerToClient, frameRecord(wire.ContentTypeChangeCipherSpec, []byte{0x01}))
	assert.Empty(t, out)
	assert.True(t, s.Flags.Has(FlagHaveSessionKey))

	key, macKey, _ := deriveSide(t, s, DirServerToClient)
	seal := func(seq uint64, contentType uint8, msg []byte) []byte {
		mac := tlsMAC(macKey, seq, contentType, wire.VersionTLS12, msg)
		iv := bytes.Repeat([]byte{byte(seq)}, 16)
		ct := append(append([]byte(nil), iv...),
			cbcEncrypt(t, key, iv, append(append([]byte(nil), msg...), mac...))...)
		return frameRecord(contentType, ct)
	}

	// Encrypted Finished, then two application records with stream
	// offsets accounted per direction.
	finished := append([]byte{handshakeFinished, 0, 0, 12}, bytes.Repeat([]byte{0xf1}, 12)...)
	out = conv.Feed(DirServerToClient, seal(0, wire.ContentTypeHandshake, finished))
	require.Len(t, out, 1)
	assert.Equal(t, wire.ContentTypeHandshake, out[0].ContentType)

	out = conv.Feed(DirServerToClient, seal(1, wire.ContentTypeApplicationData, []byte("first ")))
	require.Len(t, out, 1)
	assert.Equal(t, []byte("first "), out[0].Plaintext)
	assert.Equal(t, uint64(0), out[0].StreamOffset)

	out = conv.Feed(DirServerToClient, seal(2, wire.ContentTypeApplicationData, []byte("second")))
	require.Len(t, out, 1)
	assert.Equal(t, uint64(6), out[0].StreamOffset)

	// The client direction never saw a CCS; its records stay opaque.
	out = conv.Feed(DirClientToServer, frameRecord(wire.ContentTypeApplicationData, []byte("junk")))
	assert.Empty(t, out)
}

func TestConversationRenegotiation(t *testing.T) {
	store := keylog.NewStore(keylog.StoreConfig{})
	e := NewEngine(Config{Store: store})
	conv := NewConversation(e, "renego-flow")

	clientRandom := bytes.Repeat([]byte{0xc1}, 32)
	serverRandom := bytes.Repeat([]byte{0x5e}, 32)
	ms := bytes.Repeat([]byte{0x4d}, 48)
	store.Save(keylog.MapClientRandom, clientRandom, ms)

	conv.Feed(DirClientToServer,
		frameRecord(wire.ContentTypeHandshake, buildHello(handshakeClientHello, clientRandom, nil, 0x002f, nil)))
	conv.Feed(DirServerToClient,
		frameRecord(wire.ContentTypeHandshake, buildHello(handshakeServerHello, serverRandom, nil, 0x002f, nil)))
	conv.Feed(DirServerToClient, frameRecord(wire.ContentTypeChangeCipherSpec, []byte{0x01}))
	conv.Feed(DirClientToServer, frameRecord(wire.ContentTypeChangeCipherSpec, []byte{0x01}))

	s := conv.Session()
	require.True(t, s.Flags.Has(FlagHaveSessionKey))

	seal := func(key, macKey []byte, seq uint64, contentType uint8, msg []byte) []byte {
		mac := tlsMAC(macKey, seq, contentType, wire.VersionTLS12, msg)
		iv := bytes.Repeat([]byte{byte(seq)}, 16)
		ct := append(append([]byte(nil), iv...),
			cbcEncrypt(t, key, iv, append(append([]byte(nil), msg...), mac...))...)
		return frameRecord(contentType, ct)
	}

	// The old key material must be captured now: the renegotiation
	// clears the session state it is derived from.
	srvKey, srvMAC, _ := deriveSide(t, s, DirServerToClient)
	cliKey, cliMAC, _ := deriveSide(t, s, DirClientToServer)

	// A ClientHello under the established keys starts a renegotiation:
	// secrets clear, but the old decoders keep serving in-flight records.
	newClientRandom := bytes.Repeat([]byte{0xc2}, 32)
	newServerRandom := bytes.Repeat([]byte{0x5f}, 32)
	newMS := bytes.Repeat([]byte{0x4e}, 48)
	store.Save(keylog.MapClientRandom, newClientRandom, newMS)

	out := conv.Feed(DirClientToServer,
		seal(cliKey, cliMAC, 0, wire.ContentTypeHandshake,
			buildHello(handshakeClientHello, newClientRandom, nil, 0x002f, nil)))
	require.Len(t, out, 1)
	assert.False(t, s.Flags.Has(FlagHaveSessionKey), "renegotiation clears session keys")
	assert.Equal(t, newClientRandom, s.ClientRandom)

	out = conv.Feed(DirServerToClient,
		seal(srvKey, srvMAC, 0, wire.ContentTypeApplicationData, []byte("old keys")))
	require.Len(t, out, 1)
	assert.Equal(t, []byte("old keys"), out[0].Plaintext)

	// The new exchange completes under the old record protection; the
	// CCS promotes freshly derived decoders.
	conv.Feed(DirServerToClient,
		seal(srvKey, srvMAC, 1, wire.ContentTypeHandshake,
			buildHello(handshakeServerHello, newServerRandom, nil, 0x002f, nil)))
	conv.Feed(DirServerToClient, frameRecord(wire.ContentTypeChangeCipherSpec, []byte{0x01}))
	require.True(t, s.Flags.Has(FlagHaveSessionKey))
	assert.Equal(t, newMS, s.Master)

	newSrvKey, newSrvMAC, _ := deriveSide(t, s, DirServerToClient)
	out = conv.Feed(DirServerToClient,
		seal(newSrvKey, newSrvMAC, 0, wire.ContentTypeApplicationData, []byte("new keys")))
	require.Len(t, out, 1)
	assert.Equal(t, []byte("new keys"), out[0].Plaintext)
}

func TestConversationRSAKeyExchange(t *testing.T) {
	store := keylog.NewStore(keylog.StoreConfig{})
	pms := bytes.Repeat([]byte{0x9d}, 48)
	epms := bytes.Repeat([]byte{0xe0}, 256)

	var sawCiphertext []byte
	e := NewEngine(Config{
		Store: store,
		PrivateKeyDecrypt: func(keyID, ciphertext []byte) ([]byte, error) {
			sawCiphertext = ciphertext
			return pms, nil
		},
	})
	conv := NewConversation(e, "rsa-flow")

	clientRandom := bytes.Repeat([]byte{0xc1}, 32)
	serverRandom := bytes.Repeat([]byte{0x5e}, 32)

	conv.Feed(DirClientToServer,
		frameRecord(wire.ContentTypeHandshake, buildHello(handshakeClientHello, clientRandom, nil, 0x002f, nil)))
	conv.Feed(DirServerToClient,
		frameRecord(wire.ContentTypeHandshake, buildHello(handshakeServerHello, serverRandom, nil, 0x002f, nil)))

	// ClientKeyExchange: 2-byte length, then the RSA-encrypted PMS.
	body := binary.BigEndian.AppendUint16(nil, uint16(len(epms)))
	body = append(body, epms...)
	cke := []byte{handshakeClientKeyExchange, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	cke = append(cke, body...)
	conv.Feed(DirClientToServer, frameRecord(wire.ContentTypeHandshake, cke))

	conv.Feed(DirServerToClient, frameRecord(wire.ContentTypeChangeCipherSpec, []byte{0x01}))

	s := conv.Session()
	require.True(t, s.Flags.Has(FlagHaveSessionKey), "collaborator-decrypted PMS yields keys")
	assert.Equal(t, epms, sawCiphertext)

	want, err := keysched.PRF(wire.VersionTLS12, s.Suite.PRFDigest(), pms,
		keysched.LabelMasterSecret, clientRandom, serverRandom, keysched.MasterSecretLen)
	require.NoError(t, err)
	assert.Equal(t, want, s.Master)
}

func TestConversationEncryptedPMSLookup(t *testing.T) {
	store := keylog.NewStore(keylog.StoreConfig{})
	e := NewEngine(Config{Store: store})
	conv := NewConversation(e, "rsa-keylog-flow")

	pms := bytes.Repeat([]byte{0x7b}, 48)
	epms := bytes.Repeat([]byte{0xe1}, 128)
	store.Save(keylog.MapEncryptedPMS, epms[:8], pms)

	conv.Feed(DirClientToServer,
		frameRecord(wire.ContentTypeHandshake,
			buildHello(handshakeClientHello, bytes.Repeat([]byte{0xc1}, 32), nil, 0x002f, nil)))
	conv.Feed(DirServerToClient,
		frameRecord(wire.ContentTypeHandshake,
			buildHello(handshakeServerHello, bytes.Repeat([]byte{0x5e}, 32), nil, 0x002f, nil)))

	body := binary.BigEndian.AppendUint16(nil, uint16(len(epms)))
	body = append(body, epms...)
	cke := []byte{handshakeClientKeyExchange, 0, 0, byte(len(body))}
	cke = append(cke, body...)
	conv.Feed(DirClientToServer, frameRecord(wire.ContentTypeHandshake, cke))

	conv.Feed(DirServerToClient, frameRecord(wire.ContentTypeChangeCipherSpec, []byte{0x01}))
	assert.True(t, conv.Session().Flags.Has(FlagHaveSessionKey))
}

func TestConversationTLS13Flow(t *testing.T) {
	store := keylog.NewStore(keylog.StoreConfig{})
	e := NewEngine(Config{Store: store})
	conv := NewConversation(e, "flow13")

	clientRandom := bytes.Repeat([]byte{0xc1}, 32)
	serverRandom := bytes.Repeat([]byte{0x5e}, 32)
	shs := bytes.Repeat([]byte{0x51}, 32)
	sas := bytes.Repeat([]byte{0x52}, 32)
	store.Save(keylog.MapTLS13ServerHandshake, clientRandom, shs)
	store.Save(keylog.MapTLS13ServerApp, clientRandom, sas)

	conv.Feed(DirClientToServer,
		frameRecord(wire.ContentTypeHandshake, buildHello(handshakeClientHello, clientRandom, nil, 0x1301, nil)))
	conv.Feed(DirServerToClient,
		frameRecord(wire.ContentTypeHandshake,
			buildHello(handshakeServerHello, serverRandom, nil, 0x1301, ext(extSupportedVersion, []byte{0x03, 0x04}))))

	s := conv.Session()
	assert.Equal(t, wire.VersionTLS13, s.Version)
	assert.True(t, s.Flags.Has(FlagHaveSessionKey), "handshake secret loads with the ServerHello")

	// Middlebox-compatibility CCS is ignored.
	out := conv.Feed(DirServerToClient, frameRecord(wire.ContentTypeChangeCipherSpec, []byte{0x01}))
	assert.Empty(t, out)

	// Server Finished under the handshake secret; decrypting it
	// switches the direction to the application secret.
	finished := append([]byte{handshakeFinished, 0, 0, 32}, bytes.Repeat([]byte{0xf1}, 32)...)
	out = conv.Feed(DirServerToClient,
		frameRecord(wire.ContentTypeApplicationData, sealTLS13(t, s.Suite, shs, 0, wire.ContentTypeHandshake, finished)))
	require.Len(t, out, 1)
	assert.Equal(t, wire.ContentTypeHandshake, out[0].ContentType)

	msg := []byte("h2 frames")
	out = conv.Feed(DirServerToClient,
		frameRecord(wire.ContentTypeApplicationData, sealTLS13(t, s.Suite, sas, 0, wire.ContentTypeApplicationData, msg)))
	require.Len(t, out, 1)
	assert.Equal(t, msg, out[0].Plaintext)
	assert.Equal(t, uint64(0), out[0].StreamOffset)
}

func TestConversationNewSessionTicket(t *testing.T) {
	store := keylog.NewStore(keylog.StoreConfig{})
	e := NewEngine(Config{Store: store})
	conv := NewConversation(e, "flow")

	ticket := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	msg := []byte{handshakeNewSessionTicket, 0, 0, byte(6 + len(ticket))}
	msg = append(msg, 0, 0, 0x1c, 0x20) // lifetime hint
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(ticket)))
	msg = append(msg, ticket...)

	conv.Feed(DirServerToClient, frameRecord(wire.ContentTypeHandshake, msg))
	s := conv.Session()
	assert.Equal(t, ticket, s.Ticket)
	assert.True(t, s.Flags.Has(FlagNewSessionTicket))
}
