package decrypt

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/endorses/tlstap/internal/pkg/logger"
	"github.com/endorses/tlstap/internal/pkg/tls/keylog"
	"github.com/endorses/tlstap/internal/pkg/tls/suite"
	"github.com/endorses/tlstap/internal/pkg/tls/wire"
)

// errInsufficientData signals a partial record waiting for more bytes.
var errInsufficientData = errors.New("decrypt: insufficient data")

// Record is one TLS record as framed on the wire.
type Record struct {
	ContentType uint8
	Version     uint16
	Fragment    []byte
}

// RecordParser reassembles TLS records from a TCP byte stream. Feed it
// each segment in order; partial records are buffered across calls.
type RecordParser struct {
	buffer []byte
}

// NewRecordParser creates a record parser.
func NewRecordParser() *RecordParser {
	return &RecordParser{buffer: make([]byte, 0, 16384)}
}

// Parse appends data and returns every complete record now available.
func (p *RecordParser) Parse(data []byte) ([]*Record, error) {
	p.buffer = append(p.buffer, data...)

	var records []*Record
	for {
		rec, rest, err := parseOneRecord(p.buffer)
		if errors.Is(err, errInsufficientData) {
			break
		}
		if err != nil {
			p.buffer = p.buffer[:0]
			return records, err
		}
		records = append(records, rec)
		p.buffer = rest
	}
	return records, nil
}

// Buffered returns the number of bytes waiting for record completion.
func (p *RecordParser) Buffered() int { return len(p.buffer) }

// Reset discards buffered partial data.
func (p *RecordParser) Reset() { p.buffer = p.buffer[:0] }

func parseOneRecord(data []byte) (*Record, []byte, error) {
	if len(data) < wire.RecordHeaderLen {
		return nil, data, errInsufficientData
	}

	contentType := data[0]
	version := binary.BigEndian.Uint16(data[1:3])
	length := int(binary.BigEndian.Uint16(data[3:5]))

	if !validContentType(contentType) {
		return nil, nil, fmt.Errorf("%w: content type %d", ErrMalformedRecord, contentType)
	}
	if version != wire.VersionTLCP && (data[1] != 0x03 || data[2] > 0x04) {
		return nil, nil, fmt.Errorf("%w: record version 0x%04x", ErrMalformedRecord, version)
	}
	if length > wire.MaxRecordLen {
		return nil, nil, fmt.Errorf("%w: record length %d", ErrMalformedRecord, length)
	}
	if len(data) < wire.RecordHeaderLen+length {
		return nil, data, errInsufficientData
	}

	fragment := make([]byte, length)
	copy(fragment, data[wire.RecordHeaderLen:wire.RecordHeaderLen+length])
	return &Record{
		ContentType: contentType,
		Version:     version,
		Fragment:    fragment,
	}, data[wire.RecordHeaderLen+length:], nil
}

func validContentType(ct uint8) bool {
	switch ct {
	case wire.ContentTypeChangeCipherSpec,
		wire.ContentTypeAlert,
		wire.ContentTypeHandshake,
		wire.ContentTypeApplicationData,
		wire.ContentTypeHeartbeat,
		wire.ContentTypeTLS12CID:
		return true
	default:
		return false
	}
}

// Handshake message types consumed by the session driver.
const (
	handshakeClientHello       uint8 = 1
	handshakeServerHello       uint8 = 2
	handshakeNewSessionTicket  uint8 = 4
	handshakeClientKeyExchange uint8 = 16
	handshakeFinished          uint8 = 20
	handshakeKeyUpdate         uint8 = 24
)

// Extension numbers that affect key derivation.
const (
	extEncryptThenMAC   uint16 = 22
	extExtendedMaster   uint16 = 23
	extSessionTicket    uint16 = 35
	extSupportedVersion uint16 = 43
	extConnectionID     uint16 = 54
)

// helloInfo is the subset of a ClientHello/ServerHello the engine
// consumes.
type helloInfo struct {
	msgType          uint8
	version          uint16
	random           []byte
	sessionID        []byte
	cipherSuite      uint16
	compression      uint8
	supportedVersion uint16
	extendedMaster   bool
	encryptThenMAC   bool
	connectionID     []byte
}

// parseHello pulls the key-derivation fields from a hello body
// (handshake header included). Unknown extensions are skipped.
func parseHello(msg []byte) (*helloInfo, error) {
	if len(msg) < 38 {
		return nil, fmt.Errorf("%w: short hello", ErrMalformedRecord)
	}
	h := &helloInfo{msgType: msg[0]}
	h.version = binary.BigEndian.Uint16(msg[4:6])
	h.random = msg[6:38]

	pos := 38
	if pos >= len(msg) {
		return h, nil
	}
	sidLen := int(msg[pos])
	pos++
	if pos+sidLen > len(msg) {
		return nil, fmt.Errorf("%w: session id overruns hello", ErrMalformedRecord)
	}
	h.sessionID = msg[pos : pos+sidLen]
	pos += sidLen

	if h.msgType == handshakeClientHello {
		// Skip the offered cipher suites and compression methods.
		if pos+2 > len(msg) {
			return h, nil
		}
		csLen := int(binary.BigEndian.Uint16(msg[pos : pos+2]))
		pos += 2 + csLen
		if pos >= len(msg) {
			return h, nil
		}
		cmLen := int(msg[pos])
		pos += 1 + cmLen
	} else {
		if pos+3 > len(msg) {
			return h, nil
		}
		h.cipherSuite = binary.BigEndian.Uint16(msg[pos : pos+2])
		h.compression = msg[pos+2]
		pos += 3
	}

	if pos+2 > len(msg) {
		return h, nil
	}
	extLen := int(binary.BigEndian.Uint16(msg[pos : pos+2]))
	pos += 2
	end := pos + extLen
	if end > len(msg) {
		end = len(msg)
	}

	for pos+4 <= end {
		extType := binary.BigEndian.Uint16(msg[pos : pos+2])
		extDataLen := int(binary.BigEndian.Uint16(msg[pos+2 : pos+4]))
		pos += 4
		if pos+extDataLen > end {
			break
		}
		extData := msg[pos : pos+extDataLen]
		pos += extDataLen

		switch extType {
		case extSupportedVersion:
			// ServerHello carries the single selected version; the
			// ClientHello form (list) is not consulted.
			if h.msgType == handshakeServerHello && len(extData) >= 2 {
				h.supportedVersion = binary.BigEndian.Uint16(extData[:2])
			}
		case extExtendedMaster:
			h.extendedMaster = true
		case extEncryptThenMAC:
			h.encryptThenMAC = true
		case extConnectionID:
			if len(extData) >= 1 && int(extData[0])+1 <= len(extData) {
				h.connectionID = extData[1 : 1+int(extData[0])]
			}
		}
	}
	return h, nil
}

// DecryptedRecord is one plaintext record handed to the payload
// consumer, with the byte offset of its first application-data byte in
// the direction's decrypted stream.
type DecryptedRecord struct {
	Direction    Direction
	ContentType  uint8
	Plaintext    []byte
	StreamOffset uint64
}

// Conversation drives a Session from raw per-direction TCP bytes:
// record reassembly, handshake-field extraction, ChangeCipherSpec and
// KeyUpdate tracking, and record decryption.
type Conversation struct {
	session *Session

	parsers [2]*RecordParser
	active  [2]bool
	offsets [2]uint64
}

// NewConversation creates a conversation bound to an engine session.
func NewConversation(e *Engine, flowKey string) *Conversation {
	return &Conversation{
		session: e.Session(flowKey),
		parsers: [2]*RecordParser{NewRecordParser(), NewRecordParser()},
	}
}

// Session exposes the underlying session state.
func (c *Conversation) Session() *Session { return c.session }

// Feed consumes one direction's next TCP segment and returns any
// records decrypted by it. Handshake parse failures disable only this
// conversation; record-level failures skip the record.
func (c *Conversation) Feed(dir Direction, data []byte) []DecryptedRecord {
	records, err := c.parsers[dir].Parse(data)
	if err != nil {
		logger.Debug("record framing error", "direction", dir.String(), "error", err)
	}

	var out []DecryptedRecord
	for _, rec := range records {
		if d := c.handleRecord(dir, rec); d != nil {
			out = append(out, *d)
		}
	}
	return out
}

func (c *Conversation) handleRecord(dir Direction, rec *Record) *DecryptedRecord {
	s := c.session

	switch rec.ContentType {
	case wire.ContentTypeChangeCipherSpec:
		if wire.IsTLS13(s.Version) {
			// TLS 1.3 middlebox-compatibility CCS carries no meaning.
			return nil
		}
		if err := s.ChangeCipherSpec(dir); err != nil {
			logger.Debug("cipher spec change without keys",
				"direction", dir.String(), "error", err)
			return nil
		}
		c.active[dir] = true
		return nil

	case wire.ContentTypeHandshake:
		if !c.active[dir] {
			c.walkHandshake(dir, rec.Fragment)
			return nil
		}

	case wire.ContentTypeAlert, wire.ContentTypeHeartbeat:
		if !c.active[dir] {
			return nil
		}

	case wire.ContentTypeApplicationData:
		// TLS 1.3 hides everything in application_data records once
		// the server responds; treat the first one as activation.
		if !c.active[dir] && wire.IsTLS13(s.Version) {
			c.active[dir] = true
		}
		if !c.active[dir] {
			return nil
		}
	}

	plain, err := s.DecryptRecord(dir, &RecordInput{
		ContentType: rec.ContentType,
		Version:     rec.Version,
		Ciphertext:  rec.Fragment,
	})
	if err != nil {
		logger.Debug("record decryption failed",
			"direction", dir.String(),
			"type", rec.ContentType,
			"error", err)
		return nil
	}

	s.postDecrypt(dir, plain)
	if plain.ContentType == wire.ContentTypeHandshake && !wire.IsTLS13(s.Version) {
		// Encrypted pre-1.3 handshake messages still carry session
		// state: a ClientHello here starts a renegotiation.
		c.walkHandshake(dir, plain.Plaintext)
	}

	d := &DecryptedRecord{
		Direction:   dir,
		ContentType: plain.ContentType,
		Plaintext:   plain.Plaintext,
	}
	if plain.ContentType == wire.ContentTypeApplicationData {
		d.StreamOffset = c.offsets[dir]
		c.offsets[dir] += uint64(len(plain.Plaintext))
	}
	return d
}

// walkHandshake feeds a fragment's handshake messages into the session.
// It serves both the cleartext flights and decrypted pre-1.3 handshake
// records, where a ClientHello signals a renegotiation.
func (c *Conversation) walkHandshake(dir Direction, fragment []byte) {
	s := c.session
	data := fragment

	for len(data) >= 4 {
		msgLen := int(data[1])<<16 | int(data[2])<<8 | int(data[3])
		if 4+msgLen > len(data) {
			break
		}
		msg := data[:4+msgLen]
		data = data[4+msgLen:]

		if msg[0] == handshakeClientHello && s.Flags.Has(FlagHaveSessionKey) {
			// Renegotiation: old secrets go, the active decoders stay
			// for records still in flight under the old keys.
			s.Reset()
		}

		s.AppendTranscript(msg)

		switch msg[0] {
		case handshakeClientHello:
			h, err := parseHello(msg)
			if err != nil {
				logger.Debug("unparseable ClientHello", "error", err)
				continue
			}
			s.applyClientHello(h)

		case handshakeServerHello:
			h, err := parseHello(msg)
			if err != nil {
				logger.Debug("unparseable ServerHello", "error", err)
				continue
			}
			s.applyServerHello(h)

		case handshakeClientKeyExchange:
			s.applyClientKeyExchange(msg)

		case handshakeNewSessionTicket:
			applySessionTicket(s, msg)
		}
	}
}

// applyClientKeyExchange captures the RSA-encrypted pre-master secret
// for the keylog RSA map and the private-key collaborator. TLS prefixes
// the EncryptedPreMasterSecret with a 2-byte length; SSLv3 does not.
func (s *Session) applyClientKeyExchange(msg []byte) {
	if s.Suite == nil || (s.Suite.Kex != suite.KexRSA && s.Suite.Kex != suite.KexRSAPSK) {
		return
	}
	body := msg[4:]
	if wire.StreamVersion(s.Version) == wire.VersionSSL30 {
		if len(body) > 0 {
			s.SetEncryptedPreMaster(body, nil)
		}
		return
	}
	if len(body) < 2 {
		return
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	if n > 0 && 2+n <= len(body) {
		s.SetEncryptedPreMaster(body[2:2+n], nil)
	}
}

// applyClientHello feeds the ClientHello fields into the session.
func (s *Session) applyClientHello(h *helloInfo) {
	s.SetClientRandom(h.random)
	s.SetSessionID(h.sessionID)
	if h.extendedMaster {
		s.SetExtendedMasterSecret(DirClientToServer)
	}
	if len(h.connectionID) > 0 {
		// The client's CID marks records the server will send to it.
		s.SetConnectionID(DirServerToClient, h.connectionID)
	}
}

// applyServerHello feeds the ServerHello selections into the session and
// pulls any TLS 1.3 handshake secrets the store already holds.
func (s *Session) applyServerHello(h *helloInfo) {
	s.SetServerRandom(h.random)
	if h.supportedVersion != 0 {
		s.SetVersion(h.supportedVersion)
	} else {
		s.SetVersion(h.version)
	}
	if len(h.sessionID) > 0 {
		s.SetSessionID(h.sessionID)
	}
	s.SetCompression(h.compression)
	if h.extendedMaster {
		s.SetExtendedMasterSecret(DirServerToClient)
	}
	if h.encryptThenMAC {
		s.SetEncryptThenMAC()
	}
	if len(h.connectionID) > 0 {
		s.SetConnectionID(DirClientToServer, h.connectionID)
	}
	if err := s.SetCipherSuite(h.cipherSuite); err != nil {
		logger.Warn("session not decryptable", "error", err)
		return
	}
	if wire.IsTLS13(s.Version) {
		s.loadHandshakeSecrets()
	}
}

// applySessionTicket extracts the ticket from a NewSessionTicket message
// (handshake header included).
func applySessionTicket(s *Session, msg []byte) {
	if len(msg) < 10 {
		return
	}
	tlen := int(binary.BigEndian.Uint16(msg[8:10]))
	if 10+tlen <= len(msg) {
		s.SetSessionTicket(msg[10 : 10+tlen])
	}
}

// loadHandshakeSecrets installs whatever TLS 1.3 handshake secrets the
// store already has; missing ones are retried by the store callback.
func (s *Session) loadHandshakeSecrets() {
	for _, m := range []keylog.MapID{
		keylog.MapTLS13ClientHandshake,
		keylog.MapTLS13ServerHandshake,
		keylog.MapTLS13Early,
	} {
		if err := s.LoadTLS13Secret(m); err != nil &&
			!errors.Is(err, ErrMissingKeyMaterial) {
			logger.Debug("traffic secret rejected", "map", m.String(), "error", err)
		}
	}
}

// postDecrypt reacts to decrypted handshake content: a Finished message
// moves a TLS 1.3 direction to its application secret, a KeyUpdate
// ratchets the sender's keys.
func (s *Session) postDecrypt(dir Direction, out *RecordOutput) {
	if out.ContentType != wire.ContentTypeHandshake || len(out.Plaintext) == 0 {
		return
	}
	if !wire.IsTLS13(s.Version) {
		return
	}

	switch out.Plaintext[0] {
	case handshakeFinished:
		m := keylog.MapTLS13ClientApp
		if dir == DirServerToClient {
			m = keylog.MapTLS13ServerApp
		}
		if err := s.LoadTLS13Secret(m); err != nil &&
			!errors.Is(err, ErrMissingKeyMaterial) {
			logger.Debug("application secret rejected", "error", err)
		}
	case handshakeKeyUpdate:
		// The sender switches to its next generation after this
		// message, so its direction ratchets now.
		if err := s.KeyUpdate(dir); err != nil {
			logger.Debug("key update failed", "direction", dir.String(), "error", err)
		}
	case handshakeNewSessionTicket:
		// TLS 1.3 tickets are PSKs for future sessions, not this one.
	}
}
