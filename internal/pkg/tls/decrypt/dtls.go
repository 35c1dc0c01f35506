package decrypt

import (
	"encoding/binary"
	"fmt"

	"github.com/endorses/tlstap/internal/pkg/logger"
	"github.com/endorses/tlstap/internal/pkg/tls/wire"
)

// DTLS 1.3 unified header flag bits (RFC 9147 4).
const (
	dtls13HeaderBits = 0x20
	dtls13FlagCID    = 0x10
	dtls13FlagSeq16  = 0x08
	dtls13FlagLength = 0x04
	dtls13EpochMask  = 0x03
)

// dtlsRecord is one record lifted out of a datagram.
type dtlsRecord struct {
	contentType uint8
	version     uint16
	epoch       uint16
	seq         uint64
	cid         []byte
	fragment    []byte

	// unified marks a DTLS 1.3 ciphertext record; header carries the
	// raw header bytes with the sequence number still encrypted.
	unified bool
	header  []byte
}

// DTLSConversation drives a Session from raw UDP datagrams: record
// lifting (classic and unified headers), handshake-field extraction,
// and record decryption. Datagrams may arrive reordered; AEAD nonces
// come from the record header, not an internal counter.
type DTLSConversation struct {
	session *Session

	active  [2]bool
	offsets [2]uint64
}

// NewDTLSConversation creates a conversation bound to an engine session.
func NewDTLSConversation(e *Engine, flowKey string) *DTLSConversation {
	return &DTLSConversation{session: e.Session(flowKey)}
}

// Session exposes the underlying session state.
func (c *DTLSConversation) Session() *Session { return c.session }

// Feed consumes one direction's datagram and returns any records
// decrypted by it. Records that fail to lift or decrypt are skipped;
// datagram loss is normal operation.
func (c *DTLSConversation) Feed(dir Direction, datagram []byte) []DecryptedRecord {
	var out []DecryptedRecord
	data := datagram
	for len(data) > 0 {
		rec, rest, err := c.liftRecord(dir, data)
		if err != nil {
			logger.Debug("datagram record framing error",
				"direction", dir.String(), "error", err)
			break
		}
		data = rest
		if d := c.handleRecord(dir, rec); d != nil {
			out = append(out, *d)
		}
	}
	return out
}

// liftRecord splits the next record off a datagram.
func (c *DTLSConversation) liftRecord(dir Direction, data []byte) (*dtlsRecord, []byte, error) {
	if data[0]&0xe0 == dtls13HeaderBits {
		return c.liftUnified(dir, data)
	}

	if len(data) < wire.DTLSRecordHeaderLen {
		return nil, nil, fmt.Errorf("%w: truncated DTLS header", ErrMalformedRecord)
	}
	rec := &dtlsRecord{
		contentType: data[0],
		version:     binary.BigEndian.Uint16(data[1:3]),
		epoch:       binary.BigEndian.Uint16(data[3:5]),
	}
	rec.seq = uint64(binary.BigEndian.Uint16(data[5:7]))<<32 |
		uint64(binary.BigEndian.Uint32(data[7:11]))
	pos := 11

	if rec.contentType == wire.ContentTypeTLS12CID {
		cidLen := len(c.session.cid(dir))
		if len(data) < pos+cidLen+2 {
			return nil, nil, fmt.Errorf("%w: truncated CID record", ErrMalformedRecord)
		}
		rec.cid = data[pos : pos+cidLen]
		pos += cidLen
	}

	length := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if length > wire.MaxRecordLen || len(data) < pos+length {
		return nil, nil, fmt.Errorf("%w: record length %d", ErrMalformedRecord, length)
	}
	rec.fragment = data[pos : pos+length]
	return rec, data[pos+length:], nil
}

// liftUnified splits off a DTLS 1.3 unified-header record. The sequence
// number stays encrypted; the decoder unmasks it.
func (c *DTLSConversation) liftUnified(dir Direction, data []byte) (*dtlsRecord, []byte, error) {
	flags := data[0]
	pos := 1

	var cid []byte
	if flags&dtls13FlagCID != 0 {
		cidLen := len(c.session.cid(dir))
		if cidLen == 0 || len(data) < pos+cidLen {
			return nil, nil, fmt.Errorf("%w: unified header CID without negotiation", ErrMalformedRecord)
		}
		cid = data[pos : pos+cidLen]
		pos += cidLen
	}

	snLen := 1
	if flags&dtls13FlagSeq16 != 0 {
		snLen = 2
	}
	pos += snLen

	length := len(data) - pos
	if flags&dtls13FlagLength != 0 {
		if len(data) < pos+2 {
			return nil, nil, fmt.Errorf("%w: truncated unified header", ErrMalformedRecord)
		}
		length = int(binary.BigEndian.Uint16(data[pos : pos+2]))
		pos += 2
	}
	if length < 0 || len(data) < pos+length {
		return nil, nil, fmt.Errorf("%w: unified record length %d", ErrMalformedRecord, length)
	}

	return &dtlsRecord{
		contentType: wire.ContentTypeApplicationData,
		version:     wire.VersionDTLS13,
		epoch:       c.session.epochFromLowBits(dir, flags&dtls13EpochMask),
		cid:         cid,
		fragment:    data[pos : pos+length],
		unified:     true,
		header:      data[:pos],
	}, data[pos+length:], nil
}

// cid returns the Connection ID carried by records of one direction.
func (s *Session) cid(dir Direction) []byte {
	if dir == DirClientToServer {
		return s.clientCID
	}
	return s.serverCID
}

// epochFromLowBits widens the unified header's two epoch bits to the
// candidate nearest the direction's current epoch.
func (s *Session) epochFromLowBits(dir Direction, bits uint8) uint16 {
	expected := s.epoch
	if ds := s.dir(dir); ds.active != nil {
		expected = ds.active.Epoch()
	}
	cand := expected&^dtls13EpochMask | uint16(bits)
	if cand > expected+1 && cand >= 4 {
		cand -= 4
	}
	return cand
}

func (c *DTLSConversation) handleRecord(dir Direction, rec *dtlsRecord) *DecryptedRecord {
	s := c.session

	if !rec.unified && rec.epoch == 0 {
		switch rec.contentType {
		case wire.ContentTypeChangeCipherSpec:
			if err := s.ChangeCipherSpec(dir); err != nil {
				logger.Debug("cipher spec change without keys",
					"direction", dir.String(), "error", err)
				return nil
			}
			c.active[dir] = true
		case wire.ContentTypeHandshake:
			c.handlePlainHandshake(dir, rec)
		}
		return nil
	}

	if !c.active[dir] && !rec.unified {
		c.active[dir] = true
	}

	plain, err := s.DecryptRecord(dir, &RecordInput{
		ContentType: rec.contentType,
		Version:     rec.version,
		Ciphertext:  rec.fragment,
		Epoch:       rec.epoch,
		SeqNum:      rec.seq,
		CID:         rec.cid,
		Header:      rec.header,
	})
	if err != nil {
		logger.Debug("datagram record decryption failed",
			"direction", dir.String(),
			"epoch", rec.epoch,
			"error", err)
		return nil
	}

	s.postDecrypt(dir, plain)

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

// DTLS handshake messages carry a 12-byte header: the TLS fields plus
// message sequence and fragment bounds (RFC 6347 4.2.2).
const dtlsHandshakeHeaderLen = 12

// handlePlainHandshake walks the cleartext handshake fragments of one
// record. Fragmented messages are skipped; hellos fit a datagram in
// practice and retransmissions re-deliver them whole.
func (c *DTLSConversation) handlePlainHandshake(dir Direction, rec *dtlsRecord) {
	s := c.session
	data := rec.fragment

	for len(data) >= dtlsHandshakeHeaderLen {
		msgLen := int(data[1])<<16 | int(data[2])<<8 | int(data[3])
		fragOff := int(data[6])<<16 | int(data[7])<<8 | int(data[8])
		fragLen := int(data[9])<<16 | int(data[10])<<8 | int(data[11])
		if dtlsHandshakeHeaderLen+fragLen > len(data) {
			break
		}
		msg := data[:dtlsHandshakeHeaderLen+fragLen]
		body := msg[dtlsHandshakeHeaderLen:]
		data = data[dtlsHandshakeHeaderLen+fragLen:]

		if fragOff != 0 || fragLen != msgLen {
			logger.Debug("skipping fragmented handshake message",
				"type", msg[0], "offset", fragOff)
			continue
		}

		s.AppendTranscript(msg)

		switch msg[0] {
		case handshakeClientHello:
			h, err := parseHello(tlsShapedHello(msg[0], stripCookie(body)))
			if err != nil {
				logger.Debug("unparseable ClientHello", "error", err)
				continue
			}
			s.applyClientHello(h)

		case handshakeServerHello:
			h, err := parseHello(tlsShapedHello(msg[0], body))
			if err != nil {
				logger.Debug("unparseable ServerHello", "error", err)
				continue
			}
			s.applyServerHello(h)

		case handshakeClientKeyExchange:
			s.applyClientKeyExchange(tlsShapedHello(msg[0], body))

		case handshakeNewSessionTicket:
			applySessionTicket(s, tlsShapedHello(msg[0], body))
		}
	}
}

// tlsShapedHello rebuilds a handshake message with the 4-byte TLS
// header so the stream-side parser applies.
func tlsShapedHello(msgType uint8, body []byte) []byte {
	msg := []byte{msgType, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	return append(msg, body...)
}

// stripCookie removes the DTLS cookie field from a ClientHello body,
// restoring the TLS field layout.
func stripCookie(body []byte) []byte {
	// version(2) random(32) session_id(1+n) cookie(1+n)
	pos := 34
	if len(body) <= pos {
		return body
	}
	pos += 1 + int(body[pos])
	if len(body) <= pos {
		return body
	}
	cookieLen := int(body[pos])
	if len(body) < pos+1+cookieLen {
		return body
	}
	out := make([]byte, 0, len(body)-1-cookieLen)
	out = append(out, body[:pos]...)
	return append(out, body[pos+1+cookieLen:]...)
}
