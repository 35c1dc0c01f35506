package decrypt

import (
	"bytes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"golang.org/x/crypto/chacha20"

	"github.com/endorses/tlstap/internal/pkg/logger"
	"github.com/endorses/tlstap/internal/pkg/tls/ciphers"
	"github.com/endorses/tlstap/internal/pkg/tls/keysched"
	"github.com/endorses/tlstap/internal/pkg/tls/suite"
	"github.com/endorses/tlstap/internal/pkg/tls/wire"
)

// CompressionDeflate is the DEFLATE compression method id (RFC 3749).
const CompressionDeflate uint8 = 1

// DecoderConfig carries one direction's key material and policy into a
// RecordDecoder.
type DecoderConfig struct {
	Version   uint16
	Suite     *suite.Descriptor
	Direction Direction

	Key    []byte
	MACKey []byte
	IV     []byte // CBC chain/explicit IV or AEAD salt/write IV
	SeqKey []byte // DTLS 1.3 sequence-number mask key

	EncryptThenMAC    bool
	IgnoreMACFailures bool

	// Keyless marks a NULL-cipher session proceeding without key
	// material; MAC bytes are stripped but not verified.
	Keyless bool

	Compression uint8
	Epoch       uint16
	CID         []byte
	CIDEncoding CIDEncoding
	Draft       int
}

// RecordInput is one on-wire ciphertext record.
type RecordInput struct {
	ContentType uint8
	Version     uint16
	Ciphertext  []byte

	// DTLS fields. Epoch and SeqNum come from the record header
	// (pre-1.3); Header carries the raw header bytes, needed for the
	// DTLS 1.3 unified-header AAD and sequence-number decryption.
	Epoch  uint16
	SeqNum uint64
	CID    []byte
	Header []byte
}

// RecordOutput is one decrypted record.
type RecordOutput struct {
	// ContentType is the effective content type: the wire type
	// pre-1.3, the inner type for TLS 1.3 records.
	ContentType uint8
	Plaintext   []byte
}

// RecordDecoder holds one direction's record-protection state: cipher
// context, MAC key, sequence number, epoch, and decompression history.
// Records of a direction must be fed in wire order; the keystream and
// sequence number advance with each one.
type RecordDecoder struct {
	cfg  DecoderConfig
	desc *suite.Descriptor

	stream  ciphers.Stream
	block   cipher.Block
	aead    cipher.AEAD
	snBlock cipher.Block

	chainIV []byte // SSLv3/TLS1.0 implicit CBC chaining
	writeIV []byte

	seq   uint64
	epoch uint16

	inflater *inflater

	// stats
	records  uint64
	macFails uint64
}

// NewRecordDecoder builds a decoder from derived key material. An
// unsupported bulk cipher is an ErrCryptoProvider failure scoped to the
// session being built.
func NewRecordDecoder(cfg DecoderConfig) (*RecordDecoder, error) {
	d := &RecordDecoder{
		cfg:     cfg,
		desc:    cfg.Suite,
		epoch:   cfg.Epoch,
		writeIV: append([]byte(nil), cfg.IV...),
	}

	var err error
	switch {
	case cfg.Suite.Mode == suite.ModeStream:
		if cfg.Keyless {
			d.stream, err = ciphers.NewStream(suite.CipherNULL, nil)
		} else {
			d.stream, err = ciphers.NewStream(cfg.Suite.Cipher, cfg.Key)
		}
	case cfg.Suite.Mode == suite.ModeCBC:
		d.block, err = ciphers.NewBlock(cfg.Suite.Cipher, cfg.Key)
		d.chainIV = append([]byte(nil), cfg.IV...)
	case cfg.Suite.Mode.IsAEAD():
		d.aead, err = ciphers.NewAEAD(cfg.Suite, cfg.Key)
	default:
		err = fmt.Errorf("%w: mode %v", ciphers.ErrUnsupportedCipher, cfg.Suite.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoProvider, err)
	}

	if cfg.Version == wire.VersionDTLS13 && len(cfg.SeqKey) > 0 &&
		cfg.Suite.Cipher != suite.CipherChaCha20 {
		d.snBlock, err = ciphers.NewBlock(cfg.Suite.Cipher, cfg.SeqKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoProvider, err)
		}
	}

	if cfg.Compression == CompressionDeflate {
		d.inflater = &inflater{}
	}

	return d, nil
}

// SequenceNumber returns the next expected record sequence number.
func (d *RecordDecoder) SequenceNumber() uint64 { return d.seq }

// Epoch returns the decoder's DTLS epoch.
func (d *RecordDecoder) Epoch() uint16 { return d.epoch }

// SetSequenceNumber overrides the sequence counter; used when a
// replacement decoder must continue an existing direction's count.
func (d *RecordDecoder) SetSequenceNumber(seq uint64) { d.seq = seq }

// Decrypt decrypts and verifies one record. The returned plaintext is
// freshly allocated. Errors are classified per the package taxonomy;
// MAC failures on stream/CBC suites may be tolerated by policy, in
// which case the unverified plaintext is returned.
func (d *RecordDecoder) Decrypt(in *RecordInput) (*RecordOutput, error) {
	if len(in.Ciphertext) == 0 || len(in.Ciphertext) > wire.MaxRecordLen {
		return nil, fmt.Errorf("%w: record length %d", ErrMalformedRecord, len(in.Ciphertext))
	}

	var (
		out *RecordOutput
		err error
	)
	switch {
	case wire.IsTLS13(d.cfg.Version):
		out, err = d.decryptTLS13(in)
	case d.desc.Mode.IsAEAD():
		out, err = d.decryptAEAD(in)
	case d.desc.Mode == suite.ModeCBC:
		out, err = d.decryptCBC(in)
	default:
		out, err = d.decryptStream(in)
	}
	if err != nil {
		return nil, err
	}

	if d.inflater != nil && len(out.Plaintext) > 0 {
		out.Plaintext, err = d.inflater.decompress(out.Plaintext)
		if err != nil {
			return nil, err
		}
	}

	d.records++
	return out, nil
}

// recordSeq returns the 64-bit sequence value for MAC/nonce purposes:
// the internal counter for TLS, epoch||48-bit-sequence for DTLS.
func (d *RecordDecoder) recordSeq(in *RecordInput) uint64 {
	if wire.IsDTLS(d.cfg.Version) {
		return uint64(in.Epoch)<<48 | (in.SeqNum & 0xffffffffffff)
	}
	return d.seq
}

// advance moves the internal counter past one processed record. DTLS
// sequencing lives in the record header, so only TLS counts here.
func (d *RecordDecoder) advance() {
	if !wire.IsDTLS(d.cfg.Version) {
		d.seq++
	}
}

func (d *RecordDecoder) decryptStream(in *RecordInput) (*RecordOutput, error) {
	data := make([]byte, len(in.Ciphertext))
	d.stream.XORKeyStream(data, in.Ciphertext)

	macLen := d.desc.MACLen()
	if len(data) < macLen {
		return nil, fmt.Errorf("%w: record shorter than MAC", ErrMalformedRecord)
	}
	content := data[:len(data)-macLen]
	wireMAC := data[len(data)-macLen:]

	// Stream/CBC counters track wire arrival, not acceptance: a
	// tolerated MAC failure still consumes a sequence number.
	seq := d.recordSeq(in)
	d.advance()

	if macLen > 0 && !d.cfg.Keyless {
		if err := d.verifyMAC(seq, in.ContentType, in.Version, content, wireMAC); err != nil {
			return nil, err
		}
	}

	return finishRecord(in, content)
}

func (d *RecordDecoder) decryptCBC(in *RecordInput) (*RecordOutput, error) {
	blockLen := d.block.BlockSize()
	macLen := d.desc.MACLen()
	data := in.Ciphertext

	seq := d.recordSeq(in)
	d.advance()

	explicitIV := wire.StreamVersion(d.cfg.Version) >= wire.VersionTLS11

	if d.cfg.EncryptThenMAC {
		// RFC 7366: the MAC trails the ciphertext and covers the
		// explicit IV plus the still-encrypted bytes. It is verified
		// before any decryption or padding interpretation.
		if len(data) < macLen {
			return nil, fmt.Errorf("%w: record shorter than MAC", ErrMalformedRecord)
		}
		protected := data[:len(data)-macLen]
		wireMAC := data[len(data)-macLen:]
		if err := d.verifyMAC(seq, in.ContentType, in.Version, protected, wireMAC); err != nil {
			return nil, err
		}
		data = protected
		macLen = 0
	}

	iv := d.chainIV
	if explicitIV {
		if len(data) < blockLen {
			return nil, fmt.Errorf("%w: record shorter than explicit IV", ErrMalformedRecord)
		}
		iv = data[:blockLen]
		data = data[blockLen:]
	}

	if len(data) == 0 || len(data)%blockLen != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d not a multiple of block size", ErrMalformedRecord, len(data))
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(d.block, iv).CryptBlocks(plain, data)

	if !explicitIV {
		// Implicit chaining: the next record's IV is this record's
		// last ciphertext block.
		d.chainIV = append(d.chainIV[:0], data[len(data)-blockLen:]...)
	}

	plain, err := stripCBCPadding(plain, wire.StreamVersion(d.cfg.Version))
	if err != nil {
		return nil, err
	}

	if len(plain) < macLen {
		return nil, fmt.Errorf("%w: not enough data for MAC", ErrMalformedRecord)
	}
	content := plain[:len(plain)-macLen]
	if macLen > 0 {
		wireMAC := plain[len(plain)-macLen:]
		if err := d.verifyMAC(seq, in.ContentType, in.Version, content, wireMAC); err != nil {
			return nil, err
		}
	}

	return finishRecord(in, content)
}

// finishRecord recovers a pre-1.3 record's effective content type.
// CID-protected records carry a DTLSInnerPlaintext (RFC 9146 section 4):
// the real content type sits after the content, followed by zero
// padding, and both must be stripped before the plaintext is handed on.
func finishRecord(in *RecordInput, content []byte) (*RecordOutput, error) {
	if in.ContentType == wire.ContentTypeTLS12CID {
		ctype, inner, err := stripInnerPlaintext(content)
		if err != nil {
			return nil, err
		}
		return &RecordOutput{ContentType: ctype, Plaintext: inner}, nil
	}
	return &RecordOutput{ContentType: in.ContentType, Plaintext: content}, nil
}

// stripCBCPadding validates and removes the trailing padding. TLS
// requires every pad byte to equal the pad length; SSLv3 only bounds it.
func stripCBCPadding(plain []byte, streamVersion uint16) ([]byte, error) {
	if len(plain) == 0 {
		return nil, fmt.Errorf("%w: empty CBC plaintext", ErrMalformedRecord)
	}
	padLen := int(plain[len(plain)-1])
	if padLen+1 > len(plain) {
		return nil, fmt.Errorf("%w: padding length %d exceeds record", ErrMalformedRecord, padLen)
	}
	if streamVersion != wire.VersionSSL30 {
		for _, b := range plain[len(plain)-1-padLen : len(plain)-1] {
			if int(b) != padLen {
				return nil, fmt.Errorf("%w: inconsistent padding", ErrMalformedRecord)
			}
		}
	}
	return plain[:len(plain)-1-padLen], nil
}

func (d *RecordDecoder) decryptAEAD(in *RecordInput) (*RecordOutput, error) {
	tagLen := d.desc.Mode.TagLen()
	explicitLen := d.desc.RecordIVLen()
	data := in.Ciphertext

	if len(data) < explicitLen+tagLen {
		return nil, fmt.Errorf("%w: AEAD record too short", ErrMalformedRecord)
	}

	seq := d.recordSeq(in)

	var nonce []byte
	if explicitLen > 0 {
		// Pre-1.3 GCM/CCM: 4-byte implicit salt + 8-byte explicit
		// nonce from the record.
		nonce = make([]byte, 0, len(d.writeIV)+explicitLen)
		nonce = append(nonce, d.writeIV...)
		nonce = append(nonce, data[:explicitLen]...)
		data = data[explicitLen:]
	} else {
		// ChaCha20-Poly1305: full write IV XOR padded sequence number.
		nonce = xorNonce(d.writeIV, seq)
	}

	plainLen := len(data) - tagLen
	aad := d.aeadAAD(seq, in, plainLen)

	plain, err := d.aead.Open(nil, nonce, data, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}

	// AEAD acceptance, not wire arrival, drives the counter: a record
	// that fails its tag must not perturb the count.
	d.advance()

	return finishRecord(in, plain)
}

// aeadAAD builds the pre-1.3 additional data: the standard 13-byte
// seq+type+version+length layout, or one of the two DTLS Connection ID
// layouts when a CID is in play.
func (d *RecordDecoder) aeadAAD(seq uint64, in *RecordInput, plainLen int) []byte {
	cid := in.CID
	if len(cid) == 0 {
		cid = d.cfg.CID
	}
	if in.ContentType == wire.ContentTypeTLS12CID && len(cid) > 0 {
		return cidAAD(d.cfg.CIDEncoding, seq, in.Version, cid, plainLen)
	}

	aad := make([]byte, 13)
	binary.BigEndian.PutUint64(aad[:8], seq)
	aad[8] = in.ContentType
	binary.BigEndian.PutUint16(aad[9:11], in.Version)
	binary.BigEndian.PutUint16(aad[11:13], uint16(plainLen))
	return aad
}

// cidAAD builds the DTLS 1.2 Connection ID additional data. RFC 9146
// prepends an all-ones sequence-number placeholder and doubles the
// tls12_cid type; the deprecated draft layout keeps the classic shape
// with the CID spliced in before the length.
func cidAAD(enc CIDEncoding, seq uint64, version uint16, cid []byte, plainLen int) []byte {
	if enc == CIDEncodingDeprecated {
		aad := make([]byte, 0, 12+len(cid)+2)
		aad = binary.BigEndian.AppendUint64(aad, seq)
		aad = append(aad, wire.ContentTypeTLS12CID)
		aad = binary.BigEndian.AppendUint16(aad, version)
		aad = append(aad, cid...)
		aad = append(aad, byte(len(cid)))
		return binary.BigEndian.AppendUint16(aad, uint16(plainLen))
	}

	aad := make([]byte, 0, 21+len(cid)+2)
	aad = append(aad, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	aad = append(aad, wire.ContentTypeTLS12CID, byte(len(cid)), wire.ContentTypeTLS12CID)
	aad = binary.BigEndian.AppendUint16(aad, version)
	aad = binary.BigEndian.AppendUint64(aad, seq)
	aad = append(aad, cid...)
	return binary.BigEndian.AppendUint16(aad, uint16(plainLen))
}

func (d *RecordDecoder) decryptTLS13(in *RecordInput) (*RecordOutput, error) {
	tagLen := d.desc.Mode.TagLen()
	if len(in.Ciphertext) < tagLen+1 {
		return nil, fmt.Errorf("%w: short TLS 1.3 record", ErrMalformedRecord)
	}

	seq := d.seq
	aad := in.Header
	var recNum uint64
	if d.cfg.Version == wire.VersionDTLS13 {
		var err error
		recNum, aad, err = d.dtls13RecordNumber(in)
		if err != nil {
			return nil, err
		}
		seq = uint64(d.epoch)<<48 | recNum
	} else if aad == nil {
		aad = make([]byte, 5)
		aad[0] = in.ContentType
		binary.BigEndian.PutUint16(aad[1:3], wire.VersionTLS12)
		binary.BigEndian.PutUint16(aad[3:5], uint16(len(in.Ciphertext)))
	}

	nonce := xorNonce(d.writeIV, seq)
	plain, err := d.aead.Open(nil, nonce, in.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	if d.cfg.Version == wire.VersionDTLS13 {
		// The accepted record pins the next expected sequence. Counting
		// records instead would let the expectation drift under
		// datagram loss until reconstruction picks the wrong window.
		if recNum+1 > d.seq {
			d.seq = recNum + 1
		}
	} else {
		d.seq++
	}

	ctype, content, err := stripInnerPlaintext(plain)
	if err != nil {
		return nil, err
	}
	return &RecordOutput{ContentType: ctype, Plaintext: content}, nil
}

// stripInnerPlaintext removes the trailing zero padding of a
// TLSInnerPlaintext/DTLSInnerPlaintext and recovers the real content
// type from the final non-zero byte.
func stripInnerPlaintext(plain []byte) (uint8, []byte, error) {
	i := len(plain) - 1
	for i >= 0 && plain[i] == 0 {
		i--
	}
	if i < 0 {
		return 0, nil, fmt.Errorf("%w: all-padding inner plaintext", ErrMalformedRecord)
	}
	return plain[i], plain[:i], nil
}

// dtls13RecordNumber decrypts the sequence number carried in a DTLS 1.3
// unified header, reconstructs the full 48-bit sequence from the
// truncated wire value, and returns the header with the plaintext
// sequence number, which is the AEAD additional data (RFC 9147 4, 4.2.3).
func (d *RecordDecoder) dtls13RecordNumber(in *RecordInput) (uint64, []byte, error) {
	hdr := in.Header
	if len(hdr) < 2 || hdr[0]&0xe0 != 0x20 {
		return 0, nil, fmt.Errorf("%w: bad DTLS 1.3 unified header", ErrMalformedRecord)
	}
	flags := hdr[0]

	snOff := 1
	if flags&0x10 != 0 { // CID present
		cidLen := len(in.CID)
		if cidLen == 0 {
			cidLen = len(d.cfg.CID)
		}
		snOff += cidLen
	}
	snLen := 1
	if flags&0x08 != 0 {
		snLen = 2
	}
	if len(hdr) < snOff+snLen {
		return 0, nil, fmt.Errorf("%w: truncated DTLS 1.3 header", ErrMalformedRecord)
	}

	mask, err := d.seqNumMask(in.Ciphertext)
	if err != nil {
		return 0, nil, err
	}

	aad := append([]byte(nil), hdr...)
	var trunc uint64
	for i := 0; i < snLen; i++ {
		aad[snOff+i] ^= mask[i]
		trunc = trunc<<8 | uint64(aad[snOff+i])
	}

	return reconstructSeq(trunc, snLen*8, d.seq), aad, nil
}

// seqNumMask computes the sequence-number mask from the first 16 bytes
// of ciphertext: one AES-ECB block for AES suites, a ChaCha20 block
// keyed by the sn key with counter/nonce split from the ciphertext.
func (d *RecordDecoder) seqNumMask(ct []byte) ([]byte, error) {
	if len(ct) < 16 {
		return nil, fmt.Errorf("%w: ciphertext too short for sn mask", ErrMalformedRecord)
	}

	if d.snBlock != nil {
		mask := make([]byte, d.snBlock.BlockSize())
		d.snBlock.Encrypt(mask, ct[:d.snBlock.BlockSize()])
		return mask, nil
	}

	if d.desc.Cipher == suite.CipherChaCha20 {
		c, err := chacha20.NewUnauthenticatedCipher(d.cfg.SeqKey, ct[4:16])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoProvider, err)
		}
		c.SetCounter(binary.LittleEndian.Uint32(ct[:4]))
		mask := make([]byte, 2)
		c.XORKeyStream(mask, mask)
		return mask, nil
	}

	return nil, fmt.Errorf("%w: no sequence-number key", ErrMissingKeyMaterial)
}

// reconstructSeq widens a truncated sequence number to the candidate
// closest to the next expected value.
func reconstructSeq(trunc uint64, bits int, expected uint64) uint64 {
	win := uint64(1) << bits
	mask := win - 1
	cand := (expected &^ mask) | trunc
	if cand+win/2 < expected {
		cand += win
	} else if cand >= expected+win/2 && cand >= win {
		cand -= win
	}
	return cand & 0xffffffffffff
}

// verifyMAC checks a pre-1.3 record MAC, honoring the warn-and-continue
// policy for imperfect captures.
func (d *RecordDecoder) verifyMAC(seq uint64, contentType uint8, version uint16, content, wireMAC []byte) error {
	want, err := d.computeMAC(seq, contentType, version, content)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, wireMAC) == 1 {
		return nil
	}
	d.macFails++
	if d.cfg.IgnoreMACFailures {
		logger.Warn("record MAC mismatch tolerated by policy",
			"direction", d.cfg.Direction.String(),
			"seq", seq)
		return nil
	}
	return ErrAuthFailure
}

// computeMAC builds the version-appropriate record MAC: SSLv3's padded
// nested hash, or the standard HMAC over seq+type+version+length.
func (d *RecordDecoder) computeMAC(seq uint64, contentType uint8, version uint16, content []byte) ([]byte, error) {
	newHash, err := keysched.HashFunc(d.desc.Digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoProvider, err)
	}

	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)

	if wire.StreamVersion(d.cfg.Version) == wire.VersionSSL30 {
		padLen := 48
		if d.desc.Digest == suite.DigestSHA1 {
			padLen = 40
		}
		pad1 := bytes.Repeat([]byte{0x36}, padLen)
		pad2 := bytes.Repeat([]byte{0x5c}, padLen)

		inner := newHash()
		inner.Write(d.cfg.MACKey)
		inner.Write(pad1)
		inner.Write(seqBytes[:])
		inner.Write([]byte{contentType})
		var lenBytes [2]byte
		binary.BigEndian.PutUint16(lenBytes[:], uint16(len(content)))
		inner.Write(lenBytes[:])
		inner.Write(content)

		outer := newHash()
		outer.Write(d.cfg.MACKey)
		outer.Write(pad2)
		outer.Write(inner.Sum(nil))
		return outer.Sum(nil), nil
	}

	mac := hmac.New(newHash, d.cfg.MACKey)
	mac.Write(seqBytes[:])
	mac.Write([]byte{contentType})
	var vl [4]byte
	binary.BigEndian.PutUint16(vl[:2], version)
	binary.BigEndian.PutUint16(vl[2:], uint16(len(content)))
	mac.Write(vl[:])
	mac.Write(content)
	return mac.Sum(nil), nil
}

// xorNonce forms the RFC 7905 / TLS 1.3 per-record nonce: the write IV
// with the big-endian sequence number XORed into its tail.
func xorNonce(writeIV []byte, seq uint64) []byte {
	nonce := make([]byte, len(writeIV))
	copy(nonce, writeIV)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-8+i] ^= s[i]
	}
	return nonce
}

// Stats returns decoder counters.
func (d *RecordDecoder) Stats() DecoderStats {
	return DecoderStats{Records: d.records, MACFailures: d.macFails}
}

// DecoderStats contains decoder counters.
type DecoderStats struct {
	Records     uint64
	MACFailures uint64
}

// inflater decompresses the direction's DEFLATE stream (RFC 3749).
// Records are sync-flushed, so each one is byte-aligned and can be
// inflated independently as long as the sliding window is carried over.
type inflater struct {
	hist    []byte
	started bool
}

func (z *inflater) decompress(comp []byte) ([]byte, error) {
	if !z.started {
		// RFC 3749 wraps the stream in zlib framing; skip the two
		// header bytes, the adler trailer never arrives.
		if len(comp) < 2 || comp[0]&0x0f != 8 || comp[1]&0x20 != 0 {
			return nil, fmt.Errorf("%w: bad zlib header", ErrMalformedRecord)
		}
		comp = comp[2:]
		z.started = true
	}

	// Terminate the fragment with an empty final stored block so the
	// reader sees a clean end of stream.
	src := make([]byte, 0, len(comp)+5)
	src = append(src, comp...)
	src = append(src, 0x01, 0x00, 0x00, 0xff, 0xff)

	var r io.ReadCloser
	if len(z.hist) > 0 {
		r = flate.NewReaderDict(bytes.NewReader(src), z.hist)
	} else {
		r = flate.NewReader(bytes.NewReader(src))
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", ErrMalformedRecord, err)
	}

	z.hist = append(z.hist, out...)
	if len(z.hist) > 32*1024 {
		z.hist = z.hist[len(z.hist)-32*1024:]
	}
	return out, nil
}
