// Package wire holds the record-layer constants shared by the key
// schedule and the record decoders: protocol versions, content types,
// and record header geometry.
package wire

// TLS record content types
const (
	ContentTypeChangeCipherSpec uint8 = 20
	ContentTypeAlert            uint8 = 21
	ContentTypeHandshake        uint8 = 22
	ContentTypeApplicationData  uint8 = 23
	ContentTypeHeartbeat        uint8 = 24
	ContentTypeTLS12CID         uint8 = 25
)

// Protocol versions as they appear on the wire.
const (
	VersionSSL30 uint16 = 0x0300
	VersionTLS10 uint16 = 0x0301
	VersionTLS11 uint16 = 0x0302
	VersionTLS12 uint16 = 0x0303
	VersionTLS13 uint16 = 0x0304

	VersionDTLS10 uint16 = 0xfeff
	VersionDTLS12 uint16 = 0xfefd
	VersionDTLS13 uint16 = 0xfefc

	VersionTLCP uint16 = 0x0101
)

// Record header sizes.
const (
	RecordHeaderLen     = 5
	DTLSRecordHeaderLen = 13
)

// MaxRecordLen bounds a single record fragment (RFC 8449 allows the
// 16KB plaintext plus protection overhead).
const MaxRecordLen = 16384 + 2048

// IsDTLS reports whether v is a DTLS wire version.
func IsDTLS(v uint16) bool {
	switch v {
	case VersionDTLS10, VersionDTLS12, VersionDTLS13:
		return true
	default:
		return false
	}
}

// IsTLS13 reports whether v negotiates the TLS 1.3 key schedule.
func IsTLS13(v uint16) bool {
	return v == VersionTLS13 || v == VersionDTLS13
}

// StreamVersion maps a DTLS version to the TLS version sharing its key
// schedule and MAC construction.
func StreamVersion(v uint16) uint16 {
	switch v {
	case VersionDTLS10:
		return VersionTLS11
	case VersionDTLS12:
		return VersionTLS12
	case VersionDTLS13:
		return VersionTLS13
	default:
		return v
	}
}

// VersionName returns a human-readable protocol version name.
func VersionName(v uint16) string {
	switch v {
	case VersionSSL30:
		return "SSL 3.0"
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	case VersionDTLS10:
		return "DTLS 1.0"
	case VersionDTLS12:
		return "DTLS 1.2"
	case VersionDTLS13:
		return "DTLS 1.3"
	case VersionTLCP:
		return "TLCP"
	default:
		return "Unknown"
	}
}
