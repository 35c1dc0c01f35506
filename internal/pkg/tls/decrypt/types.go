// Package decrypt reconstructs TLS/DTLS session keys from observed
// handshake fields plus out-of-band secrets, and decrypts record
// ciphertext. It never participates in a handshake: everything here is
// driven by capture bytes, which are untrusted and may be truncated or
// corrupt, so every failure is scoped to one session or direction.
package decrypt

import (
	"errors"
)

// Decryption errors. All are session-local: they disable decryption for
// the affected session or direction and are reported to the caller,
// never escalated to a process failure.
var (
	// ErrUnknownCipherSuite indicates the negotiated suite is not in
	// the registry.
	ErrUnknownCipherSuite = errors.New("decrypt: unknown cipher suite")

	// ErrUnsupportedVersion indicates the negotiated protocol version
	// has no key schedule or record format here.
	ErrUnsupportedVersion = errors.New("decrypt: unsupported protocol version")

	// ErrMissingKeyMaterial indicates no cached or derivable secret
	// exists for the session.
	ErrMissingKeyMaterial = errors.New("decrypt: missing key material")

	// ErrMalformedRecord indicates a length/padding/IV inconsistency in
	// the record bytes.
	ErrMalformedRecord = errors.New("decrypt: malformed record")

	// ErrAuthFailure indicates MAC or AEAD tag verification failed.
	ErrAuthFailure = errors.New("decrypt: authentication failure")

	// ErrCryptoProvider indicates the crypto provider rejected an
	// algorithm or key; derivation cannot proceed for the session.
	ErrCryptoProvider = errors.New("decrypt: crypto provider error")
)

// Direction identifies one flow of a connection.
type Direction int

const (
	// DirClientToServer is traffic written by the client.
	DirClientToServer Direction = iota
	// DirServerToClient is traffic written by the server.
	DirServerToClient
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirClientToServer {
		return "client"
	}
	return "server"
}

// Flag bits tracking how much of a session's negotiated state and key
// material has been observed or derived.
type Flags uint32

const (
	FlagCipher Flags = 1 << iota
	FlagVersion
	FlagClientRandom
	FlagServerRandom
	FlagPreMasterSecret
	FlagMasterSecret
	FlagClientExtendedMasterSecret
	FlagServerExtendedMasterSecret
	FlagNewSessionTicket
	FlagHaveSessionKey
	FlagEncryptThenMAC
)

// Has reports whether all bits of q are set.
func (f Flags) Has(q Flags) bool {
	return f&q == q
}

// CIDEncoding selects the DTLS 1.2 Connection ID AAD layout. Early
// deployments shipped a draft encoding that RFC 9146 later replaced;
// captures of both exist in the wild.
type CIDEncoding int

const (
	// CIDEncodingRFC9146 is the final encoding with the 0xff
	// sequence-number placeholder.
	CIDEncodingRFC9146 CIDEncoding = iota
	// CIDEncodingDeprecated is the pre-RFC draft encoding.
	CIDEncodingDeprecated
)
