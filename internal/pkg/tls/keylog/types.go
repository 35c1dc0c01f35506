// Package keylog provides ingestion and storage for out-of-band TLS
// secrets in the NSS key log format (SSLKEYLOGFILE).
//
// The format is written by NSS, BoringSSL, and OpenSSL and consumed
// here for passive decryption. Each line is
//
//	<label> <hex key> <hex secret>
//
// with two legacy RSA shapes (see Ingester). Secrets are stored in a
// set of maps keyed by client random, session id, session ticket, or
// encrypted pre-master-secret prefix; the decryption engine consults
// these maps before attempting any derivation of its own.
package keylog

// MapID selects one of the secret maps in a Store.
type MapID int

const (
	// MapSessionID maps session id -> master secret.
	MapSessionID MapID = iota
	// MapTicket maps session ticket -> master secret.
	MapTicket
	// MapClientRandom maps client random -> master secret.
	MapClientRandom
	// MapCRPreMaster maps client random -> pre-master secret.
	MapCRPreMaster
	// MapEncryptedPMS maps the first 8 bytes of the RSA-encrypted
	// pre-master secret -> pre-master secret.
	MapEncryptedPMS

	// TLS 1.3 per-phase maps, all keyed by client random.

	// MapTLS13Early maps client random -> client early traffic secret.
	MapTLS13Early
	// MapTLS13ClientHandshake maps client random -> client handshake traffic secret.
	MapTLS13ClientHandshake
	// MapTLS13ServerHandshake maps client random -> server handshake traffic secret.
	MapTLS13ServerHandshake
	// MapTLS13ClientApp maps client random -> client application traffic secret.
	MapTLS13ClientApp
	// MapTLS13ServerApp maps client random -> server application traffic secret.
	MapTLS13ServerApp
	// MapTLS13EarlyExporter maps client random -> early exporter secret.
	MapTLS13EarlyExporter
	// MapTLS13Exporter maps client random -> exporter secret.
	MapTLS13Exporter

	mapCount
)

// String returns the map name for logging.
func (m MapID) String() string {
	switch m {
	case MapSessionID:
		return "session-id"
	case MapTicket:
		return "session-ticket"
	case MapClientRandom:
		return "client-random"
	case MapCRPreMaster:
		return "client-random-pms"
	case MapEncryptedPMS:
		return "encrypted-pms"
	case MapTLS13Early:
		return "tls13-early"
	case MapTLS13ClientHandshake:
		return "tls13-client-handshake"
	case MapTLS13ServerHandshake:
		return "tls13-server-handshake"
	case MapTLS13ClientApp:
		return "tls13-client-app"
	case MapTLS13ServerApp:
		return "tls13-server-app"
	case MapTLS13EarlyExporter:
		return "tls13-early-exporter"
	case MapTLS13Exporter:
		return "tls13-exporter"
	default:
		return "unknown"
	}
}

// IsTLS13 reports whether the map holds TLS 1.3 traffic secrets.
func (m MapID) IsTLS13() bool {
	return m >= MapTLS13Early && m <= MapTLS13Exporter
}
