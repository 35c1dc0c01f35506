package decrypt

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/endorses/tlstap/internal/pkg/logger"
	"github.com/endorses/tlstap/internal/pkg/tls/keylog"
	"github.com/endorses/tlstap/internal/pkg/tls/keysched"
	"github.com/endorses/tlstap/internal/pkg/tls/suite"
	"github.com/endorses/tlstap/internal/pkg/tls/wire"
)

// Config configures a decryption engine.
type Config struct {
	// Store caches secrets across sessions; required.
	Store *keylog.Store

	// IgnoreMACFailures continues stream/CBC decryption past a failed
	// record MAC with a warning. Captures reassembled from partial
	// packet data trip MACs constantly.
	IgnoreMACFailures bool

	// AllowNullKeyless lets NULL-cipher sessions proceed without any
	// key material, skipping MAC validation. Off by default: it masks
	// what is otherwise a missing-key condition.
	AllowNullKeyless bool

	// PSK is a pre-provisioned pre-shared key for plain-PSK suites.
	PSK []byte

	// CIDEncoding selects the DTLS 1.2 Connection ID AAD layout.
	CIDEncoding CIDEncoding

	// PrivateKeyDecrypt is the external RSA collaborator: given a
	// 20-byte key identifier and the encrypted pre-master secret, it
	// returns the plaintext pre-master secret.
	PrivateKeyDecrypt func(keyID, ciphertext []byte) ([]byte, error)
}

// MaxPSKLen bounds a provisioned pre-shared key.
const MaxPSKLen = 1<<15 - 1

// ParsePSK decodes a textual pre-shared key: an even-length hex string
// of at most MaxPSKLen bytes.
func ParsePSK(s string) ([]byte, error) {
	if len(s)%2 != 0 || len(s)/2 > MaxPSKLen {
		return nil, fmt.Errorf("invalid PSK length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid PSK hex: %w", err)
	}
	return b, nil
}

// Engine owns the sessions of one capture and the secret store feeding
// them. Sessions are keyed by an opaque flow key chosen by the caller
// (five-tuple, or DTLS Connection ID).
type Engine struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	byRandom map[string]*Session

	sessionsCreated uint64
	secretsMatched  uint64
}

// NewEngine creates an engine over the given store. When the store
// fires secret-added callbacks (live keylog tailing), the engine
// retries key derivation for the matching session.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		byRandom: make(map[string]*Session),
	}
	return e
}

// OnSecretAdded is the keylog.Store callback hook: a secret keyed by
// client random arrived, so the session observing that random can try
// to derive keys again.
func (e *Engine) OnSecretAdded(m keylog.MapID, clientRandom []byte) {
	e.mu.Lock()
	s := e.byRandom[string(clientRandom)]
	e.mu.Unlock()
	if s == nil {
		return
	}

	if m.IsTLS13() {
		if err := s.LoadTLS13Secret(m); err != nil {
			logger.Debug("late secret did not yield keys",
				"map", m.String(),
				"error", err)
		}
		return
	}
	if err := s.FinalizeDecryption(); err != nil {
		logger.Debug("late secret did not finalize session", "error", err)
	}
}

// Session returns the session for a flow key, creating it on first use.
func (e *Engine) Session(flowKey string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[flowKey]; ok {
		return s
	}
	s := &Session{engine: e, flowKey: flowKey}
	e.sessions[flowKey] = s
	e.sessionsCreated++
	return s
}

// Remove drops a completed session.
func (e *Engine) Remove(flowKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[flowKey]; ok {
		delete(e.byRandom, string(s.ClientRandom))
		delete(e.sessions, flowKey)
	}
}

// Stats returns engine counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStats{
		ActiveSessions:  len(e.sessions),
		SessionsCreated: e.sessionsCreated,
		SecretsMatched:  e.secretsMatched,
	}
}

// EngineStats contains engine counters.
type EngineStats struct {
	ActiveSessions  int
	SessionsCreated uint64
	SecretsMatched  uint64
}

func (e *Engine) noteMatch() {
	e.mu.Lock()
	e.secretsMatched++
	e.mu.Unlock()
}

func (e *Engine) indexRandom(random []byte, s *Session) {
	e.mu.Lock()
	e.byRandom[string(random)] = s
	e.mu.Unlock()
}

// directionPhase is the per-direction decoder lifecycle.
type directionPhase int

const (
	phaseNoKey directionPhase = iota
	phasePending
	phaseActive
)

// directionState holds one direction's decoders: the pending decoder
// built at key-derivation time, the active one promoted by
// ChangeCipherSpec, and the previous-epoch decoder kept alive for
// records buffered before a key change.
type directionState struct {
	phase   directionPhase
	pending *RecordDecoder
	active  *RecordDecoder
	prev    *RecordDecoder
}

// Session is the per-connection negotiated-parameter record and
// decoder owner. A session is driven by one goroutine: handshake
// events and records of a conversation arrive in capture order.
type Session struct {
	engine  *Engine
	flowKey string

	Version uint16
	// Draft tags a TLS 1.3 draft negotiation (supported_versions
	// 0x7f00|draft); 0 means final RFC semantics.
	Draft       int
	Suite       *suite.Descriptor
	Compression uint8

	ClientRandom []byte
	ServerRandom []byte
	SessionID    []byte
	Ticket       []byte

	PreMaster []byte
	Master    []byte

	// Transcript accumulates raw handshake bytes for the extended
	// master secret hash (pre-1.3 only).
	Transcript []byte

	Flags Flags

	encryptedPMS []byte
	certKeyID    []byte

	client directionState
	server directionState

	clientAppSecret []byte
	serverAppSecret []byte
	epoch           uint16

	clientCID []byte
	serverCID []byte

	disabled bool
}

// Disabled reports whether decryption has been abandoned for this
// session.
func (s *Session) Disabled() bool { return s.disabled }

// SetClientRandom records the 32-byte ClientHello random.
func (s *Session) SetClientRandom(r []byte) {
	s.ClientRandom = append([]byte(nil), r...)
	s.Flags |= FlagClientRandom
	s.engine.indexRandom(s.ClientRandom, s)
}

// SetServerRandom records the 32-byte ServerHello random.
func (s *Session) SetServerRandom(r []byte) {
	s.ServerRandom = append([]byte(nil), r...)
	s.Flags |= FlagServerRandom
}

// SetVersion records the negotiated protocol version. The first
// observation wins: supported_versions data arrives before the record
// layer settles, and the nominal 0x0303 on a TLS 1.3 wire must not
// override it. Draft negotiations (0x7fNN) set the draft tag.
func (s *Session) SetVersion(v uint16) {
	if s.Flags.Has(FlagVersion) {
		return
	}
	if v&0xff00 == 0x7f00 {
		s.Draft = int(v & 0xff)
		v = wire.VersionTLS13
	}
	s.Version = v
	s.Flags |= FlagVersion
}

// SetCipherSuite validates and records the chosen cipher suite.
// Failure disables decryption for this session only.
func (s *Session) SetCipherSuite(id uint16) error {
	desc := suite.Lookup(id)
	if desc == nil {
		s.Flags &^= FlagCipher
		s.disabled = true
		return fmt.Errorf("%w: 0x%04x", ErrUnknownCipherSuite, id)
	}
	if wire.StreamVersion(s.Version) == wire.VersionSSL30 && !desc.UsableWithSSLv3() {
		// SSLv3's MAC tables only cover MD5 and SHA-1.
		s.Flags &^= FlagCipher
		s.disabled = true
		return fmt.Errorf("%w: %s on SSLv3", ErrUnsupportedVersion, desc.Name)
	}
	s.Suite = desc
	s.Flags |= FlagCipher
	return nil
}

// SetCompression records the chosen compression method.
func (s *Session) SetCompression(m uint8) { s.Compression = m }

// SetSessionID records the session id from a hello.
func (s *Session) SetSessionID(id []byte) {
	s.SessionID = append([]byte(nil), id...)
}

// SetSessionTicket records a NewSessionTicket value for resumption
// lookups.
func (s *Session) SetSessionTicket(t []byte) {
	s.Ticket = append([]byte(nil), t...)
	s.Flags |= FlagNewSessionTicket
}

// SetPreMasterSecret installs an externally recovered pre-master
// secret.
func (s *Session) SetPreMasterSecret(pms []byte) {
	s.PreMaster = append([]byte(nil), pms...)
	s.Flags |= FlagPreMasterSecret
}

// SetMasterSecret installs a known master secret.
func (s *Session) SetMasterSecret(ms []byte) {
	s.Master = append([]byte(nil), ms...)
	s.Flags |= FlagMasterSecret
}

// SetEncryptedPreMaster records the RSA-encrypted pre-master secret
// from a ClientKeyExchange, and the certificate key id when known, for
// the keylog RSA map and the external private-key collaborator.
func (s *Session) SetEncryptedPreMaster(ct, certKeyID []byte) {
	s.encryptedPMS = append([]byte(nil), ct...)
	s.certKeyID = append([]byte(nil), certKeyID...)
}

// SetExtendedMasterSecret marks one side's extended_master_secret
// extension; the transcript-hash derivation applies only when both
// sides negotiated it.
func (s *Session) SetExtendedMasterSecret(dir Direction) {
	if dir == DirClientToServer {
		s.Flags |= FlagClientExtendedMasterSecret
	} else {
		s.Flags |= FlagServerExtendedMasterSecret
	}
}

// SetEncryptThenMAC marks the encrypt_then_mac extension as negotiated.
func (s *Session) SetEncryptThenMAC() { s.Flags |= FlagEncryptThenMAC }

// SetConnectionID records a direction's DTLS Connection ID.
func (s *Session) SetConnectionID(dir Direction, cid []byte) {
	if dir == DirClientToServer {
		s.clientCID = append([]byte(nil), cid...)
	} else {
		s.serverCID = append([]byte(nil), cid...)
	}
}

// AppendTranscript adds raw handshake bytes to the extended master
// secret transcript. No-op once keys exist or on TLS 1.3.
func (s *Session) AppendTranscript(b []byte) {
	if s.Flags.Has(FlagHaveSessionKey) || wire.IsTLS13(s.Version) {
		return
	}
	s.Transcript = append(s.Transcript, b...)
}

func (s *Session) dir(d Direction) *directionState {
	if d == DirClientToServer {
		return &s.client
	}
	return &s.server
}

// ChangeCipherSpec promotes the pending decoder for one direction,
// deriving keys first if they have not been derived yet.
func (s *Session) ChangeCipherSpec(dir Direction) error {
	if !s.Flags.Has(FlagHaveSessionKey) {
		if err := s.FinalizeDecryption(); err != nil {
			return err
		}
	}
	ds := s.dir(dir)
	if ds.pending == nil {
		return ErrMissingKeyMaterial
	}
	if ds.active != nil {
		ds.prev = ds.active
	}
	ds.active = ds.pending
	ds.pending = nil
	ds.phase = phaseActive
	logger.Debug("record protection active",
		"direction", dir.String(),
		"suite", s.Suite.Name)
	return nil
}

// FinalizeDecryption derives the pre-1.3 key block and builds both
// pending decoders. Idempotent: once keys exist it returns immediately.
// Requires the cipher suite and version, plus a master secret resolved
// from session state or the secret store in priority order: session
// id, then session ticket, then client random.
func (s *Session) FinalizeDecryption() error {
	if s.Flags.Has(FlagHaveSessionKey) {
		return nil
	}
	if s.disabled {
		return ErrMissingKeyMaterial
	}
	if !s.Flags.Has(FlagCipher | FlagVersion) {
		return fmt.Errorf("%w: negotiation incomplete", ErrMissingKeyMaterial)
	}
	if wire.IsTLS13(s.Version) {
		// TLS 1.3 keys arrive per traffic secret, not via a master
		// secret; nothing to do here.
		return nil
	}

	ms, err := s.resolveMasterSecret()
	if err != nil {
		if s.Suite.Cipher == suite.CipherNULL && s.engine.cfg.AllowNullKeyless {
			logger.Warn("proceeding keyless on NULL cipher by policy",
				"flow", s.flowKey)
			return s.buildKeylessDecoders()
		}
		s.disabled = true
		return err
	}
	s.Master = ms
	s.Flags |= FlagMasterSecret

	// Cache for resumption by session id and ticket.
	s.engine.cfg.Store.Save(keylog.MapSessionID, s.SessionID, ms)
	s.engine.cfg.Store.Save(keylog.MapTicket, s.Ticket, ms)

	return s.buildPre13Decoders(ms)
}

// resolveMasterSecret produces the 48-byte master secret from whatever
// material the session and store hold.
func (s *Session) resolveMasterSecret() ([]byte, error) {
	if s.Flags.Has(FlagMasterSecret) && len(s.Master) == keysched.MasterSecretLen {
		return s.Master, nil
	}

	store := s.engine.cfg.Store
	if ms, ok := store.Restore(keylog.MapSessionID, s.SessionID); ok {
		s.engine.noteMatch()
		return ms, nil
	}
	if s.Flags.Has(FlagNewSessionTicket) {
		if ms, ok := store.Restore(keylog.MapTicket, s.Ticket); ok {
			s.engine.noteMatch()
			return ms, nil
		}
	}
	if ms, ok := store.Restore(keylog.MapClientRandom, s.ClientRandom); ok {
		s.engine.noteMatch()
		return ms, nil
	}

	pms, err := s.resolvePreMasterSecret()
	if err != nil {
		return nil, err
	}
	return s.deriveMasterSecret(pms)
}

func (s *Session) resolvePreMasterSecret() ([]byte, error) {
	if s.Flags.Has(FlagPreMasterSecret) {
		return s.PreMaster, nil
	}

	store := s.engine.cfg.Store
	if pms, ok := store.Restore(keylog.MapCRPreMaster, s.ClientRandom); ok {
		s.engine.noteMatch()
		return pms, nil
	}

	if len(s.encryptedPMS) >= 8 {
		if pms, ok := store.Restore(keylog.MapEncryptedPMS, s.encryptedPMS[:8]); ok {
			s.engine.noteMatch()
			return pms, nil
		}
		if fn := s.engine.cfg.PrivateKeyDecrypt; fn != nil {
			pms, err := fn(s.certKeyID, s.encryptedPMS)
			if err == nil && len(pms) == keysched.MasterSecretLen {
				return pms, nil
			}
		}
	}

	if psk := s.engine.cfg.PSK; len(psk) > 0 && s.Suite.Kex == suite.KexPSK {
		return pskPreMaster(psk), nil
	}

	return nil, ErrMissingKeyMaterial
}

// pskPreMaster builds the RFC 4279 plain-PSK pre-master secret:
// uint16 length of a zero-filled other_secret, the zeros, then the PSK
// with its own length.
func pskPreMaster(psk []byte) []byte {
	pms := make([]byte, 0, 4+2*len(psk))
	pms = binary.BigEndian.AppendUint16(pms, uint16(len(psk)))
	pms = append(pms, make([]byte, len(psk))...)
	pms = binary.BigEndian.AppendUint16(pms, uint16(len(psk)))
	return append(pms, psk...)
}

// deriveMasterSecret stretches a pre-master secret into the master
// secret, using the transcript hash when both sides negotiated the
// extended master secret (RFC 7627).
func (s *Session) deriveMasterSecret(pms []byte) ([]byte, error) {
	ems := s.Flags.Has(FlagClientExtendedMasterSecret | FlagServerExtendedMasterSecret)
	if ems {
		sessionHash, err := keysched.TranscriptHash(s.Version, s.Suite.PRFDigest(), s.Transcript)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoProvider, err)
		}
		ms, err := keysched.PRF(s.Version, s.Suite.PRFDigest(), pms,
			keysched.LabelExtendedMasterSecret, sessionHash, nil, keysched.MasterSecretLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoProvider, err)
		}
		return ms, nil
	}

	ms, err := keysched.PRF(s.Version, s.Suite.PRFDigest(), pms,
		keysched.LabelMasterSecret, s.ClientRandom, s.ServerRandom, keysched.MasterSecretLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoProvider, err)
	}
	return ms, nil
}

// buildPre13Decoders expands the key block and constructs both pending
// decoders. The block is sliced MAC keys first, then write keys, then
// write IVs, client before server throughout.
func (s *Session) buildPre13Decoders(ms []byte) error {
	desc := s.Suite
	macLen := desc.MACLen()
	keyLen := desc.KeyLen()
	ivLen := desc.FixedIVLen(false)

	need := 2*macLen + 2*keyLen + 2*ivLen
	block, err := keysched.PRF(s.Version, desc.PRFDigest(), ms,
		keysched.LabelKeyExpansion, s.ServerRandom, s.ClientRandom, need)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoProvider, err)
	}

	off := 0
	next := func(n int) []byte {
		v := block[off : off+n]
		off += n
		return v
	}
	clientMAC, serverMAC := next(macLen), next(macLen)
	clientKey, serverKey := next(keyLen), next(keyLen)
	clientIV, serverIV := next(ivLen), next(ivLen)

	if desc.Export {
		clientKey, serverKey, clientIV, serverIV, err = s.expandExportKeys(clientKey, serverKey)
		if err != nil {
			return err
		}
	}

	build := func(dir Direction, key, macKey, iv, cid []byte) (*RecordDecoder, error) {
		return NewRecordDecoder(DecoderConfig{
			Version:           s.Version,
			Suite:             desc,
			Direction:         dir,
			Key:               key,
			MACKey:            macKey,
			IV:                iv,
			EncryptThenMAC:    s.Flags.Has(FlagEncryptThenMAC),
			IgnoreMACFailures: s.engine.cfg.IgnoreMACFailures,
			Compression:       s.Compression,
			Epoch:             s.epoch + 1,
			CID:               cid,
			CIDEncoding:       s.engine.cfg.CIDEncoding,
		})
	}

	s.client.pending, err = build(DirClientToServer, clientKey, clientMAC, clientIV, s.clientCID)
	if err != nil {
		s.disabled = true
		return err
	}
	s.server.pending, err = build(DirServerToClient, serverKey, serverMAC, serverIV, s.serverCID)
	if err != nil {
		s.disabled = true
		return err
	}
	s.client.phase, s.server.phase = phasePending, phasePending
	s.Flags |= FlagHaveSessionKey

	logger.Info("session keys derived",
		"flow", s.flowKey,
		"version", wire.VersionName(s.Version),
		"suite", desc.Name)
	return nil
}

// expandExportKeys re-derives the shortened export-grade keys and IVs:
// MD5 constructions on SSLv3 (RFC 6101 6.2.2), PRF labels on TLS 1.0
// (RFC 2246 6.3).
func (s *Session) expandExportKeys(clientKey, serverKey []byte) (ck, sk, civ, siv []byte, err error) {
	desc := s.Suite
	finalLen := desc.ExpandedKeyLen()
	ivLen := desc.BlockLen()

	if wire.StreamVersion(s.Version) == wire.VersionSSL30 {
		ck = md5Concat(clientKey, s.ClientRandom, s.ServerRandom)[:finalLen]
		sk = md5Concat(serverKey, s.ServerRandom, s.ClientRandom)[:finalLen]
		if ivLen > 0 {
			civ = md5Concat(s.ClientRandom, s.ServerRandom)[:ivLen]
			siv = md5Concat(s.ServerRandom, s.ClientRandom)[:ivLen]
		}
		return ck, sk, civ, siv, nil
	}

	digest := desc.PRFDigest()
	ck, err = keysched.PRF(s.Version, digest, clientKey,
		keysched.LabelClientWriteKey, s.ClientRandom, s.ServerRandom, finalLen)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: %v", ErrCryptoProvider, err)
	}
	sk, err = keysched.PRF(s.Version, digest, serverKey,
		keysched.LabelServerWriteKey, s.ClientRandom, s.ServerRandom, finalLen)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: %v", ErrCryptoProvider, err)
	}
	if ivLen > 0 {
		ivBlock, perr := keysched.PRF(s.Version, digest, nil,
			keysched.LabelIVBlock, s.ClientRandom, s.ServerRandom, 2*ivLen)
		if perr != nil {
			return nil, nil, nil, nil, fmt.Errorf("%w: %v", ErrCryptoProvider, perr)
		}
		civ, siv = ivBlock[:ivLen], ivBlock[ivLen:]
	}
	return ck, sk, civ, siv, nil
}

func md5Concat(parts ...[]byte) []byte {
	h := md5.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// buildKeylessDecoders sets up pass-through decoders for a NULL-cipher
// session with no key material; MAC bytes are stripped unverified.
func (s *Session) buildKeylessDecoders() error {
	build := func(dir Direction) (*RecordDecoder, error) {
		return NewRecordDecoder(DecoderConfig{
			Version:   s.Version,
			Suite:     s.Suite,
			Direction: dir,
			Keyless:   true,
		})
	}
	var err error
	if s.client.pending, err = build(DirClientToServer); err != nil {
		return err
	}
	if s.server.pending, err = build(DirServerToClient); err != nil {
		return err
	}
	s.client.phase, s.server.phase = phasePending, phasePending
	s.Flags |= FlagHaveSessionKey
	return nil
}

// tls13SecretDirection maps a keylog map to the direction it keys.
func tls13SecretDirection(m keylog.MapID) Direction {
	switch m {
	case keylog.MapTLS13ServerHandshake, keylog.MapTLS13ServerApp:
		return DirServerToClient
	default:
		return DirClientToServer
	}
}

// LoadTLS13Secret restores one TLS 1.3 traffic secret from the store
// (keyed by client random), expands it, and installs the direction's
// decoder. Successive loads for the same direction (handshake secret,
// then application secret, then KeyUpdate ratchets) replace the
// decoder; the previous one stays reachable for buffered records.
func (s *Session) LoadTLS13Secret(m keylog.MapID) error {
	if !m.IsTLS13() {
		return fmt.Errorf("%w: %s is not a TLS 1.3 secret", ErrMissingKeyMaterial, m.String())
	}
	if s.Suite == nil || !s.Flags.Has(FlagCipher) {
		return fmt.Errorf("%w: cipher suite not yet known", ErrMissingKeyMaterial)
	}
	if !wire.IsTLS13(s.Version) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedVersion, m.String(), wire.VersionName(s.Version))
	}

	secret, ok := s.engine.cfg.Store.Restore(m, s.ClientRandom)
	if !ok {
		return ErrMissingKeyMaterial
	}
	s.engine.noteMatch()

	switch m {
	case keylog.MapTLS13ClientApp:
		s.clientAppSecret = secret
	case keylog.MapTLS13ServerApp:
		s.serverAppSecret = secret
	}

	epoch := s.epoch
	if s.Version == wire.VersionDTLS13 {
		epoch = tls13Epoch(m)
		if epoch > s.epoch {
			s.epoch = epoch
		}
	}
	return s.installTLS13Decoder(tls13SecretDirection(m), secret, epoch)
}

// tls13Epoch maps a traffic secret to its DTLS 1.3 epoch (RFC 9147 6.1).
func tls13Epoch(m keylog.MapID) uint16 {
	switch m {
	case keylog.MapTLS13Early:
		return 1
	case keylog.MapTLS13ClientHandshake, keylog.MapTLS13ServerHandshake:
		return 2
	default:
		return 3
	}
}

func (s *Session) installTLS13Decoder(dir Direction, secret []byte, epoch uint16) error {
	tk, err := keysched.DeriveTrafficKeys(s.Version, s.Draft, s.Suite, secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoProvider, err)
	}

	cid := s.clientCID
	if dir == DirServerToClient {
		cid = s.serverCID
	}
	dec, err := NewRecordDecoder(DecoderConfig{
		Version:   s.Version,
		Suite:     s.Suite,
		Direction: dir,
		Key:       tk.Key,
		IV:        tk.IV,
		SeqKey:    tk.SeqKey,
		Epoch:     epoch,
		CID:       cid,
		Draft:     s.Draft,
	})
	if err != nil {
		return err
	}

	// Each secret starts a fresh record sequence; only the decoder is
	// replaced, so downstream stream reassembly is untouched by the
	// key transition.
	ds := s.dir(dir)
	if ds.active != nil {
		ds.prev = ds.active
	}
	ds.active = dec
	ds.phase = phaseActive
	s.Flags |= FlagHaveSessionKey

	logger.Debug("traffic keys installed",
		"flow", s.flowKey,
		"direction", dir.String(),
		"suite", s.Suite.Name)
	return nil
}

// KeyUpdate ratchets one direction's application traffic secret
// (RFC 8446 7.2) and rebuilds its decoder.
func (s *Session) KeyUpdate(dir Direction) error {
	if !wire.IsTLS13(s.Version) {
		return fmt.Errorf("%w: KeyUpdate before TLS 1.3", ErrUnsupportedVersion)
	}
	cur := s.clientAppSecret
	if dir == DirServerToClient {
		cur = s.serverAppSecret
	}
	if len(cur) == 0 {
		return fmt.Errorf("%w: no application traffic secret to ratchet", ErrMissingKeyMaterial)
	}

	next, err := keysched.UpdateTrafficSecret(s.Version, s.Draft, s.Suite.PRFDigest(), cur)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoProvider, err)
	}
	if dir == DirClientToServer {
		s.clientAppSecret = next
	} else {
		s.serverAppSecret = next
	}
	if s.Version == wire.VersionDTLS13 {
		s.epoch++
	}
	return s.installTLS13Decoder(dir, next, s.epoch)
}

// Reset clears key material for a renegotiation: a fresh key exchange
// is required before new records decrypt, but the active decoders stay
// usable for records already buffered under the old keys.
func (s *Session) Reset() {
	s.PreMaster, s.Master = nil, nil
	s.Transcript = nil
	s.Flags &^= FlagPreMasterSecret | FlagMasterSecret | FlagHaveSessionKey |
		FlagClientExtendedMasterSecret | FlagServerExtendedMasterSecret
	s.client.pending = nil
	s.server.pending = nil
	s.disabled = false
}

// DecryptRecord decrypts one record for a direction. DTLS records from
// an earlier epoch route to the previous decoder when one is retained.
func (s *Session) DecryptRecord(dir Direction, in *RecordInput) (*RecordOutput, error) {
	ds := s.dir(dir)
	dec := ds.active
	if dec == nil {
		return nil, ErrMissingKeyMaterial
	}
	if wire.IsDTLS(s.Version) && ds.prev != nil && in.Epoch < dec.Epoch() {
		dec = ds.prev
	}
	return dec.Decrypt(in)
}
