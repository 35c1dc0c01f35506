package keylog

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"io"
	"regexp"
	"strings"

	"github.com/endorses/tlstap/internal/pkg/logger"
)

// lineRE recognizes every NSS key log record shape in one pass. The
// legacy RSA forms deviate from the common <TAG> <key> <value> layout:
// "RSA <8-byte-prefix><pms>" runs prefix and value together, and
// "RSA Session-ID:<hex> Master-Key:<hex>" keys by session id.
var lineRE = regexp.MustCompile(`^(?:` +
	`RSA Session-ID:(?P<sid>[0-9a-fA-F]+) Master-Key:(?P<sid_ms>[0-9a-fA-F]+)` +
	`|RSA (?P<epms>[0-9a-fA-F]{16})(?P<epms_pms>[0-9a-fA-F]+)` +
	`|PMS_CLIENT_RANDOM (?P<cr_pms_key>[0-9a-fA-F]{64}) (?P<cr_pms>[0-9a-fA-F]+)` +
	`|CLIENT_RANDOM (?P<cr>[0-9a-fA-F]{64}) (?P<cr_ms>[0-9a-fA-F]{96})` +
	`|(?P<tag13>CLIENT_EARLY_TRAFFIC_SECRET|CLIENT_HANDSHAKE_TRAFFIC_SECRET|SERVER_HANDSHAKE_TRAFFIC_SECRET|CLIENT_TRAFFIC_SECRET_0|SERVER_TRAFFIC_SECRET_0|EARLY_EXPORTER_SECRET|EXPORTER_SECRET) (?P<cr13>[0-9a-fA-F]{64}) (?P<sec13>[0-9a-fA-F]+)` +
	`)\s*$`)

var tls13Maps = map[string]MapID{
	"CLIENT_EARLY_TRAFFIC_SECRET":     MapTLS13Early,
	"CLIENT_HANDSHAKE_TRAFFIC_SECRET": MapTLS13ClientHandshake,
	"SERVER_HANDSHAKE_TRAFFIC_SECRET": MapTLS13ServerHandshake,
	"CLIENT_TRAFFIC_SECRET_0":         MapTLS13ClientApp,
	"SERVER_TRAFFIC_SECRET_0":         MapTLS13ServerApp,
	"EARLY_EXPORTER_SECRET":           MapTLS13EarlyExporter,
	"EXPORTER_SECRET":                 MapTLS13Exporter,
}

// Ingester parses NSS key log text and feeds a Store. Malformed lines
// are skipped, never fatal: a half-written or foreign line must not
// abort ingestion of the rest of the file.
type Ingester struct {
	store *Store

	linesRead    uint64
	entriesAdded uint64
	linesSkipped uint64
}

// NewIngester creates an ingester feeding the given store.
func NewIngester(store *Store) *Ingester {
	return &Ingester{store: store}
}

// Process parses key log bytes, saving each recognized record into the
// store. Comment lines (#) and blank lines are ignored; unrecognized
// lines are counted and skipped.
func (in *Ingester) Process(data []byte) {
	in.ProcessReader(bytes.NewReader(data))
}

// ProcessReader parses key log lines from r. CRLF terminators are
// handled by the scanner.
func (in *Ingester) ProcessReader(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		in.linesRead++
		in.ProcessLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("key log read error", "error", err)
	}
}

// ProcessLine parses a single key log line. Returns true if a secret
// was stored.
func (in *Ingester) ProcessLine(line string) bool {
	line = strings.TrimRight(line, "\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return false
	}

	m := lineRE.FindStringSubmatch(line)
	if m == nil {
		in.linesSkipped++
		logger.Debug("skipping unrecognized key log line")
		return false
	}

	group := func(name string) []byte {
		v := m[lineRE.SubexpIndex(name)]
		if v == "" {
			return nil
		}
		b, err := hex.DecodeString(v)
		if err != nil {
			return nil
		}
		return b
	}

	var mapID MapID
	var key, secret []byte
	switch {
	case m[lineRE.SubexpIndex("sid")] != "":
		mapID, key, secret = MapSessionID, group("sid"), group("sid_ms")
	case m[lineRE.SubexpIndex("epms")] != "":
		mapID, key, secret = MapEncryptedPMS, group("epms"), group("epms_pms")
	case m[lineRE.SubexpIndex("cr_pms_key")] != "":
		mapID, key, secret = MapCRPreMaster, group("cr_pms_key"), group("cr_pms")
	case m[lineRE.SubexpIndex("cr")] != "":
		mapID, key, secret = MapClientRandom, group("cr"), group("cr_ms")
	default:
		tag := m[lineRE.SubexpIndex("tag13")]
		mapID, key, secret = tls13Maps[tag], group("cr13"), group("sec13")
	}

	if len(key) == 0 || len(secret) == 0 {
		in.linesSkipped++
		return false
	}

	in.store.Save(mapID, key, secret)
	in.entriesAdded++
	logger.Debug("added key log secret",
		"map", mapID.String(),
		"secret_len", len(secret))
	return true
}

// Stats returns ingester counters.
func (in *Ingester) Stats() IngesterStats {
	return IngesterStats{
		LinesRead:    in.linesRead,
		EntriesAdded: in.entriesAdded,
		LinesSkipped: in.linesSkipped,
	}
}

// IngesterStats contains ingester counters.
type IngesterStats struct {
	LinesRead    uint64
	EntriesAdded uint64
	LinesSkipped uint64
}
