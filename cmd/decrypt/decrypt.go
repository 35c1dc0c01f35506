// Package decrypt implements the capture replay command: it feeds a
// pcap file and an NSS keylog through the decryption engine and emits
// the recovered application data.
package decrypt

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endorses/tlstap/internal/pkg/logger"
	"github.com/endorses/tlstap/internal/pkg/signals"
	tlsdecrypt "github.com/endorses/tlstap/internal/pkg/tls/decrypt"
	"github.com/endorses/tlstap/internal/pkg/tls/keylog"
	"github.com/endorses/tlstap/internal/pkg/tls/wire"
)

// DecryptCmd replays a capture through the decryption engine.
var DecryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt TLS/DTLS sessions from a packet capture",
	Long: `Replay a pcap/pcapng capture through the decryption engine.

Session keys come from an NSS keylog file (SSLKEYLOGFILE format), a
pre-shared key, or an RSA private key for static-RSA key exchanges.
Decrypted application data is printed as a hex dump, or written to
per-flow files with --output-dir.

Example:
  tlstap decrypt -r capture.pcap -k keys.log
  tlstap decrypt -r capture.pcap -k keys.log --follow-keylog
  tlstap decrypt -r capture.pcap --psk 1a2b3c4d
  tlstap decrypt -r capture.pcap --rsa-key server.pem -o ./decrypted`,
	RunE: runDecrypt,
}

var (
	readFile     string
	keylogFile   string
	followKeylog bool
	pskHex       string
	rsaKeyFile   string
	outputDir    string

	ignoreMACErrors  bool
	allowNullKeyless bool
	deprecatedCID    bool
)

func init() {
	DecryptCmd.Flags().StringVarP(&readFile, "read", "r", "", "pcap/pcapng file to replay (required)")
	DecryptCmd.Flags().StringVarP(&keylogFile, "keylog", "k", "", "NSS keylog file (SSLKEYLOGFILE format)")
	DecryptCmd.Flags().BoolVar(&followKeylog, "follow-keylog", false, "Keep tailing the keylog file while replaying")
	DecryptCmd.Flags().StringVar(&pskHex, "psk", "", "Pre-shared key as hex, for plain-PSK cipher suites")
	DecryptCmd.Flags().StringVar(&rsaKeyFile, "rsa-key", "", "PEM RSA private key for static-RSA key exchanges")
	DecryptCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Write decrypted application data to per-flow files")
	DecryptCmd.Flags().BoolVar(&ignoreMACErrors, "ignore-mac-errors", false, "Continue stream/CBC decryption past record MAC failures")
	DecryptCmd.Flags().BoolVar(&allowNullKeyless, "allow-null-keyless", false, "Decode NULL-cipher sessions without key material")
	DecryptCmd.Flags().BoolVar(&deprecatedCID, "deprecated-cid", false, "Use the deprecated draft DTLS Connection ID AAD layout")

	_ = DecryptCmd.MarkFlagRequired("read")

	_ = viper.BindPFlag("decrypt.keylog", DecryptCmd.Flags().Lookup("keylog"))
	_ = viper.BindPFlag("decrypt.psk", DecryptCmd.Flags().Lookup("psk"))
	_ = viper.BindPFlag("decrypt.rsa_key", DecryptCmd.Flags().Lookup("rsa-key"))
	_ = viper.BindPFlag("decrypt.ignore_mac_errors", DecryptCmd.Flags().Lookup("ignore-mac-errors"))
	_ = viper.BindPFlag("decrypt.allow_null_keyless", DecryptCmd.Flags().Lookup("allow-null-keyless"))
	_ = viper.BindPFlag("decrypt.deprecated_cid", DecryptCmd.Flags().Lookup("deprecated-cid"))
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	cfg := tlsdecrypt.Config{
		IgnoreMACFailures: viper.GetBool("decrypt.ignore_mac_errors"),
		AllowNullKeyless:  viper.GetBool("decrypt.allow_null_keyless"),
	}
	if viper.GetBool("decrypt.deprecated_cid") {
		cfg.CIDEncoding = tlsdecrypt.CIDEncodingDeprecated
	}

	if psk := viper.GetString("decrypt.psk"); psk != "" {
		b, err := tlsdecrypt.ParsePSK(psk)
		if err != nil {
			return err
		}
		cfg.PSK = b
	}

	if keyFile := viper.GetString("decrypt.rsa_key"); keyFile != "" {
		key, err := loadRSAKey(keyFile)
		if err != nil {
			return fmt.Errorf("load RSA key: %w", err)
		}
		cfg.PrivateKeyDecrypt = func(keyID, ciphertext []byte) ([]byte, error) {
			return rsa.DecryptPKCS1v15(nil, key, ciphertext)
		}
	}

	var engine *tlsdecrypt.Engine
	store := keylog.NewStore(keylog.StoreConfig{
		OnSecretAdded: func(m keylog.MapID, clientRandom []byte) {
			if engine != nil {
				engine.OnSecretAdded(m, clientRandom)
			}
		},
	})
	cfg.Store = store
	engine = tlsdecrypt.NewEngine(cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	cleanup := signals.SetupHandler(ctx, cancel)
	defer cleanup()

	if klPath := viper.GetString("decrypt.keylog"); klPath != "" {
		if followKeylog {
			w := keylog.NewWatcher(klPath, store, keylog.DefaultWatcherConfig())
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("watch keylog: %w", err)
			}
			defer func() { _ = w.Stop() }()
		} else {
			f, err := os.Open(klPath)
			if err != nil {
				return fmt.Errorf("open keylog: %w", err)
			}
			ing := keylog.NewIngester(store)
			ing.ProcessReader(f)
			_ = f.Close()
			stats := ing.Stats()
			logger.Info("keylog loaded",
				"path", klPath,
				"entries", stats.EntriesAdded,
				"skipped", stats.LinesSkipped)
		}
	}

	out, err := newSink(outputDir)
	if err != nil {
		return err
	}
	defer out.close()

	return replay(ctx, readFile, engine, out)
}

// flow tracks one five-tuple's conversation; the first endpoint seen
// transmitting is taken as the client.
type flow struct {
	client string
	conv   *tlsdecrypt.Conversation
	dconv  *tlsdecrypt.DTLSConversation
}

func replay(ctx context.Context, path string, engine *tlsdecrypt.Engine, out sink) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	source, err := packetSource(f)
	if err != nil {
		return err
	}

	flows := make(map[string]*flow)
	var packets, payloads uint64

	for packet := range source.Packets() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		packets++
		netLayer := packet.NetworkLayer()
		transport := packet.TransportLayer()
		if netLayer == nil || transport == nil {
			continue
		}
		payload := transport.LayerPayload()
		if len(payload) == 0 {
			continue
		}

		src := netLayer.NetworkFlow().Src().String() + ":" + transport.TransportFlow().Src().String()
		dst := netLayer.NetworkFlow().Dst().String() + ":" + transport.TransportFlow().Dst().String()
		key := src + "<->" + dst
		if dst < src {
			key = dst + "<->" + src
		}

		isTCP := transport.LayerType() == layers.LayerTypeTCP
		if !isTCP && !looksLikeDTLS(payload) {
			continue
		}

		fl, ok := flows[key]
		if !ok {
			fl = &flow{client: src}
			if isTCP {
				fl.conv = tlsdecrypt.NewConversation(engine, key)
			} else {
				fl.dconv = tlsdecrypt.NewDTLSConversation(engine, key)
			}
			flows[key] = fl
		}

		dir := tlsdecrypt.DirClientToServer
		if src != fl.client {
			dir = tlsdecrypt.DirServerToClient
		}

		var records []tlsdecrypt.DecryptedRecord
		if fl.conv != nil {
			records = fl.conv.Feed(dir, payload)
		} else if fl.dconv != nil {
			records = fl.dconv.Feed(dir, payload)
		}
		for _, rec := range records {
			payloads++
			if err := out.write(key, rec); err != nil {
				return err
			}
		}
	}

	stats := engine.Stats()
	logger.Info("replay finished",
		"packets", packets,
		"decrypted_records", payloads,
		"sessions", stats.SessionsCreated,
		"secrets_matched", stats.SecretsMatched)
	return nil
}

// packetSource opens a pcap or pcapng stream.
func packetSource(f *os.File) (*gopacket.PacketSource, error) {
	if r, err := pcapgo.NewReader(f); err == nil {
		return gopacket.NewPacketSource(r, r.LinkType()), nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, fmt.Errorf("not a pcap/pcapng file: %w", err)
	}
	return gopacket.NewPacketSource(r, r.LinkType()), nil
}

// looksLikeDTLS filters UDP payloads down to plausible DTLS records.
func looksLikeDTLS(payload []byte) bool {
	if len(payload) < 4 {
		return false
	}
	if payload[0]&0xe0 == 0x20 {
		// DTLS 1.3 unified header
		return true
	}
	return payload[0] >= 20 && payload[0] <= 25 && payload[1] == 0xfe
}

// loadRSAKey reads an RSA private key from a PEM file (PKCS#1 or
// PKCS#8).
func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if rsaKey, ok := key.(*rsa.PrivateKey); ok {
				return rsaKey, nil
			}
			return nil, fmt.Errorf("%s holds a non-RSA key", path)
		}
	}
	return nil, fmt.Errorf("no private key found in %s", path)
}

// sink receives decrypted records.
type sink interface {
	write(flowKey string, rec tlsdecrypt.DecryptedRecord) error
	close()
}

// newSink returns a per-flow file sink when dir is set, otherwise a
// stdout hex-dump sink.
func newSink(dir string) (sink, error) {
	if dir == "" {
		return &stdoutSink{}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileSink{dir: dir, files: make(map[string]*os.File)}, nil
}

type stdoutSink struct{}

func (*stdoutSink) write(flowKey string, rec tlsdecrypt.DecryptedRecord) error {
	fmt.Printf("%s %s type=%d len=%d offset=%d\n",
		flowKey, rec.Direction.String(), rec.ContentType, len(rec.Plaintext), rec.StreamOffset)
	fmt.Print(hex.Dump(rec.Plaintext))
	return nil
}

func (*stdoutSink) close() {}

// fileSink appends each direction's application data to its own file.
type fileSink struct {
	dir   string
	files map[string]*os.File
}

func (s *fileSink) write(flowKey string, rec tlsdecrypt.DecryptedRecord) error {
	if rec.ContentType != wire.ContentTypeApplicationData {
		return nil
	}
	name := sanitizeFlow(flowKey) + "." + rec.Direction.String()
	f, ok := s.files[name]
	if !ok {
		var err error
		f, err = os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		s.files[name] = f
	}
	_, err := f.Write(rec.Plaintext)
	return err
}

func (s *fileSink) close() {
	for _, f := range s.files {
		_ = f.Close()
	}
}

func sanitizeFlow(flowKey string) string {
	r := strings.NewReplacer(":", "_", "<->", "--", "/", "_")
	return r.Replace(flowKey)
}
