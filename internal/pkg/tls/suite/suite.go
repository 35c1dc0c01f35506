// Package suite is the cipher-suite registry: a static table mapping
// 16-bit cipher-suite identifiers to the key-exchange kind, bulk cipher,
// digest, and record-protection mode needed to derive keys and decrypt
// records for a session.
package suite

// Kex identifies the key-exchange family of a cipher suite.
type Kex int

const (
	KexUnknown Kex = iota
	KexRSA
	KexDH
	KexDHE
	KexECDH
	KexECDHE
	KexPSK
	KexDHEPSK
	KexECDHEPSK
	KexRSAPSK
	KexSRP
	KexTLS13
	KexECC // TLCP
)

// Cipher identifies the bulk cipher algorithm.
type Cipher int

const (
	CipherNULL Cipher = iota
	CipherRC4
	CipherDES
	Cipher3DES
	CipherAES128
	CipherAES256
	CipherCamellia128
	CipherCamellia256
	CipherSEED
	CipherChaCha20
	CipherSM4
)

// String returns the bulk cipher name.
func (c Cipher) String() string {
	switch c {
	case CipherNULL:
		return "NULL"
	case CipherRC4:
		return "RC4"
	case CipherDES:
		return "DES"
	case Cipher3DES:
		return "3DES"
	case CipherAES128:
		return "AES-128"
	case CipherAES256:
		return "AES-256"
	case CipherCamellia128:
		return "Camellia-128"
	case CipherCamellia256:
		return "Camellia-256"
	case CipherSEED:
		return "SEED"
	case CipherChaCha20:
		return "ChaCha20"
	case CipherSM4:
		return "SM4"
	default:
		return "Unknown"
	}
}

// Digest identifies the MAC/PRF digest of a cipher suite.
type Digest int

const (
	DigestNA Digest = iota
	DigestMD5
	DigestSHA1
	DigestSHA256
	DigestSHA384
	DigestSM3
)

// Size returns the digest output size in bytes.
func (d Digest) Size() int {
	switch d {
	case DigestMD5:
		return 16
	case DigestSHA1:
		return 20
	case DigestSHA256, DigestSM3:
		return 32
	case DigestSHA384:
		return 48
	default:
		return 0
	}
}

// Mode identifies the record-protection mode.
type Mode int

const (
	ModeStream Mode = iota
	ModeCBC
	ModeGCM
	ModeCCM
	ModeCCM8
	ModePoly1305
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "Stream"
	case ModeCBC:
		return "CBC"
	case ModeGCM:
		return "GCM"
	case ModeCCM:
		return "CCM"
	case ModeCCM8:
		return "CCM-8"
	case ModePoly1305:
		return "ChaCha20-Poly1305"
	default:
		return "Unknown"
	}
}

// IsAEAD reports whether the mode authenticates records with an AEAD tag.
func (m Mode) IsAEAD() bool {
	switch m {
	case ModeGCM, ModeCCM, ModeCCM8, ModePoly1305:
		return true
	default:
		return false
	}
}

// TagLen returns the AEAD tag length in bytes, or 0 for non-AEAD modes.
func (m Mode) TagLen() int {
	switch m {
	case ModeGCM, ModeCCM, ModePoly1305:
		return 16
	case ModeCCM8:
		return 8
	default:
		return 0
	}
}

// Descriptor describes one cipher suite. Descriptors are immutable and
// shared; callers must not mutate them.
type Descriptor struct {
	ID     uint16
	Name   string
	Kex    Kex
	Cipher Cipher
	Digest Digest
	Mode   Mode

	// Export marks 40-bit export-grade suites (SSLv3/TLS1.0 shortened keys).
	Export bool
}

// KeyLen returns the write-key length in bytes.
func (d *Descriptor) KeyLen() int {
	switch d.Cipher {
	case CipherNULL:
		return 0
	case CipherRC4:
		if d.Export {
			return 5
		}
		return 16
	case CipherDES:
		if d.Export {
			return 5
		}
		return 8
	case Cipher3DES:
		return 24
	case CipherAES128, CipherCamellia128, CipherSEED, CipherSM4:
		return 16
	case CipherAES256, CipherCamellia256:
		return 32
	case CipherChaCha20:
		return 32
	default:
		return 0
	}
}

// ExpandedKeyLen returns the post-expansion key length for export suites
// (RFC 2246 6.3); equal to KeyLen for everything else.
func (d *Descriptor) ExpandedKeyLen() int {
	if !d.Export {
		return d.KeyLen()
	}
	switch d.Cipher {
	case CipherRC4:
		return 16
	case CipherDES:
		return 8
	default:
		return d.KeyLen()
	}
}

// BlockLen returns the cipher block length for CBC suites, 0 otherwise.
func (d *Descriptor) BlockLen() int {
	if d.Mode != ModeCBC {
		return 0
	}
	switch d.Cipher {
	case CipherDES, Cipher3DES:
		return 8
	default:
		return 16
	}
}

// FixedIVLen returns the length of IV material taken from the key block:
// one cipher block for CBC suites, the 4-byte implicit salt for pre-1.3
// GCM/CCM, and the full 12-byte nonce for ChaCha20-Poly1305 and TLS 1.3.
func (d *Descriptor) FixedIVLen(tls13 bool) int {
	switch d.Mode {
	case ModeCBC:
		return d.BlockLen()
	case ModeGCM, ModeCCM, ModeCCM8:
		if tls13 {
			return 12
		}
		return 4
	case ModePoly1305:
		return 12
	default:
		return 0
	}
}

// RecordIVLen returns the per-record explicit IV/nonce length carried on
// the wire (pre-1.3 only).
func (d *Descriptor) RecordIVLen() int {
	switch d.Mode {
	case ModeGCM, ModeCCM, ModeCCM8:
		return 8
	default:
		return 0
	}
}

// MACLen returns the record MAC length for stream/CBC suites, 0 for AEAD.
func (d *Descriptor) MACLen() int {
	if d.Mode.IsAEAD() {
		return 0
	}
	return d.Digest.Size()
}

// PRFDigest returns the digest driving the TLS 1.2+ PRF / TLS 1.3 HKDF:
// the suite digest, with SHA-256 substituted for the legacy MD5/SHA1 MACs.
func (d *Descriptor) PRFDigest() Digest {
	switch d.Digest {
	case DigestSHA384, DigestSM3:
		return d.Digest
	default:
		return DigestSHA256
	}
}

// IsTLS13 reports whether this is a TLS 1.3 / DTLS 1.3 suite.
func (d *Descriptor) IsTLS13() bool {
	return d.Kex == KexTLS13
}

// UsableWithSSLv3 rejects suites whose MAC digest SSLv3 cannot express.
// SSLv3's MAC construction is defined only for MD5 and SHA-1; accepting
// anything else would index past the SSLv3 pad tables.
func (d *Descriptor) UsableWithSSLv3() bool {
	return d.Digest == DigestMD5 || d.Digest == DigestSHA1
}

// Lookup returns the descriptor for a cipher-suite ID, or nil.
func Lookup(id uint16) *Descriptor {
	return registry[id]
}

// KexAlgorithm classifies a cipher-suite ID by numeric range without
// resolving a descriptor. Used while parsing hellos, before the chosen
// suite is validated.
func KexAlgorithm(id uint16) Kex {
	if d, ok := registry[id]; ok {
		return d.Kex
	}
	switch {
	case id >= 0x1301 && id <= 0x1305:
		return KexTLS13
	case id >= 0xc001 && id <= 0xc00b:
		return KexECDH
	case id >= 0xc00c && id <= 0xc019:
		return KexECDHE
	case id >= 0x008a && id <= 0x008d:
		return KexPSK
	case id >= 0x008e && id <= 0x0091:
		return KexDHEPSK
	case id >= 0x0092 && id <= 0x0095:
		return KexRSAPSK
	case id >= 0xc01a && id <= 0xc022:
		return KexSRP
	case id >= 0x0001 && id <= 0x000a:
		return KexRSA
	case id >= 0x000b && id <= 0x0016:
		return KexDHE
	default:
		return KexUnknown
	}
}

var registry = map[uint16]*Descriptor{}

func register(descs []Descriptor) {
	for i := range descs {
		registry[descs[i].ID] = &descs[i]
	}
}

func init() {
	register([]Descriptor{
		// SSLv3/TLS classic RSA suites
		{ID: 0x0001, Name: "TLS_RSA_WITH_NULL_MD5", Kex: KexRSA, Cipher: CipherNULL, Digest: DigestMD5, Mode: ModeStream},
		{ID: 0x0002, Name: "TLS_RSA_WITH_NULL_SHA", Kex: KexRSA, Cipher: CipherNULL, Digest: DigestSHA1, Mode: ModeStream},
		{ID: 0x0003, Name: "TLS_RSA_EXPORT_WITH_RC4_40_MD5", Kex: KexRSA, Cipher: CipherRC4, Digest: DigestMD5, Mode: ModeStream, Export: true},
		{ID: 0x0004, Name: "TLS_RSA_WITH_RC4_128_MD5", Kex: KexRSA, Cipher: CipherRC4, Digest: DigestMD5, Mode: ModeStream},
		{ID: 0x0005, Name: "TLS_RSA_WITH_RC4_128_SHA", Kex: KexRSA, Cipher: CipherRC4, Digest: DigestSHA1, Mode: ModeStream},
		{ID: 0x0008, Name: "TLS_RSA_EXPORT_WITH_DES40_CBC_SHA", Kex: KexRSA, Cipher: CipherDES, Digest: DigestSHA1, Mode: ModeCBC, Export: true},
		{ID: 0x0009, Name: "TLS_RSA_WITH_DES_CBC_SHA", Kex: KexRSA, Cipher: CipherDES, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0x000a, Name: "TLS_RSA_WITH_3DES_EDE_CBC_SHA", Kex: KexRSA, Cipher: Cipher3DES, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0x0013, Name: "TLS_DHE_DSS_WITH_3DES_EDE_CBC_SHA", Kex: KexDHE, Cipher: Cipher3DES, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0x0016, Name: "TLS_DHE_RSA_WITH_3DES_EDE_CBC_SHA", Kex: KexDHE, Cipher: Cipher3DES, Digest: DigestSHA1, Mode: ModeCBC},

		// AES CBC
		{ID: 0x002f, Name: "TLS_RSA_WITH_AES_128_CBC_SHA", Kex: KexRSA, Cipher: CipherAES128, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0x0033, Name: "TLS_DHE_RSA_WITH_AES_128_CBC_SHA", Kex: KexDHE, Cipher: CipherAES128, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0x0035, Name: "TLS_RSA_WITH_AES_256_CBC_SHA", Kex: KexRSA, Cipher: CipherAES256, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0x0039, Name: "TLS_DHE_RSA_WITH_AES_256_CBC_SHA", Kex: KexDHE, Cipher: CipherAES256, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0x003c, Name: "TLS_RSA_WITH_AES_128_CBC_SHA256", Kex: KexRSA, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeCBC},
		{ID: 0x003d, Name: "TLS_RSA_WITH_AES_256_CBC_SHA256", Kex: KexRSA, Cipher: CipherAES256, Digest: DigestSHA256, Mode: ModeCBC},

		// Camellia / SEED (registry entries; no local cipher provider)
		{ID: 0x0041, Name: "TLS_RSA_WITH_CAMELLIA_128_CBC_SHA", Kex: KexRSA, Cipher: CipherCamellia128, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0x0084, Name: "TLS_RSA_WITH_CAMELLIA_256_CBC_SHA", Kex: KexRSA, Cipher: CipherCamellia256, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0x0096, Name: "TLS_RSA_WITH_SEED_CBC_SHA", Kex: KexRSA, Cipher: CipherSEED, Digest: DigestSHA1, Mode: ModeCBC},

		// AES GCM (RFC 5288)
		{ID: 0x009c, Name: "TLS_RSA_WITH_AES_128_GCM_SHA256", Kex: KexRSA, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeGCM},
		{ID: 0x009d, Name: "TLS_RSA_WITH_AES_256_GCM_SHA384", Kex: KexRSA, Cipher: CipherAES256, Digest: DigestSHA384, Mode: ModeGCM},
		{ID: 0x009e, Name: "TLS_DHE_RSA_WITH_AES_128_GCM_SHA256", Kex: KexDHE, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeGCM},
		{ID: 0x009f, Name: "TLS_DHE_RSA_WITH_AES_256_GCM_SHA384", Kex: KexDHE, Cipher: CipherAES256, Digest: DigestSHA384, Mode: ModeGCM},

		// PSK
		{ID: 0x008c, Name: "TLS_PSK_WITH_AES_128_CBC_SHA", Kex: KexPSK, Cipher: CipherAES128, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0x008d, Name: "TLS_PSK_WITH_AES_256_CBC_SHA", Kex: KexPSK, Cipher: CipherAES256, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0x00a8, Name: "TLS_PSK_WITH_AES_128_GCM_SHA256", Kex: KexPSK, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeGCM},
		{ID: 0x00a9, Name: "TLS_PSK_WITH_AES_256_GCM_SHA384", Kex: KexPSK, Cipher: CipherAES256, Digest: DigestSHA384, Mode: ModeGCM},

		// TLS 1.3 (RFC 8446)
		{ID: 0x1301, Name: "TLS_AES_128_GCM_SHA256", Kex: KexTLS13, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeGCM},
		{ID: 0x1302, Name: "TLS_AES_256_GCM_SHA384", Kex: KexTLS13, Cipher: CipherAES256, Digest: DigestSHA384, Mode: ModeGCM},
		{ID: 0x1303, Name: "TLS_CHACHA20_POLY1305_SHA256", Kex: KexTLS13, Cipher: CipherChaCha20, Digest: DigestSHA256, Mode: ModePoly1305},
		{ID: 0x1304, Name: "TLS_AES_128_CCM_SHA256", Kex: KexTLS13, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeCCM},
		{ID: 0x1305, Name: "TLS_AES_128_CCM_8_SHA256", Kex: KexTLS13, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeCCM8},

		// ECDHE CBC/GCM
		{ID: 0xc009, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA", Kex: KexECDHE, Cipher: CipherAES128, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0xc00a, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA", Kex: KexECDHE, Cipher: CipherAES256, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0xc013, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA", Kex: KexECDHE, Cipher: CipherAES128, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0xc014, Name: "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA", Kex: KexECDHE, Cipher: CipherAES256, Digest: DigestSHA1, Mode: ModeCBC},
		{ID: 0xc023, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256", Kex: KexECDHE, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeCBC},
		{ID: 0xc024, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384", Kex: KexECDHE, Cipher: CipherAES256, Digest: DigestSHA384, Mode: ModeCBC},
		{ID: 0xc027, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256", Kex: KexECDHE, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeCBC},
		{ID: 0xc028, Name: "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384", Kex: KexECDHE, Cipher: CipherAES256, Digest: DigestSHA384, Mode: ModeCBC},
		{ID: 0xc02b, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", Kex: KexECDHE, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeGCM},
		{ID: 0xc02c, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384", Kex: KexECDHE, Cipher: CipherAES256, Digest: DigestSHA384, Mode: ModeGCM},
		{ID: 0xc02f, Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", Kex: KexECDHE, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeGCM},
		{ID: 0xc030, Name: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", Kex: KexECDHE, Cipher: CipherAES256, Digest: DigestSHA384, Mode: ModeGCM},

		// CCM (RFC 6655 / 7251)
		{ID: 0xc09c, Name: "TLS_RSA_WITH_AES_128_CCM", Kex: KexRSA, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeCCM},
		{ID: 0xc09d, Name: "TLS_RSA_WITH_AES_256_CCM", Kex: KexRSA, Cipher: CipherAES256, Digest: DigestSHA256, Mode: ModeCCM},
		{ID: 0xc0a0, Name: "TLS_RSA_WITH_AES_128_CCM_8", Kex: KexRSA, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeCCM8},
		{ID: 0xc0a1, Name: "TLS_RSA_WITH_AES_256_CCM_8", Kex: KexRSA, Cipher: CipherAES256, Digest: DigestSHA256, Mode: ModeCCM8},
		{ID: 0xc0ac, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_CCM", Kex: KexECDHE, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeCCM},
		{ID: 0xc0ae, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8", Kex: KexECDHE, Cipher: CipherAES128, Digest: DigestSHA256, Mode: ModeCCM8},

		// ChaCha20-Poly1305 (RFC 7905)
		{ID: 0xcca8, Name: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256", Kex: KexECDHE, Cipher: CipherChaCha20, Digest: DigestSHA256, Mode: ModePoly1305},
		{ID: 0xcca9, Name: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256", Kex: KexECDHE, Cipher: CipherChaCha20, Digest: DigestSHA256, Mode: ModePoly1305},
		{ID: 0xccaa, Name: "TLS_DHE_RSA_WITH_CHACHA20_POLY1305_SHA256", Kex: KexDHE, Cipher: CipherChaCha20, Digest: DigestSHA256, Mode: ModePoly1305},
		{ID: 0xccab, Name: "TLS_PSK_WITH_CHACHA20_POLY1305_SHA256", Kex: KexPSK, Cipher: CipherChaCha20, Digest: DigestSHA256, Mode: ModePoly1305},

		// TLCP / ShangMi (GB/T 38636, RFC 8998)
		{ID: 0x00c6, Name: "TLS_SM4_GCM_SM3", Kex: KexTLS13, Cipher: CipherSM4, Digest: DigestSM3, Mode: ModeGCM},
		{ID: 0xe011, Name: "TLCP_ECDHE_SM4_CBC_SM3", Kex: KexECDHE, Cipher: CipherSM4, Digest: DigestSM3, Mode: ModeCBC},
		{ID: 0xe013, Name: "TLCP_ECC_SM4_CBC_SM3", Kex: KexECC, Cipher: CipherSM4, Digest: DigestSM3, Mode: ModeCBC},
		{ID: 0xe051, Name: "TLCP_ECDHE_SM4_GCM_SM3", Kex: KexECDHE, Cipher: CipherSM4, Digest: DigestSM3, Mode: ModeGCM},
		{ID: 0xe053, Name: "TLCP_ECC_SM4_GCM_SM3", Kex: KexECC, Cipher: CipherSM4, Digest: DigestSM3, Mode: ModeGCM},
	})
}
