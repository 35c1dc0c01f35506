// Package ciphers constructs the bulk-cipher primitives behind a cipher
// suite: stateful keystreams for stream suites, block ciphers for CBC
// suites, and AEADs for GCM/CCM/ChaCha20-Poly1305 suites. Record-layer
// framing (IV handling, padding, MAC, nonce construction) is the
// decoder's job; this package only turns key bytes into crypto state.
package ciphers

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rc4"
	"errors"
	"fmt"

	"github.com/emmansun/gmsm/sm4"
	"github.com/pion/dtls/v2/pkg/crypto/ccm"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/endorses/tlstap/internal/pkg/tls/suite"
)

var (
	// ErrUnsupportedCipher indicates the suite's bulk cipher has no
	// local implementation (e.g. Camellia, SEED).
	ErrUnsupportedCipher = errors.New("ciphers: unsupported bulk cipher")

	// ErrInvalidKeySize indicates the key length is wrong for the cipher.
	ErrInvalidKeySize = errors.New("ciphers: invalid key size")
)

// Stream is a stateful record keystream. The same instance must be fed
// every record of a direction in order; RC4 state carries across records.
type Stream interface {
	XORKeyStream(dst, src []byte)
}

// nullStream passes data through unchanged (NULL-cipher suites).
type nullStream struct{}

func (nullStream) XORKeyStream(dst, src []byte) {
	copy(dst, src)
}

// NewStream creates the keystream for a stream-mode suite.
func NewStream(c suite.Cipher, key []byte) (Stream, error) {
	switch c {
	case suite.CipherNULL:
		return nullStream{}, nil
	case suite.CipherRC4:
		s, err := rc4.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %v in stream mode", ErrUnsupportedCipher, c)
	}
}

// NewBlock creates the block cipher for a CBC-mode suite.
func NewBlock(c suite.Cipher, key []byte) (cipher.Block, error) {
	var (
		block cipher.Block
		err   error
	)
	switch c {
	case suite.CipherDES:
		block, err = des.NewCipher(key)
	case suite.Cipher3DES:
		block, err = des.NewTripleDESCipher(key)
	case suite.CipherAES128, suite.CipherAES256:
		block, err = aes.NewCipher(key)
	case suite.CipherSM4:
		block, err = sm4.NewCipher(key)
	default:
		return nil, fmt.Errorf("%w: %v in CBC mode", ErrUnsupportedCipher, c)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
	}
	return block, nil
}

// NewAEAD creates the AEAD for a GCM/CCM/Poly1305-mode suite. Nonce
// construction (salt, explicit IV, sequence-number XOR) is up to the
// caller; all returned AEADs take 12-byte nonces.
func NewAEAD(desc *suite.Descriptor, key []byte) (cipher.AEAD, error) {
	switch desc.Mode {
	case suite.ModeGCM:
		block, err := gcmBlock(desc.Cipher, key)
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("ciphers: GCM init: %w", err)
		}
		return aead, nil

	case suite.ModeCCM, suite.ModeCCM8:
		block, err := gcmBlock(desc.Cipher, key)
		if err != nil {
			return nil, err
		}
		aead, err := ccm.NewCCM(block, desc.Mode.TagLen(), 12)
		if err != nil {
			return nil, fmt.Errorf("ciphers: CCM init: %w", err)
		}
		return aead, nil

	case suite.ModePoly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
		}
		return aead, nil

	default:
		return nil, fmt.Errorf("%w: mode %v is not AEAD", ErrUnsupportedCipher, desc.Mode)
	}
}

func gcmBlock(c suite.Cipher, key []byte) (cipher.Block, error) {
	switch c {
	case suite.CipherAES128, suite.CipherAES256:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
		}
		return block, nil
	case suite.CipherSM4:
		block, err := sm4.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
		}
		return block, nil
	default:
		return nil, fmt.Errorf("%w: %v in AEAD mode", ErrUnsupportedCipher, c)
	}
}
