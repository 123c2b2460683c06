// Package cryptoops implements the wire-level crypto primitives: RSA
// wrap/unwrap of symmetric tokens and AES-256-CBC / Blowfish-CBC with
// PKCS#7 padding, plus the Encryption descriptor that names which of the
// two symmetric ciphers (or plaintext) a direction of a tunnel uses.
package cryptoops

import (
	"crypto/rand"
	"fmt"

	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
)

// Kind names the symmetric algorithm an Encryption descriptor carries.
type Kind int

const (
	KindPlain Kind = iota
	KindAes
	KindBlowfish
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindAes:
		return "aes"
	case KindBlowfish:
		return "blowfish"
	default:
		return "unknown"
	}
}

const (
	// AesTokenSize is 32-byte key || 16-byte IV.
	AesTokenSize = 32 + 16
	// BlowfishTokenSize is 56-byte key || 8-byte IV.
	BlowfishTokenSize = 56 + 8
)

// Encryption is the tagged variant carried in handshake records and used to
// drive one direction of symmetric traffic. Token is raw key material once
// both sides have completed RSA unwrap; during transit in a handshake record
// it is RSA ciphertext instead.
type Encryption struct {
	Kind  Kind
	Token []byte
}

// Plain is the zero-key descriptor. Honored only when both peers agree to
// it; the handshake in this repo never negotiates it, but it exists so
// tests and future negotiation can express it explicitly.
var Plain = Encryption{Kind: KindPlain}

// RandomEncryption flips a fair coin and returns a freshly seeded AES or
// Blowfish descriptor with raw (unwrapped) token material.
func RandomEncryption() (Encryption, error) {
	var coin [1]byte
	if _, err := rand.Read(coin[:]); err != nil {
		return Encryption{}, fmt.Errorf("%w: reading random coin: %w", relayerr.ErrAes, err)
	}
	if coin[0]&1 == 0 {
		token := make([]byte, AesTokenSize)
		if _, err := rand.Read(token); err != nil {
			return Encryption{}, fmt.Errorf("%w: generating aes token: %w", relayerr.ErrAes, err)
		}
		return Encryption{Kind: KindAes, Token: token}, nil
	}
	token := make([]byte, BlowfishTokenSize)
	if _, err := rand.Read(token); err != nil {
		return Encryption{}, fmt.Errorf("%w: generating blowfish token: %w", relayerr.ErrAes, err)
	}
	return Encryption{Kind: KindBlowfish, Token: token}, nil
}

// Encrypt symmetric-encrypts plaintext per the descriptor's kind.
func Encrypt(enc Encryption, plaintext []byte) ([]byte, error) {
	switch enc.Kind {
	case KindPlain:
		return plaintext, nil
	case KindAes:
		return EncryptAes(enc.Token, plaintext)
	case KindBlowfish:
		return EncryptBlowfish(enc.Token, plaintext)
	default:
		return nil, fmt.Errorf("%w: unknown encryption kind %d", relayerr.ErrBadCipherInput, enc.Kind)
	}
}

// Decrypt symmetric-decrypts ciphertext per the descriptor's kind.
func Decrypt(enc Encryption, ciphertext []byte) ([]byte, error) {
	switch enc.Kind {
	case KindPlain:
		return ciphertext, nil
	case KindAes:
		return DecryptAes(enc.Token, ciphertext)
	case KindBlowfish:
		return DecryptBlowfish(enc.Token, ciphertext)
	default:
		return nil, fmt.Errorf("%w: unknown encryption kind %d", relayerr.ErrBadCipherInput, enc.Kind)
	}
}
