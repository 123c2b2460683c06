package cryptoops

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
)

// KeyPair bundles an RSA public/private key for one user/peer identity.
type KeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// GenerateKeyPair creates a fresh 2048-bit RSA key pair, grounded on the
// original project's key-generation tool (2048-bit RSA, PKCS1 PEM).
func GenerateKeyPair() (*KeyPair, error) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("%w: generating rsa key pair: %w", relayerr.ErrRsa, err)
	}
	return &KeyPair{Public: &private.PublicKey, Private: private}, nil
}

// EncodePublicKeyPEM serializes a public key as PKIX PEM.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal public key: %w", relayerr.ErrRsa, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// EncodePrivateKeyPEM serializes a private key as PKCS1 PEM.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) []byte {
	der := x509.MarshalPKCS1PrivateKey(priv)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

// ParsePublicKeyPEM parses a PEM-encoded public key, accepting both PKIX and
// PKCS1 encodings since real-world key material found in the wild varies.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found in public key", relayerr.ErrRsa)
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: PEM block is not an RSA public key", relayerr.ErrRsa)
		}
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %w", relayerr.ErrRsa, err)
	}
	return pub, nil
}

// ParsePrivateKeyPEM parses a PEM-encoded private key, accepting both PKCS1
// and PKCS8 encodings.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found in private key", relayerr.ErrRsa)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing private key: %w", relayerr.ErrRsa, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: PEM block is not an RSA private key", relayerr.ErrRsa)
	}
	return priv, nil
}

// RsaWrapEncryption returns an Encryption whose Token field has been replaced
// by the RSA-PKCS1v15 ciphertext of the raw token, for transit inside a
// HandshakeRequest/Response.
func RsaWrapEncryption(enc Encryption, pub *rsa.PublicKey) (Encryption, error) {
	if enc.Kind == KindPlain {
		return enc, nil
	}
	wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, pub, enc.Token)
	if err != nil {
		return Encryption{}, fmt.Errorf("%w: wrapping token: %w", relayerr.ErrRsa, err)
	}
	return Encryption{Kind: enc.Kind, Token: wrapped}, nil
}

// RsaUnwrapEncryption is the inverse of RsaWrapEncryption.
func RsaUnwrapEncryption(enc Encryption, priv *rsa.PrivateKey) (Encryption, error) {
	if enc.Kind == KindPlain {
		return enc, nil
	}
	raw, err := rsa.DecryptPKCS1v15(rand.Reader, priv, enc.Token)
	if err != nil {
		return Encryption{}, fmt.Errorf("%w: unwrapping token: %w", relayerr.ErrRsa, err)
	}
	expected := AesTokenSize
	if enc.Kind == KindBlowfish {
		expected = BlowfishTokenSize
	}
	if len(raw) != expected {
		return Encryption{}, fmt.Errorf("%w: unwrapped token length %d, expected %d", relayerr.ErrBadCipherInput, len(raw), expected)
	}
	return Encryption{Kind: enc.Kind, Token: raw}, nil
}
