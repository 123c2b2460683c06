package cryptoops

import (
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/blowfish"

	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
)

// EncryptBlowfish encrypts plaintext with Blowfish-CBC/PKCS#7. token[:56] is
// the key, token[56:64] is the IV (Blowfish's 8-byte block size).
func EncryptBlowfish(token, plaintext []byte) ([]byte, error) {
	if len(token) != BlowfishTokenSize {
		return nil, fmt.Errorf("%w: blowfish token must be %d bytes, got %d", relayerr.ErrBadCipherInput, BlowfishTokenSize, len(token))
	}
	block, err := blowfish.NewCipher(token[:56])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", relayerr.ErrAes, err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, token[56:64])
	mode.CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptBlowfish decrypts ciphertext previously produced by EncryptBlowfish.
func DecryptBlowfish(token, ciphertext []byte) ([]byte, error) {
	if len(token) != BlowfishTokenSize {
		return nil, fmt.Errorf("%w: blowfish token must be %d bytes, got %d", relayerr.ErrBadCipherInput, BlowfishTokenSize, len(token))
	}
	block, err := blowfish.NewCipher(token[:56])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", relayerr.ErrAes, err)
	}
	blockSize := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of block size %d", relayerr.ErrBadCipherInput, len(ciphertext), blockSize)
	}
	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, token[56:64])
	mode.CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, blockSize)
}
