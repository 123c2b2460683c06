package cryptoops

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
)

// EncryptAes encrypts plaintext with AES-256-CBC/PKCS#7. token[:32] is the
// key, token[32:48] is the IV.
func EncryptAes(token, plaintext []byte) ([]byte, error) {
	if len(token) != AesTokenSize {
		return nil, fmt.Errorf("%w: aes token must be %d bytes, got %d", relayerr.ErrBadCipherInput, AesTokenSize, len(token))
	}
	block, err := aes.NewCipher(token[:32])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", relayerr.ErrAes, err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, token[32:48])
	mode.CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptAes decrypts ciphertext previously produced by EncryptAes.
func DecryptAes(token, ciphertext []byte) ([]byte, error) {
	if len(token) != AesTokenSize {
		return nil, fmt.Errorf("%w: aes token must be %d bytes, got %d", relayerr.ErrBadCipherInput, AesTokenSize, len(token))
	}
	block, err := aes.NewCipher(token[:32])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", relayerr.ErrAes, err)
	}
	blockSize := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of block size %d", relayerr.ErrBadCipherInput, len(ciphertext), blockSize)
	}
	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, token[32:48])
	mode.CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, blockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: padded data length %d invalid for block size %d", relayerr.ErrBadCipherInput, len(data), blockSize)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("%w: invalid pkcs7 padding length %d", relayerr.ErrBadCipherInput, padLen)
	}
	padding := data[len(data)-padLen:]
	if !bytes.Equal(padding, bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, fmt.Errorf("%w: pkcs7 padding bytes mismatch", relayerr.ErrBadCipherInput)
	}
	return data[:len(data)-padLen], nil
}
