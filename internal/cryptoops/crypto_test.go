package cryptoops

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

func TestAesRoundTrip(t *testing.T) {
	token := randomBytes(t, AesTokenSize)
	for _, size := range []int{0, 1, 15, 16, 17, 1023, 4096} {
		plaintext := randomBytes(t, size)
		ciphertext, err := EncryptAes(token, plaintext)
		if err != nil {
			t.Fatalf("encrypt size %d: %v", size, err)
		}
		decrypted, err := DecryptAes(token, ciphertext)
		if err != nil {
			t.Fatalf("decrypt size %d: %v", size, err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Fatalf("round trip mismatch at size %d", size)
		}
	}
}

func TestBlowfishRoundTrip(t *testing.T) {
	token := randomBytes(t, BlowfishTokenSize)
	for _, size := range []int{0, 1, 7, 8, 9, 1023, 4096} {
		plaintext := randomBytes(t, size)
		ciphertext, err := EncryptBlowfish(token, plaintext)
		if err != nil {
			t.Fatalf("encrypt size %d: %v", size, err)
		}
		decrypted, err := DecryptBlowfish(token, ciphertext)
		if err != nil {
			t.Fatalf("decrypt size %d: %v", size, err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Fatalf("round trip mismatch at size %d", size)
		}
	}
}

func TestEncryptionRoundTripViaDescriptor(t *testing.T) {
	for _, kind := range []Kind{KindAes, KindBlowfish} {
		enc, err := RandomEncryption()
		if err != nil {
			t.Fatalf("RandomEncryption: %v", err)
		}
		// Force the kind under test so both branches run deterministically.
		switch kind {
		case KindAes:
			enc = Encryption{Kind: KindAes, Token: randomBytes(t, AesTokenSize)}
		case KindBlowfish:
			enc = Encryption{Kind: KindBlowfish, Token: randomBytes(t, BlowfishTokenSize)}
		}
		plaintext := []byte("the quick brown fox jumps over the lazy dog")
		ciphertext, err := Encrypt(enc, plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%v): %v", kind, err)
		}
		decrypted, err := Decrypt(enc, ciphertext)
		if err != nil {
			t.Fatalf("Decrypt(%v): %v", kind, err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Fatalf("Encrypt/Decrypt round trip mismatch for %v", kind)
		}
	}
}

func TestPlainPassesThrough(t *testing.T) {
	plaintext := []byte("unchanged")
	ciphertext, err := Encrypt(Plain, plaintext)
	if err != nil {
		t.Fatalf("Encrypt(Plain): %v", err)
	}
	if !bytes.Equal(ciphertext, plaintext) {
		t.Fatalf("Plain encrypt should pass through unchanged")
	}
	decrypted, err := Decrypt(Plain, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt(Plain): %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("Plain decrypt should pass through unchanged")
	}
}

func TestAesBadTokenLength(t *testing.T) {
	if _, err := EncryptAes(randomBytes(t, 10), []byte("x")); err == nil {
		t.Fatalf("expected error for short aes token")
	}
}

func TestAesBadPadding(t *testing.T) {
	token := randomBytes(t, AesTokenSize)
	// A full block of zeros pads to two blocks; the first block alone
	// decrypts to zeros, whose final byte 0 is never valid PKCS7.
	ciphertext, err := EncryptAes(token, make([]byte, 16))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptAes(token, ciphertext[:16]); err == nil {
		t.Fatalf("expected error for invalid pkcs7 padding")
	}
}

func TestRsaWrapUnwrapRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	enc, err := RandomEncryption()
	if err != nil {
		t.Fatalf("RandomEncryption: %v", err)
	}
	wrapped, err := RsaWrapEncryption(enc, kp.Public)
	if err != nil {
		t.Fatalf("RsaWrapEncryption: %v", err)
	}
	if bytes.Equal(wrapped.Token, enc.Token) {
		t.Fatalf("wrapped token should differ from raw token")
	}
	unwrapped, err := RsaUnwrapEncryption(wrapped, kp.Private)
	if err != nil {
		t.Fatalf("RsaUnwrapEncryption: %v", err)
	}
	if unwrapped.Kind != enc.Kind || !bytes.Equal(unwrapped.Token, enc.Token) {
		t.Fatalf("unwrap did not recover original token")
	}
}

func TestKeyPairPEMRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	pubPEM, err := EncodePublicKeyPEM(kp.Public)
	if err != nil {
		t.Fatalf("EncodePublicKeyPEM: %v", err)
	}
	privPEM := EncodePrivateKeyPEM(kp.Private)

	parsedPub, err := ParsePublicKeyPEM(pubPEM)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}
	parsedPriv, err := ParsePrivateKeyPEM(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKeyPEM: %v", err)
	}
	if parsedPub.E != kp.Public.E || parsedPub.N.Cmp(kp.Public.N) != 0 {
		t.Fatalf("parsed public key does not match original")
	}
	if parsedPriv.D.Cmp(kp.Private.D) != 0 {
		t.Fatalf("parsed private key does not match original")
	}
}
