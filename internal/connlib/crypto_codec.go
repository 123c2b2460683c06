package connlib

import (
	"fmt"
	"io"
	"sync"

	"github.com/quhxuxm/ppaass-v3/internal/cryptoops"
	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
)

// cryptoCodec is C2: a length-delimited framing layer where each frame's
// payload is independently encrypted. The two directions of a hop use
// independent Encryption descriptors (the initiator's token encrypts what it
// sends, the responder's token encrypts what it sends), so the codec is
// built with a separate encoder and decoder rather than one shared cipher.
type cryptoCodec struct {
	rw      io.ReadWriter
	encoder cryptoops.Encryption // used to encrypt frames this side writes
	decoder cryptoops.Encryption // used to decrypt frames this side reads

	writeMu sync.Mutex
	readMu  sync.Mutex
}

func newCryptoCodec(rw io.ReadWriter, encoder, decoder cryptoops.Encryption) *cryptoCodec {
	return &cryptoCodec{rw: rw, encoder: encoder, decoder: decoder}
}

// WriteFrame encrypts plaintext with the write-direction key and sends it as
// one length-delimited frame.
func (c *cryptoCodec) WriteFrame(plaintext []byte) error {
	ciphertext, err := cryptoops.Encrypt(c.encoder, plaintext)
	if err != nil {
		return fmt.Errorf("encrypting frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(c.rw, ciphertext); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one length-delimited frame and decrypts it with the
// read-direction key.
func (c *cryptoCodec) ReadFrame() ([]byte, error) {
	c.readMu.Lock()
	ciphertext, err := readFrame(c.rw)
	c.readMu.Unlock()
	if err != nil {
		return nil, err
	}
	plaintext, err := cryptoops.Decrypt(c.decoder, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting frame: %w", relayerr.ErrBadCipherInput, err)
	}
	return plaintext, nil
}
