// Package connlib implements the length-delimited, crypto-aware connection
// layer: the plaintext handshake codec, the encrypted tunnel-control codec,
// and the state-typed Connection that sequences a hop from a fresh socket
// through handshake and tunnel-control into raw byte relay.
package connlib

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
)

// maxFrameLen bounds a single frame's payload so a corrupt or hostile peer
// claiming a multi-gigabyte length can't be used to exhaust memory.
const maxFrameLen = 32 * 1024 * 1024

// writeFrame writes a u32 big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: writing frame length: %w", relayerr.ErrIo, err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("%w: writing frame payload: %w", relayerr.ErrIo, err)
	}
	return nil
}

// readFrame reads one length-delimited frame's payload.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading frame length: %w", relayerr.ErrIo, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit %d", relayerr.ErrBadCipherInput, n, maxFrameLen)
	}
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: reading frame payload: %w", relayerr.ErrIo, err)
	}
	return payload, nil
}
