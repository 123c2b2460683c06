package connlib

import (
	"fmt"
	"io"

	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
	"github.com/quhxuxm/ppaass-v3/internal/wire"
)

// C3: the handshake codec. Frames are plaintext length-delimited -- the
// handshake's own job is to establish the symmetric keys that every later
// frame will use, so it can't itself be encrypted.

func writeHandshakeRequest(w io.Writer, req wire.HandshakeRequest) error {
	if err := writeFrame(w, wire.EncodeHandshakeRequest(req)); err != nil {
		return fmt.Errorf("writing handshake request: %w", err)
	}
	return nil
}

func readHandshakeRequest(r io.Reader) (wire.HandshakeRequest, error) {
	payload, err := readFrame(r)
	if err != nil {
		return wire.HandshakeRequest{}, fmt.Errorf("reading handshake request: %w", err)
	}
	req, err := wire.DecodeHandshakeRequest(payload)
	if err != nil {
		return wire.HandshakeRequest{}, fmt.Errorf("%w: decoding handshake request: %w", relayerr.ErrHandshakeFailed, err)
	}
	return req, nil
}

func writeHandshakeResponse(w io.Writer, resp wire.HandshakeResponse) error {
	if err := writeFrame(w, wire.EncodeHandshakeResponse(resp)); err != nil {
		return fmt.Errorf("writing handshake response: %w", err)
	}
	return nil
}

func readHandshakeResponse(r io.Reader) (wire.HandshakeResponse, error) {
	payload, err := readFrame(r)
	if err != nil {
		return wire.HandshakeResponse{}, fmt.Errorf("reading handshake response: %w", err)
	}
	resp, err := wire.DecodeHandshakeResponse(payload)
	if err != nil {
		return wire.HandshakeResponse{}, fmt.Errorf("%w: decoding handshake response: %w", relayerr.ErrHandshakeFailed, err)
	}
	return resp, nil
}
