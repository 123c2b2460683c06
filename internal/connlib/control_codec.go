package connlib

import (
	"fmt"

	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
	"github.com/quhxuxm/ppaass-v3/internal/wire"
)

// C4: the tunnel-control codec. Control messages are carried as crypto-codec
// frames, so they're confidential the moment the handshake completes.

func writeTunnelControlRequest(c *cryptoCodec, req wire.TunnelControlRequest) error {
	if err := c.WriteFrame(wire.EncodeTunnelControlRequest(req)); err != nil {
		return fmt.Errorf("writing tunnel control request: %w", err)
	}
	return nil
}

func readTunnelControlRequest(c *cryptoCodec) (wire.TunnelControlRequest, error) {
	payload, err := c.ReadFrame()
	if err != nil {
		return wire.TunnelControlRequest{}, fmt.Errorf("reading tunnel control request: %w", err)
	}
	req, err := wire.DecodeTunnelControlRequest(payload)
	if err != nil {
		return wire.TunnelControlRequest{}, fmt.Errorf("%w: decoding tunnel control request: %w", relayerr.ErrUnexpectedControl, err)
	}
	return req, nil
}

func writeTunnelControlResponse(c *cryptoCodec, resp wire.TunnelControlResponse) error {
	if err := c.WriteFrame(wire.EncodeTunnelControlResponse(resp)); err != nil {
		return fmt.Errorf("writing tunnel control response: %w", err)
	}
	return nil
}

func readTunnelControlResponse(c *cryptoCodec) (wire.TunnelControlResponse, error) {
	payload, err := c.ReadFrame()
	if err != nil {
		return wire.TunnelControlResponse{}, fmt.Errorf("reading tunnel control response: %w", err)
	}
	resp, err := wire.DecodeTunnelControlResponse(payload)
	if err != nil {
		return wire.TunnelControlResponse{}, fmt.Errorf("%w: decoding tunnel control response: %w", relayerr.ErrUnexpectedControl, err)
	}
	return resp, nil
}
