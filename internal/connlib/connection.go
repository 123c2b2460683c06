package connlib

import (
	"crypto/rsa"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quhxuxm/ppaass-v3/internal/cryptoops"
	"github.com/quhxuxm/ppaass-v3/internal/metrics"
	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
	"github.com/quhxuxm/ppaass-v3/internal/wire"
)

// Connection is C5: a net.Conn wrapped with the phase-typed protocol
// sequence New -> TunnelCtl -> Relay. A freshly dialed or accepted socket
// starts in PhaseNew; a successful handshake moves it to PhaseTunnelCtl; a
// successful TunnelInit moves it to PhaseRelay. Trying to call a phase's
// operations out of order returns relayerr.ErrWrongPhase.
type Connection struct {
	conn net.Conn

	mu    sync.Mutex
	phase Phase

	codec *cryptoCodec // set once the handshake completes
}

// NewConnection wraps a raw socket in PhaseNew.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{conn: conn, phase: PhaseNew}
}

// Phase returns the connection's current phase.
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// RemoteAddr exposes the underlying socket's peer address, used in pool and
// error-reporting contexts.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.conn.Close()
}

func (c *Connection) advance(next Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.phase.canAdvanceTo(next) {
		return fmt.Errorf("%w: cannot advance from %s to %s", relayerr.ErrWrongPhase, c.phase, next)
	}
	c.phase = next
	return nil
}

func (c *Connection) requirePhase(want Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != want {
		return fmt.Errorf("%w: operation requires phase %s, connection is in %s", relayerr.ErrWrongPhase, want, c.phase)
	}
	return nil
}

// InitiatorHandshake runs the handshake from the side that opens the
// tunnel (the agent dialing a proxy, or a proxy cascading to another
// proxy). It generates this side's own Encryption, RSA-wraps it with the
// peer's public key, and unwraps the peer's chosen Encryption with ownPriv
// -- this side's own private key, used to decrypt the responder's reply.
func (c *Connection) InitiatorHandshake(authentication string, peerPub *rsa.PublicKey, ownPriv *rsa.PrivateKey) error {
	if err := c.requirePhase(PhaseNew); err != nil {
		return err
	}
	ownEnc, err := cryptoops.RandomEncryption()
	if err != nil {
		metrics.HandshakeTotal.WithLabelValues("initiator", "failure").Inc()
		return fmt.Errorf("%w: generating initiator encryption: %w", relayerr.ErrHandshakeFailed, err)
	}
	wrapped, err := cryptoops.RsaWrapEncryption(ownEnc, peerPub)
	if err != nil {
		metrics.HandshakeTotal.WithLabelValues("initiator", "failure").Inc()
		return fmt.Errorf("%w: wrapping initiator encryption: %w", relayerr.ErrHandshakeFailed, err)
	}
	if err := writeHandshakeRequest(c.conn, wire.HandshakeRequest{Authentication: authentication, Encryption: wrapped}); err != nil {
		metrics.HandshakeTotal.WithLabelValues("initiator", "failure").Inc()
		return fmt.Errorf("%w: %w", relayerr.ErrHandshakeFailed, err)
	}
	resp, err := readHandshakeResponse(c.conn)
	if err != nil {
		metrics.HandshakeTotal.WithLabelValues("initiator", "failure").Inc()
		return fmt.Errorf("%w: %w", relayerr.ErrHandshakeFailed, err)
	}
	peerEnc, err := cryptoops.RsaUnwrapEncryption(resp.Encryption, ownPriv)
	if err != nil {
		metrics.HandshakeTotal.WithLabelValues("initiator", "failure").Inc()
		return fmt.Errorf("%w: unwrapping responder encryption: %w", relayerr.ErrHandshakeFailed, err)
	}
	if peerEnc.Kind == cryptoops.KindPlain && ownEnc.Kind != cryptoops.KindPlain {
		metrics.HandshakeTotal.WithLabelValues("initiator", "failure").Inc()
		return fmt.Errorf("%w: responder chose plain encryption unilaterally", relayerr.ErrHandshakeFailed)
	}
	c.codec = newCryptoCodec(c.conn, ownEnc, peerEnc)
	if err := c.advance(PhaseTunnelCtl); err != nil {
		metrics.HandshakeTotal.WithLabelValues("initiator", "failure").Inc()
		return err
	}
	metrics.HandshakeTotal.WithLabelValues("initiator", "success").Inc()
	return nil
}

// PublicKeyLookup resolves a username's RSA public key during a responder
// handshake; userrepo.PublicKeyLookup adapts a userrepo.Repository to it,
// which lets connlib stay independent of the repository's storage details.
type PublicKeyLookup func(username string) (*rsa.PublicKey, error)

// ResponderHandshake runs the handshake from the side that accepts the
// tunnel (a proxy accepting from an agent or another proxy). It returns the
// authenticated username.
func (c *Connection) ResponderHandshake(lookup PublicKeyLookup, ownPriv *rsa.PrivateKey) (string, error) {
	if err := c.requirePhase(PhaseNew); err != nil {
		return "", err
	}
	req, err := readHandshakeRequest(c.conn)
	if err != nil {
		metrics.HandshakeTotal.WithLabelValues("responder", "failure").Inc()
		return "", fmt.Errorf("%w: %w", relayerr.ErrHandshakeFailed, err)
	}
	peerPub, err := lookup(req.Authentication)
	if err != nil {
		metrics.HandshakeTotal.WithLabelValues("responder", "failure").Inc()
		return "", err // already a relayerr.ErrUserNotFound/ErrUserExpired from the repository
	}
	peerEnc, err := cryptoops.RsaUnwrapEncryption(req.Encryption, ownPriv)
	if err != nil {
		metrics.HandshakeTotal.WithLabelValues("responder", "failure").Inc()
		return "", fmt.Errorf("%w: unwrapping initiator encryption: %w", relayerr.ErrHandshakeFailed, err)
	}
	ownEnc, err := cryptoops.RandomEncryption()
	if err != nil {
		metrics.HandshakeTotal.WithLabelValues("responder", "failure").Inc()
		return "", fmt.Errorf("%w: generating responder encryption: %w", relayerr.ErrHandshakeFailed, err)
	}
	if peerEnc.Kind == cryptoops.KindPlain && ownEnc.Kind != cryptoops.KindPlain {
		metrics.HandshakeTotal.WithLabelValues("responder", "failure").Inc()
		return "", fmt.Errorf("%w: initiator chose plain encryption unilaterally", relayerr.ErrHandshakeFailed)
	}
	wrapped, err := cryptoops.RsaWrapEncryption(ownEnc, peerPub)
	if err != nil {
		metrics.HandshakeTotal.WithLabelValues("responder", "failure").Inc()
		return "", fmt.Errorf("%w: wrapping responder encryption: %w", relayerr.ErrHandshakeFailed, err)
	}
	if err := writeHandshakeResponse(c.conn, wire.HandshakeResponse{Encryption: wrapped}); err != nil {
		metrics.HandshakeTotal.WithLabelValues("responder", "failure").Inc()
		return "", fmt.Errorf("%w: %w", relayerr.ErrHandshakeFailed, err)
	}
	c.codec = newCryptoCodec(c.conn, ownEnc, peerEnc)
	if err := c.advance(PhaseTunnelCtl); err != nil {
		metrics.HandshakeTotal.WithLabelValues("responder", "failure").Inc()
		return "", err
	}
	metrics.HandshakeTotal.WithLabelValues("responder", "success").Inc()
	return req.Authentication, nil
}

// Heartbeat sends a heartbeat request and waits for its echo, without
// changing phase. Used by the initiator side while it waits for a forward
// pool connection to stay warm, or to probe liveness during pooled idle
// time.
func (c *Connection) Heartbeat(timestampMillis int64) error {
	if err := c.requirePhase(PhaseTunnelCtl); err != nil {
		return err
	}
	if err := writeTunnelControlRequest(c.codec, wire.TunnelControlRequest{
		Kind:      wire.TunnelControlRequestHeartbeat,
		Heartbeat: wire.HeartbeatRequest{TimestampMillis: timestampMillis},
	}); err != nil {
		return err
	}
	resp, err := readTunnelControlResponse(c.codec)
	if err != nil {
		return err
	}
	if resp.Kind != wire.TunnelControlResponseHeartbeat {
		return fmt.Errorf("%w: expected heartbeat response, got kind %d", relayerr.ErrUnexpectedControl, resp.Kind)
	}
	return nil
}

// heartbeatFloodThreshold is the number of consecutive, back-to-back
// heartbeat responses (arriving faster than heartbeatFloodWindow apart) an
// initiator will tolerate while awaiting its terminal TunnelInit response,
// before it gives up on the peer. Heartbeat responses spaced further apart
// than the window never trip it, however many of them arrive over the
// connection's lifetime; only a rapid, un-paced burst does. The responder
// side has no symmetric protection.
const heartbeatFloodThreshold = 3
const heartbeatFloodWindow = 10 * time.Millisecond

// TunnelInit asks the responder to bind this tunnel to destination, and
// advances to PhaseRelay on success. While awaiting the terminal TunnelInit
// response it tolerates interleaved heartbeat responses, but fails with
// relayerr.ErrHeartbeatFlood if heartbeatFloodThreshold of them arrive back
// to back, each less than heartbeatFloodWindow after the previous one.
func (c *Connection) TunnelInit(destination wire.UnifiedAddress, keepAlive bool) (wire.TunnelInitResponse, error) {
	if err := c.requirePhase(PhaseTunnelCtl); err != nil {
		return wire.TunnelInitResponse{}, err
	}
	if err := writeTunnelControlRequest(c.codec, wire.TunnelControlRequest{
		Kind:       wire.TunnelControlRequestTunnelInit,
		TunnelInit: wire.TunnelInitRequest{DestinationAddress: destination, KeepAlive: keepAlive},
	}); err != nil {
		return wire.TunnelInitResponse{}, err
	}

	consecutiveHeartbeats := 0
	var lastHeartbeatAt time.Time
	for {
		resp, err := readTunnelControlResponse(c.codec)
		if err != nil {
			return wire.TunnelInitResponse{}, err
		}
		switch resp.Kind {
		case wire.TunnelControlResponseHeartbeat:
			now := time.Now()
			if !lastHeartbeatAt.IsZero() && now.Sub(lastHeartbeatAt) < heartbeatFloodWindow {
				consecutiveHeartbeats++
			} else {
				consecutiveHeartbeats = 1
			}
			lastHeartbeatAt = now
			if consecutiveHeartbeats >= heartbeatFloodThreshold {
				metrics.HeartbeatFloodTotal.Inc()
				return wire.TunnelInitResponse{}, relayerr.ErrHeartbeatFlood
			}
		case wire.TunnelControlResponseTunnelInit:
			if resp.TunnelInit.Success {
				if err := c.advance(PhaseRelay); err != nil {
					return wire.TunnelInitResponse{}, err
				}
				metrics.TunnelInitTotal.WithLabelValues("success").Inc()
			} else {
				metrics.TunnelInitTotal.WithLabelValues(resp.TunnelInit.Failure.String()).Inc()
			}
			return resp.TunnelInit, nil
		default:
			return wire.TunnelInitResponse{}, fmt.Errorf("%w: expected tunnel init response, got kind %d", relayerr.ErrUnexpectedControl, resp.Kind)
		}
	}
}

// WaitTunnelInit is the responder-side read loop: it answers heartbeats
// in place and returns the first TunnelInit request it sees. The responder
// has no flood protection of its own; see heartbeatFloodThreshold.
func (c *Connection) WaitTunnelInit() (wire.TunnelInitRequest, error) {
	if err := c.requirePhase(PhaseTunnelCtl); err != nil {
		return wire.TunnelInitRequest{}, err
	}
	for {
		req, err := readTunnelControlRequest(c.codec)
		if err != nil {
			return wire.TunnelInitRequest{}, err
		}
		switch req.Kind {
		case wire.TunnelControlRequestHeartbeat:
			if err := writeTunnelControlResponse(c.codec, wire.TunnelControlResponse{
				Kind:      wire.TunnelControlResponseHeartbeat,
				Heartbeat: wire.HeartbeatResponse{TimestampMillis: req.Heartbeat.TimestampMillis},
			}); err != nil {
				return wire.TunnelInitRequest{}, err
			}
		case wire.TunnelControlRequestTunnelInit:
			return req.TunnelInit, nil
		default:
			return wire.TunnelInitRequest{}, fmt.Errorf("%w: unknown tunnel control request kind %d", relayerr.ErrUnexpectedControl, req.Kind)
		}
	}
}

// RespondTunnelInit sends the responder's terminal TunnelInit verdict and,
// on success, advances to PhaseRelay.
func (c *Connection) RespondTunnelInit(success bool, failure wire.TunnelInitFailureReason) error {
	if err := c.requirePhase(PhaseTunnelCtl); err != nil {
		return err
	}
	if err := writeTunnelControlResponse(c.codec, wire.TunnelControlResponse{
		Kind:       wire.TunnelControlResponseTunnelInit,
		TunnelInit: wire.TunnelInitResponse{Success: success, Failure: failure},
	}); err != nil {
		return err
	}
	if success {
		metrics.TunnelInitTotal.WithLabelValues("success").Inc()
		return c.advance(PhaseRelay)
	}
	metrics.TunnelInitTotal.WithLabelValues(failure.String()).Inc()
	return nil
}

// RelayStream returns the encrypted, length-framed byte stream used once the
// connection has reached PhaseRelay.
func (c *Connection) RelayStream() (*RelayStream, error) {
	if err := c.requirePhase(PhaseRelay); err != nil {
		return nil, err
	}
	return &RelayStream{codec: c.codec}, nil
}
