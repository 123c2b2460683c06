// Package agentfront is C7: the agent-side dispatcher that sits in front of
// a client TCP stream, works out which client-facing protocol it is
// speaking (HTTP or SOCKS5), derives the destination address, and hands the
// connection off to one of two protocol adapters to drive a proxy tunnel.
package agentfront

import (
	"bufio"
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quhxuxm/ppaass-v3/internal/connlib"
	"github.com/quhxuxm/ppaass-v3/internal/pool"
	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
	"github.com/quhxuxm/ppaass-v3/internal/userrepo"
)

const (
	socks5Version = 0x05
	socks4Version = 0x04
)

// Config bundles the dispatcher's tunables, mirroring the agent-side
// connection and relay buffer sizes the spec's configuration surface names.
type Config struct {
	ConnectTimeout              time.Duration
	AgentToProxyRelayBufferSize int
	ProxyToAgentRelayBufferSize int
}

// Dispatcher drives the agent's client-facing surface: peek the first byte
// of every accepted connection, route to the matching adapter, acquire a
// proxy tunnel (pooled if a Pool is configured, freshly dialed otherwise),
// and run the adapter to completion.
type Dispatcher struct {
	cfg      Config
	username string
	ownPriv  *rsa.PrivateKey
	userRepo userrepo.Repository
	selector pool.ConnectionInfoSelector
	pool     *pool.Pool // nil means dial fresh on every connection
}

// New constructs a Dispatcher. pool may be nil, in which case every
// connection dials and handshakes its own proxy tunnel.
func New(cfg Config, username string, ownPriv *rsa.PrivateKey, userRepo userrepo.Repository, selector pool.ConnectionInfoSelector, p *pool.Pool) *Dispatcher {
	return &Dispatcher{cfg: cfg, username: username, ownPriv: ownPriv, userRepo: userRepo, selector: selector, pool: p}
}

// HandleConnection dispatches one accepted client connection by its first
// byte: SOCKS5, SOCKS4 or (anything else) HTTP. A SOCKS4 client is rejected
// with an ErrUnsupportedProtocol error and no reply is written to it. The
// SOCKS5 and HTTP handlers return an error when the connection is
// abandoned, including after a failed proxy tunnel was already reported to
// the client (a SOCKS5 failure reply or an HTTP 502).
func (d *Dispatcher) HandleConnection(ctx context.Context, clientConn net.Conn) error {
	connID := uuid.NewString()
	remote := clientConn.RemoteAddr()
	br := bufio.NewReader(clientConn)
	marker, err := br.Peek(1)
	if err != nil {
		return fmt.Errorf("%w: peeking client protocol marker from %s: %w", relayerr.ErrIo, remote, err)
	}

	switch marker[0] {
	case socks5Version:
		log.Debug().Str("conn_id", connID).Stringer("client", remote).Msg("dispatching socks5 client")
		return d.handleSocks5(ctx, connID, clientConn, br)
	case socks4Version:
		log.Debug().Str("conn_id", connID).Stringer("client", remote).Msg("rejecting socks4 client")
		return fmt.Errorf("%w: socks4 is not supported", relayerr.ErrUnsupportedProtocol)
	default:
		log.Debug().Str("conn_id", connID).Stringer("client", remote).Msg("dispatching http client")
		return d.handleHTTP(ctx, connID, clientConn, br)
	}
}

// takeProxyConnection acquires a handshaken, PhaseTunnelCtl proxy connection
// either from the pool (if configured) or by dialing fresh.
func (d *Dispatcher) takeProxyConnection(ctx context.Context) (*connlib.Connection, error) {
	if d.pool != nil {
		return d.pool.Take(ctx)
	}
	return pool.Dial(ctx, d.username, d.ownPriv, d.userRepo, d.selector, d.cfg.ConnectTimeout)
}
