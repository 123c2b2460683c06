// Package proxytun is C8: the proxy-side tunnel state machine. It accepts
// an agent (or cascading proxy) connection, runs the responder handshake,
// waits for a TunnelInit, and then either opens a direct connection to the
// requested destination or cascades the TunnelInit onto a forward proxy,
// before running the bidirectional relay.
package proxytun

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quhxuxm/ppaass-v3/internal/connlib"
	"github.com/quhxuxm/ppaass-v3/internal/dnsresolve"
	"github.com/quhxuxm/ppaass-v3/internal/pool"
	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
	"github.com/quhxuxm/ppaass-v3/internal/userrepo"
	"github.com/quhxuxm/ppaass-v3/internal/wire"
)

// Config bundles the proxy tunnel's tunables.
type Config struct {
	DestinationConnectTimeout        time.Duration
	ProxyToDestinationRelayBufferSize int
	DestinationToProxyRelayBufferSize int
}

// Forward describes an optional cascade to a next-hop proxy: when set, a
// TunnelInit is satisfied by forwarding it to another proxy tunnel instead
// of dialing the destination directly.
type Forward struct {
	Username string
	OwnPriv  *rsa.PrivateKey
	UserRepo userrepo.Repository
	Selector pool.ConnectionInfoSelector
	Pool     *pool.Pool // nil: dial fresh per TunnelInit via pool.Dial
}

// StateMachine drives the proxy side of a single agent connection from
// PhaseNew through to the end of the Relay phase.
type StateMachine struct {
	cfg      Config
	userRepo userrepo.Repository
	ownPriv  *rsa.PrivateKey
	forward  *Forward // nil: this proxy terminates tunnels directly
	resolver *dnsresolve.Resolver // nil: let net.Dialer resolve domains itself
}

// New constructs a StateMachine. forward may be nil for a terminal
// (non-cascading) proxy. resolver may be nil, in which case a
// UnifiedAddress::Domain destination is resolved by net.Dialer itself
// instead of through internal/dnsresolve.
func New(cfg Config, userRepo userrepo.Repository, ownPriv *rsa.PrivateKey, forward *Forward, resolver *dnsresolve.Resolver) *StateMachine {
	return &StateMachine{cfg: cfg, userRepo: userRepo, ownPriv: ownPriv, forward: forward, resolver: resolver}
}

// HandleConnection drives one accepted agent TCP connection end to end.
func (s *StateMachine) HandleConnection(ctx context.Context, agentRawConn net.Conn) error {
	connID := uuid.NewString()
	_ = connlib.SetTCPNoDelay(agentRawConn)

	agentConn := connlib.NewConnection(agentRawConn)
	lookup := userrepo.PublicKeyLookup(s.userRepo)
	username, err := agentConn.ResponderHandshake(lookup, s.ownPriv)
	if err != nil {
		agentConn.Close()
		log.Debug().Str("conn_id", connID).Err(err).Msg("proxy handshake failed")
		return err
	}
	log.Debug().Str("conn_id", connID).Str("username", username).Msg("proxy handshake complete")

	for {
		initReq, err := agentConn.WaitTunnelInit()
		if err != nil {
			agentConn.Close()
			return err
		}

		destStream, ok, err := s.establishDestination(ctx, connID, initReq.DestinationAddress)
		if err != nil {
			log.Debug().Str("conn_id", connID).Err(err).Msg("failed to establish destination")
		}
		if !ok {
			if err := agentConn.RespondTunnelInit(false, wire.FailureInitWithDestinationFail); err != nil {
				agentConn.Close()
				return err
			}
			agentConn.Close()
			return nil
		}

		if err := agentConn.RespondTunnelInit(true, 0); err != nil {
			destStream.Close()
			agentConn.Close()
			return err
		}

		agentStream, err := agentConn.RelayStream()
		if err != nil {
			destStream.Close()
			agentConn.Close()
			return err
		}

		relayBidirectional(connID, agentStream, destStream, s.cfg.ProxyToDestinationRelayBufferSize, s.cfg.DestinationToProxyRelayBufferSize)
		agentConn.Close()
		return nil
	}
}

// destinationStream is either a direct net.Conn to the destination or a
// RelayStream on a cascaded forward-proxy tunnel; both close cleanly and
// satisfy io.ReadWriteCloser.
type destinationStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// establishDestination satisfies one TunnelInit either by dialing the
// requested destination directly or by cascading onto a forward proxy,
// depending on whether s.forward is configured.
func (s *StateMachine) establishDestination(ctx context.Context, connID string, destination wire.UnifiedAddress) (destinationStream, bool, error) {
	if s.forward == nil {
		return s.dialDirect(ctx, destination)
	}
	return s.cascadeForward(ctx, connID, destination)
}

func (s *StateMachine) dialDirect(ctx context.Context, destination wire.UnifiedAddress) (destinationStream, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DestinationConnectTimeout)
	defer cancel()

	target := destination.String()
	if s.resolver != nil && destination.Kind == wire.UnifiedAddressDomain {
		ip, err := s.resolver.Resolve(ctx, destination.Host)
		if err != nil {
			return nil, false, fmt.Errorf("%w: resolving destination %s: %w", relayerr.ErrDestinationUnreach, destination, err)
		}
		target = net.JoinHostPort(ip, strconv.Itoa(int(destination.Port)))
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, false, fmt.Errorf("%w: dialing destination %s: %w", relayerr.ErrDestinationUnreach, destination, err)
	}
	_ = connlib.SetTCPNoDelay(conn)
	return conn, true, nil
}

func (s *StateMachine) cascadeForward(ctx context.Context, connID string, destination wire.UnifiedAddress) (destinationStream, bool, error) {
	var forwardConn *connlib.Connection
	var err error
	if s.forward.Pool != nil {
		forwardConn, err = s.forward.Pool.Take(ctx)
	} else {
		forwardConn, err = pool.Dial(ctx, s.forward.Username, s.forward.OwnPriv, s.forward.UserRepo, s.forward.Selector, s.cfg.DestinationConnectTimeout)
	}
	if err != nil {
		return nil, false, err
	}

	initResp, err := forwardConn.TunnelInit(destination, false)
	if err != nil {
		forwardConn.Close()
		return nil, false, err
	}
	if !initResp.Success {
		forwardConn.Close()
		log.Debug().Str("conn_id", connID).Int("failure_reason", int(initResp.Failure)).Msg("cascaded tunnel init rejected")
		return nil, false, nil
	}

	stream, err := forwardConn.RelayStream()
	if err != nil {
		forwardConn.Close()
		return nil, false, err
	}
	return forwardRelayStream{stream: stream, conn: forwardConn}, true, nil
}

// forwardRelayStream adapts a cascaded Connection's RelayStream so closing
// it also closes the underlying forward-proxy Connection.
type forwardRelayStream struct {
	stream *connlib.RelayStream
	conn   *connlib.Connection
}

func (f forwardRelayStream) Read(p []byte) (int, error)  { return f.stream.Read(p) }
func (f forwardRelayStream) Write(p []byte) (int, error) { return f.stream.Write(p) }
func (f forwardRelayStream) Close() error                { return f.conn.Close() }
