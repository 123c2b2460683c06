// Package server is C10: the shared TCP accept-loop scaffold used by both
// the agent and the proxy binaries to turn a bound listener into a stream
// of handled connections, with graceful shutdown on context cancellation.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler processes one accepted connection. It is called in its own
// goroutine; ctx is cancelled when the server is asked to shut down, so a
// long-lived handler (the Relay phase of a tunnel) should watch it where
// practical but is not forcibly killed by it.
type Handler func(ctx context.Context, conn net.Conn) error

// Config bundles the scaffold's binding and shutdown knobs.
type Config struct {
	IPv6              bool
	Port              uint16
	ShutdownGraceTime time.Duration
}

func (c Config) listenAddress() string {
	if c.IPv6 {
		return fmt.Sprintf("[::]:%d", c.Port)
	}
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}

// Server owns a single TCP listener and dispatches every accepted
// connection to a Handler on its own goroutine, tracking in-flight
// handlers so Serve can wait for them to drain once its context ends.
type Server struct {
	cfg     Config
	handler Handler

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New constructs a Server bound to no listener yet; call Serve to listen
// and accept.
func New(cfg Config, handler Handler) *Server {
	return &Server{cfg: cfg, handler: handler}
}

// Serve opens the configured listener and accepts connections until ctx is
// cancelled, at which point it closes the listener, waits up to
// ShutdownGraceTime for in-flight handlers to finish, and returns nil.
// Accept errors other than the listener being closed are logged and do not
// stop the loop, mirroring a long-running service that should outlive a
// single transient accept failure.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.listenAddress())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.listenAddress(), err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("server listening")

	go func() {
		<-ctx.Done()
		log.Info().Str("addr", ln.Addr().String()).Msg("server shutting down")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			log.Warn().Err(err).Msg("accept error, continuing")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.handler(ctx, conn); err != nil {
				log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection handler returned an error")
			}
		}()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Info().Msg("server shutdown complete, all connections drained")
	case <-time.After(s.cfg.ShutdownGraceTime):
		log.Warn().Dur("grace", s.cfg.ShutdownGraceTime).Msg("server shutdown grace period elapsed with connections still in flight")
	}
	return nil
}

// Addr returns the bound listener's address, or nil if Serve has not yet
// accepted a listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
