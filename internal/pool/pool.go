// Package pool is C6: a bounded pool of already-handshaken, already in
// PhaseTunnelCtl proxy connections, kept warm by a background fill task and
// a background health-check task so that TunnelInit on the hot path never
// waits for a fresh TCP dial, RSA handshake, and round trip.
package pool

import (
	"context"
	"crypto/rsa"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog/log"

	"github.com/quhxuxm/ppaass-v3/internal/connlib"
	"github.com/quhxuxm/ppaass-v3/internal/metrics"
	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
	"github.com/quhxuxm/ppaass-v3/internal/userrepo"
)

// ConnectionInfoSelector picks which forward proxy address a new pooled
// connection should dial. The default implementation picks uniformly at
// random among the user's configured proxy servers.
type ConnectionInfoSelector interface {
	Select(username string, rec *userrepo.Record) (string, error)
}

// DefaultSelector is grounded on the original project's
// ProxyTcpConnectionInfoSelector default impl: pick a random address from
// the user's proxy_servers list.
type DefaultSelector struct{}

func (DefaultSelector) Select(username string, rec *userrepo.Record) (string, error) {
	if len(rec.ProxyServers) == 0 {
		return "", fmt.Errorf("user %s has no configured proxy servers", username)
	}
	return rec.ProxyServers[rand.Intn(len(rec.ProxyServers))], nil
}

// Config bundles the pool's tunable knobs.
type Config struct {
	MaxPoolSize        int
	FillInterval       time.Duration
	CheckInterval      time.Duration
	ConnectionMaxAlive time.Duration
	HeartbeatTimeout   time.Duration
	ConnectTimeout     time.Duration
	RetakeInterval     time.Duration
	MaxTakeAttempts    int
}

// element wraps a pooled Connection with the bookkeeping the check task
// sorts on.
type element struct {
	conn              *connlib.Connection
	peerAddr          net.Addr
	createdAt         time.Time
	lastCheckedAt     time.Time
	lastCheckDuration time.Duration
}

// Pool is C6: bounded, self-filling, self-checking proxy connection pool.
type Pool struct {
	cfg      Config
	username string
	ownPriv  *rsa.PrivateKey
	userRepo userrepo.Repository
	selector ConnectionInfoSelector

	mu       sync.Mutex
	elements []*element

	filling atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pool but does not start its background tasks; call
// Start to do that.
func New(cfg Config, username string, ownPriv *rsa.PrivateKey, userRepo userrepo.Repository, selector ConnectionInfoSelector) *Pool {
	if selector == nil {
		selector = DefaultSelector{}
	}
	return &Pool{
		cfg:      cfg,
		username: username,
		ownPriv:  ownPriv,
		userRepo: userRepo,
		selector: selector,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the fill and check background loops.
func (p *Pool) Start() {
	p.wg.Add(2)
	go p.fillLoop()
	go p.checkLoop()
}

// Stop terminates the background loops and closes every pooled connection.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.elements {
		e.conn.Close()
	}
	p.elements = nil
}

func (p *Pool) fillLoop() {
	defer p.wg.Done()
	p.fill()
	ticker := time.NewTicker(p.cfg.FillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.fill()
		case <-p.stopCh:
			return
		}
	}
}

// fill tops the pool up to MaxPoolSize, fanning out one goroutine per
// missing slot via errgroup so a single slow/failing dial doesn't block the
// others. A "filling" flag keeps overlapping fill cycles (a ticker tick
// landing while the previous fill is still dialing) from both racing to
// create the same number of connections.
func (p *Pool) fill() {
	if !p.filling.CompareAndSwap(false, true) {
		return
	}
	defer p.filling.Store(false)

	p.mu.Lock()
	current := len(p.elements)
	p.mu.Unlock()
	need := p.cfg.MaxPoolSize - current
	if need <= 0 {
		return
	}

	var mu sync.Mutex
	created := make([]*element, 0, need)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < need; i++ {
		g.Go(func() error {
			e, err := p.createOne(ctx)
			if err != nil {
				log.Warn().Err(err).Str("username", p.username).Msg("failed to create pooled proxy connection")
				return nil // one failed dial must not cancel the rest
			}
			mu.Lock()
			created = append(created, e)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range created {
		if len(p.elements) >= p.cfg.MaxPoolSize {
			e.conn.Close()
			continue
		}
		p.elements = append(p.elements, e)
	}
	metrics.PoolSize.Set(float64(len(p.elements)))
}

func (p *Pool) createOne(ctx context.Context) (*element, error) {
	conn, err := Dial(ctx, p.username, p.ownPriv, p.userRepo, p.selector, p.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &element{conn: conn, peerAddr: conn.RemoteAddr(), createdAt: now, lastCheckedAt: now}, nil
}

// Dial builds a single initiator-handshaken connection outside of any pool:
// look up the user's record, pick a candidate address, dial with a timeout,
// and run the handshake. Pool.createOne uses this, and so does a caller that
// has no pool configured at all (dispatching "fresh" per C7/C8).
func Dial(ctx context.Context, username string, ownPriv *rsa.PrivateKey, userRepo userrepo.Repository, selector ConnectionInfoSelector, connectTimeout time.Duration) (*connlib.Connection, error) {
	if selector == nil {
		selector = DefaultSelector{}
	}
	rec, err := userRepo.Get(username)
	if err != nil {
		return nil, err
	}
	addr, err := selector.Select(username, rec)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: connectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing forward proxy %s: %w", relayerr.ErrConnectTimeout, addr, err)
	}
	_ = connlib.SetTCPNoDelay(rawConn)
	conn := connlib.NewConnection(rawConn)
	if err := conn.InitiatorHandshake(username, rec.PublicKey, ownPriv); err != nil {
		rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (p *Pool) checkLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.check()
		case <-p.stopCh:
			return
		}
	}
}

// check health-checks every pooled connection concurrently (a heartbeat
// round trip), drops anything that failed or outlived
// ConnectionMaxAlive, and re-sorts survivors by (latency asc,
// last-checked-at asc) so Take always hands out the freshest, fastest
// connection first. It defers to a fill already in progress instead of
// racing it -- the two never run concurrently against p.elements.
func (p *Pool) check() {
	if !p.filling.CompareAndSwap(false, true) {
		return
	}
	defer p.filling.Store(false)

	p.mu.Lock()
	batch := p.elements
	p.elements = nil
	p.mu.Unlock()

	var mu sync.Mutex
	survivors := make([]*element, 0, len(batch))
	var g errgroup.Group
	for _, e := range batch {
		e := e
		g.Go(func() error {
			now := time.Now()
			if now.Sub(e.createdAt) > p.cfg.ConnectionMaxAlive {
				e.conn.Close()
				return nil
			}
			start := time.Now()
			if err := e.conn.Heartbeat(start.UnixMilli()); err != nil {
				log.Debug().Err(err).Str("peer", e.peerAddr.String()).Msg("dropping proxy connection that failed its health check")
				e.conn.Close()
				return nil
			}
			e.lastCheckDuration = time.Since(start)
			e.lastCheckedAt = start
			mu.Lock()
			survivors = append(survivors, e)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].lastCheckDuration != survivors[j].lastCheckDuration {
			return survivors[i].lastCheckDuration < survivors[j].lastCheckDuration
		}
		return survivors[i].lastCheckedAt.Before(survivors[j].lastCheckedAt)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(survivors) > p.cfg.MaxPoolSize {
		for _, extra := range survivors[p.cfg.MaxPoolSize:] {
			extra.conn.Close()
		}
		survivors = survivors[:p.cfg.MaxPoolSize]
	}
	p.elements = append(survivors, p.elements...)
	metrics.PoolSize.Set(float64(len(p.elements)))
}

// Take removes and returns the best (front-of-queue) pooled connection. If
// the pool is empty it triggers an immediate fill and retries with
// RetakeInterval backoff, up to MaxTakeAttempts, before giving up with
// relayerr.ConnectionExhausted.
func (p *Pool) Take(ctx context.Context) (*connlib.Connection, error) {
	for attempt := 0; attempt < p.cfg.MaxTakeAttempts; attempt++ {
		select {
		case <-p.stopCh:
			return nil, relayerr.ErrPoolClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		p.mu.Lock()
		if len(p.elements) > 0 {
			e := p.elements[0]
			p.elements = p.elements[1:]
			p.mu.Unlock()
			metrics.PoolSize.Set(float64(p.Size()))
			return e.conn, nil
		}
		p.mu.Unlock()

		p.fill()

		p.mu.Lock()
		empty := len(p.elements) == 0
		p.mu.Unlock()
		if empty {
			select {
			case <-time.After(p.cfg.RetakeInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-p.stopCh:
				return nil, relayerr.ErrPoolClosed
			}
		}
	}
	return nil, relayerr.NewConnectionExhausted(nil)
}

// Size reports the current number of idle pooled connections, used by
// internal/metrics.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.elements)
}

// MaxSize reports the pool's configured MaxPoolSize, used to build an
// internal/adminapi.PoolStatsProvider.
func (p *Pool) MaxSize() int {
	return p.cfg.MaxPoolSize
}
