// Package adminapi is the read-only HTTP admin surface for the agent and
// proxy binaries: liveness, prometheus scraping, a pool snapshot, and a
// websocket feed of live connection events for an operator dashboard.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// PoolStats is a point-in-time snapshot of a proxy-connection pool,
// reported at /admin/pool.
type PoolStats struct {
	IdleConnections int `json:"idle_connections"`
	MaxPoolSize     int `json:"max_pool_size"`
}

// PoolStatsProvider is satisfied by internal/pool.Pool (Size) paired with
// its configured MaxPoolSize; callers that have no pool (a terminal proxy
// with no forward target) pass nil and /admin/pool reports zero values.
type PoolStatsProvider func() PoolStats

// ConnectionEvent is what Publish broadcasts to /admin/live subscribers.
// The agent and proxy tunnel code does not call Publish, so the feed only
// carries events that some other caller publishes.
type ConnectionEvent struct {
	ConnID    string    `json:"conn_id"`
	Role      string    `json:"role"` // "agent" or "proxy"
	Kind      string    `json:"kind"` // "opened" or "closed"
	Timestamp time.Time `json:"timestamp"`
}

// API wires the admin routes onto a chi.Router.
type API struct {
	poolStats PoolStatsProvider

	mu   sync.Mutex
	subs map[chan ConnectionEvent]struct{}
}

// New constructs an API. poolStats may be nil when the binary has no pool
// to report on.
func New(poolStats PoolStatsProvider) *API {
	return &API{poolStats: poolStats, subs: make(map[chan ConnectionEvent]struct{})}
}

// Publish fans a connection lifecycle event out to every connected
// /admin/live websocket subscriber, dropping it for any subscriber whose
// buffer is full rather than blocking the caller.
func (a *API) Publish(ev ConnectionEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Router builds a chi.Router exposing the admin surface.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/admin/pool", a.handlePool)
	r.Get("/admin/live", a.handleLive)
	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) handlePool(w http.ResponseWriter, r *http.Request) {
	stats := PoolStats{}
	if a.poolStats != nil {
		stats = a.poolStats()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := make(chan ConnectionEvent, 32)
	a.mu.Lock()
	a.subs[ch] = struct{}{}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.subs, ch)
		a.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case ev := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				log.Debug().Err(err).Msg("admin live feed write failed, dropping subscriber")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
