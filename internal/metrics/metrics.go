// Package metrics is the prometheus instrumentation shared by the agent
// and proxy binaries: connection counts, relayed bytes by direction, and
// handshake/tunnel-init outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ActiveTunnels tracks tunnels currently in the Relay phase, labeled by
	// role ("agent" or "proxy") so a single process exposing both (a
	// combined agent+proxy deployment) can still be told apart.
	ActiveTunnels = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ppaass_active_tunnels",
		Help: "Number of tunnels currently in the relay phase",
	}, []string{"role"})

	// PoolSize reports the number of idle, already-handshaken connections
	// sitting in a proxy-connection pool.
	PoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ppaass_pool_idle_connections",
		Help: "Idle pooled proxy connections available for immediate use",
	})

	// HandshakeTotal counts handshake attempts by side ("initiator" or
	// "responder") and outcome ("success" or "failure").
	HandshakeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ppaass_handshake_total",
		Help: "Handshake attempts by side and outcome",
	}, []string{"side", "outcome"})

	// TunnelInitTotal counts TunnelInit round trips by outcome, using the
	// stringified failure reason ("success", "authenticate_fail",
	// "init_with_destination_fail", ...) as the label value.
	TunnelInitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ppaass_tunnel_init_total",
		Help: "TunnelInit attempts by outcome",
	}, []string{"outcome"})

	// RelayBytesTotal counts bytes copied by relayBidirectional-style
	// helpers, labeled by direction ("agent_to_proxy", "proxy_to_agent",
	// "proxy_to_destination", "destination_to_proxy").
	RelayBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ppaass_relay_bytes_total",
		Help: "Bytes relayed by direction",
	}, []string{"direction"})

	// HeartbeatFloodTotal counts initiator-side TunnelInit waits aborted
	// because heartbeat responses kept arriving inside connlib's fixed flood
	// window.
	HeartbeatFloodTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppaass_heartbeat_flood_total",
		Help: "Connections dropped for exceeding the heartbeat flood threshold",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveTunnels,
		PoolSize,
		HandshakeTotal,
		TunnelInitTotal,
		RelayBytesTotal,
		HeartbeatFloodTotal,
	)
}
