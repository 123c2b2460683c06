package agentfront

import (
	"io"

	"github.com/rs/zerolog/log"

	"github.com/quhxuxm/ppaass-v3/internal/metrics"
)

// relayBidirectional copies bytes in both directions between the client
// side (split into reader/writer since the client side is usually a
// bufio.Reader wrapping a net.Conn whose writes go directly to the
// underlying socket) and the proxy relay stream, with independently sized
// buffers per direction as the spec's distinct
// agent_to_proxy/proxy_to_agent_data_relay_buffer_size options require.
func relayBidirectional(connID string, clientReader io.Reader, clientWriter io.Writer, proxyStream io.ReadWriter, agentToProxyBufSize, proxyToAgentBufSize int) {
	if agentToProxyBufSize <= 0 {
		agentToProxyBufSize = 32 * 1024
	}
	if proxyToAgentBufSize <= 0 {
		proxyToAgentBufSize = 32 * 1024
	}

	metrics.ActiveTunnels.WithLabelValues("agent").Inc()
	defer metrics.ActiveTunnels.WithLabelValues("agent").Dec()

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := io.CopyBuffer(proxyStream, clientReader, make([]byte, agentToProxyBufSize))
		metrics.RelayBytesTotal.WithLabelValues("agent_to_proxy").Add(float64(n))
		log.Debug().Str("conn_id", connID).Int64("bytes", n).Err(err).Msg("agent to proxy relay finished")
	}()

	n, err := io.CopyBuffer(clientWriter, proxyStream, make([]byte, proxyToAgentBufSize))
	metrics.RelayBytesTotal.WithLabelValues("proxy_to_agent").Add(float64(n))
	log.Debug().Str("conn_id", connID).Int64("bytes", n).Err(err).Msg("proxy to agent relay finished")
	<-done
}
