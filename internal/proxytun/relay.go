package proxytun

import (
	"io"

	"github.com/rs/zerolog/log"

	"github.com/quhxuxm/ppaass-v3/internal/metrics"
)

// relayBidirectional copies bytes between the agent-facing relay stream and
// the destination stream concurrently, each direction sized by its own
// buffer, until either side's connection closes. The caller owns closing
// agentStream; relayBidirectional closes destStream as soon as the
// agent-to-destination direction ends, which also ends the other direction.
func relayBidirectional(connID string, agentStream io.ReadWriter, destStream io.ReadWriteCloser, proxyToDestBufSize, destToProxyBufSize int) {
	if proxyToDestBufSize <= 0 {
		proxyToDestBufSize = 32 * 1024
	}
	if destToProxyBufSize <= 0 {
		destToProxyBufSize = 32 * 1024
	}

	metrics.ActiveTunnels.WithLabelValues("proxy").Inc()
	defer metrics.ActiveTunnels.WithLabelValues("proxy").Dec()

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := io.CopyBuffer(destStream, agentStream, make([]byte, proxyToDestBufSize))
		metrics.RelayBytesTotal.WithLabelValues("proxy_to_destination").Add(float64(n))
		log.Debug().Str("conn_id", connID).Int64("bytes", n).Err(err).Msg("agent to destination relay finished")
		destStream.Close()
	}()
	n, err := io.CopyBuffer(agentStream, destStream, make([]byte, destToProxyBufSize))
	metrics.RelayBytesTotal.WithLabelValues("destination_to_proxy").Add(float64(n))
	log.Debug().Str("conn_id", connID).Int64("bytes", n).Err(err).Msg("destination to agent relay finished")
	<-done
	destStream.Close()
}
