package agentfront

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
	"github.com/quhxuxm/ppaass-v3/internal/wire"
)

// handleHTTP implements both the HTTP CONNECT adapter (tunnel the raw bytes
// of the upgraded connection) and the plain HTTP adapter (speak HTTP/1 to
// the proxy as transport, relaying one request/response at a time), the way
// the original agent's http.rs drives hyper but without its connection
// pooling library, since a persistent client connection is served request
// by request here too.
func (d *Dispatcher) handleHTTP(ctx context.Context, connID string, clientConn net.Conn, br *bufio.Reader) error {
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("%w: reading client http request: %w", relayerr.ErrIo, err)
		}

		if req.Method == http.MethodConnect {
			return d.handleHTTPConnect(ctx, connID, clientConn, br, req)
		}
		if err := d.handleHTTPForward(ctx, connID, clientConn, req); err != nil {
			return err
		}
		if req.Close {
			return nil
		}
	}
}

func httpDestination(req *http.Request, defaultPort uint16) (wire.UnifiedAddress, error) {
	host := req.URL.Hostname()
	if host == "" {
		host = req.Host
	}
	if host == "" {
		return wire.UnifiedAddress{}, fmt.Errorf("%w: http request %s has no destination host", relayerr.ErrUnsupportedProtocol, req.RequestURI)
	}
	port := defaultPort
	if p := req.URL.Port(); p != "" {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err == nil {
			port = uint16(n)
		}
	}
	return wire.NewUnifiedAddress(host, port), nil
}

func (d *Dispatcher) handleHTTPConnect(ctx context.Context, connID string, clientConn net.Conn, br *bufio.Reader, req *http.Request) error {
	destination, err := httpDestination(req, 443)
	if err != nil {
		return err
	}

	proxyConn, err := d.takeProxyConnection(ctx)
	if err != nil {
		fmt.Fprintf(clientConn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return err
	}

	initResp, err := proxyConn.TunnelInit(destination, false)
	if err != nil {
		proxyConn.Close()
		fmt.Fprintf(clientConn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return err
	}
	if !initResp.Success {
		proxyConn.Close()
		fmt.Fprintf(clientConn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return fmt.Errorf("%w: http connect tunnel init rejected, reason %d", relayerr.ErrDestinationUnreach, initResp.Failure)
	}
	defer proxyConn.Close()

	if _, err := fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return fmt.Errorf("%w: writing http connect success reply: %w", relayerr.ErrIo, err)
	}

	stream, err := proxyConn.RelayStream()
	if err != nil {
		return err
	}
	log.Debug().Str("conn_id", connID).Stringer("destination", destinationStringer{destination}).Msg("http connect tunnel established")
	relayBidirectional(connID, br, clientConn, stream, d.cfg.AgentToProxyRelayBufferSize, d.cfg.ProxyToAgentRelayBufferSize)
	return nil
}

// handleHTTPForward proxies a single non-CONNECT request over a fresh proxy
// tunnel used as an HTTP/1 transport: write the request to the tunnel, read
// one HTTP response back, and relay it to the client -- the same shape as
// the teacher's proxyToHTTP (write request to the backend connection, then
// http.ReadResponse off a bufio.Reader wrapping it).
func (d *Dispatcher) handleHTTPForward(ctx context.Context, connID string, clientConn net.Conn, req *http.Request) error {
	destination, err := httpDestination(req, 80)
	if err != nil {
		httpWriteError(clientConn, http.StatusBadRequest, err)
		return nil
	}

	proxyConn, err := d.takeProxyConnection(ctx)
	if err != nil {
		httpWriteError(clientConn, http.StatusBadGateway, err)
		return err
	}

	initResp, err := proxyConn.TunnelInit(destination, false)
	if err != nil {
		proxyConn.Close()
		httpWriteError(clientConn, http.StatusBadGateway, err)
		return err
	}
	if !initResp.Success {
		proxyConn.Close()
		httpWriteError(clientConn, http.StatusBadGateway, fmt.Errorf("tunnel init rejected, reason %d", initResp.Failure))
		return nil
	}
	defer proxyConn.Close()

	stream, err := proxyConn.RelayStream()
	if err != nil {
		return err
	}

	req.RequestURI = ""
	if err := req.Write(stream); err != nil {
		httpWriteError(clientConn, http.StatusBadGateway, err)
		return fmt.Errorf("%w: writing client request to proxy tunnel: %w", relayerr.ErrIo, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(stream), req)
	if err != nil {
		httpWriteError(clientConn, http.StatusBadGateway, err)
		return fmt.Errorf("%w: reading proxy response: %w", relayerr.ErrIo, err)
	}
	defer resp.Body.Close()

	if err := resp.Write(clientConn); err != nil {
		return fmt.Errorf("%w: writing response to client: %w", relayerr.ErrIo, err)
	}
	log.Debug().Str("conn_id", connID).Stringer("destination", destinationStringer{destination}).Int("status", resp.StatusCode).Msg("http forward completed")
	return nil
}

func httpWriteError(w io.Writer, status int, cause error) {
	log.Debug().Err(cause).Int("status", status).Msg("http adapter returning error response")
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", status, http.StatusText(status))
}

type destinationStringer struct{ addr wire.UnifiedAddress }

func (d destinationStringer) String() string { return d.addr.String() }
