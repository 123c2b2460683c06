package agentfront

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
	"github.com/quhxuxm/ppaass-v3/internal/wire"
)

const (
	socks5NoAuth      = 0x00
	socks5NoAcceptable = 0xFF

	socks5CmdConnect      = 0x01
	socks5CmdBind         = 0x02
	socks5CmdUDPAssociate = 0x03

	socks5AtypIPv4   = 0x01
	socks5AtypDomain = 0x03
	socks5AtypIPv6   = 0x04

	socks5ReplySucceeded            = 0x00
	socks5ReplyGeneralFailure       = 0x01
	socks5ReplyCommandNotSupported  = 0x07
)

// handleSocks5 implements RFC 1928's no-authentication handshake and the
// CONNECT command; BIND and UDP ASSOCIATE are rejected with the matching
// reply code. No SOCKS5 library ships in this module's dependency set, so
// the wire parsing below is hand-rolled against the RFC the same way the
// original agent would have delegated to a socks5 crate it never actually
// implemented.
func (d *Dispatcher) handleSocks5(ctx context.Context, connID string, clientConn net.Conn, br *bufio.Reader) error {
	if err := socks5ReadGreeting(br); err != nil {
		return err
	}
	if _, err := clientConn.Write([]byte{socks5Version, socks5NoAuth}); err != nil {
		return fmt.Errorf("%w: writing socks5 auth reply: %w", relayerr.ErrIo, err)
	}

	cmd, destination, err := socks5ReadRequest(br)
	if err != nil {
		return err
	}
	if cmd != socks5CmdConnect {
		log.Debug().Str("conn_id", connID).Msg("rejecting unsupported socks5 command")
		_ = socks5WriteReply(clientConn, socks5ReplyCommandNotSupported)
		return nil
	}

	proxyConn, err := d.takeProxyConnection(ctx)
	if err != nil {
		_ = socks5WriteReply(clientConn, socks5ReplyGeneralFailure)
		return err
	}

	initResp, err := proxyConn.TunnelInit(destination, false)
	if err != nil {
		proxyConn.Close()
		_ = socks5WriteReply(clientConn, socks5ReplyGeneralFailure)
		return err
	}
	if !initResp.Success {
		proxyConn.Close()
		_ = socks5WriteReply(clientConn, socks5ReplyGeneralFailure)
		return fmt.Errorf("%w: socks5 tunnel init rejected, reason %d", relayerr.ErrDestinationUnreach, initResp.Failure)
	}
	defer proxyConn.Close()

	if err := socks5WriteReply(clientConn, socks5ReplySucceeded); err != nil {
		return err
	}

	stream, err := proxyConn.RelayStream()
	if err != nil {
		return err
	}
	relayBidirectional(connID, br, clientConn, stream, d.cfg.AgentToProxyRelayBufferSize, d.cfg.ProxyToAgentRelayBufferSize)
	return nil
}

func socks5ReadGreeting(br *bufio.Reader) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(br, header); err != nil {
		return fmt.Errorf("%w: reading socks5 greeting: %w", relayerr.ErrIo, err)
	}
	if header[0] != socks5Version {
		return fmt.Errorf("%w: unexpected socks version %d", relayerr.ErrUnsupportedProtocol, header[0])
	}
	methods := make([]byte, header[1])
	if _, err := io.ReadFull(br, methods); err != nil {
		return fmt.Errorf("%w: reading socks5 auth methods: %w", relayerr.ErrIo, err)
	}
	return nil
}

func socks5ReadRequest(br *bufio.Reader) (cmd byte, destination wire.UnifiedAddress, err error) {
	header := make([]byte, 4)
	if _, err = io.ReadFull(br, header); err != nil {
		return 0, wire.UnifiedAddress{}, fmt.Errorf("%w: reading socks5 request header: %w", relayerr.ErrIo, err)
	}
	if header[0] != socks5Version {
		return 0, wire.UnifiedAddress{}, fmt.Errorf("%w: unexpected socks version %d", relayerr.ErrUnsupportedProtocol, header[0])
	}
	cmd = header[1]

	var host string
	switch header[3] {
	case socks5AtypIPv4:
		ip := make(net.IP, net.IPv4len)
		if _, err = io.ReadFull(br, ip); err != nil {
			return 0, wire.UnifiedAddress{}, fmt.Errorf("%w: reading socks5 ipv4 address: %w", relayerr.ErrIo, err)
		}
		host = ip.String()
	case socks5AtypIPv6:
		ip := make(net.IP, net.IPv6len)
		if _, err = io.ReadFull(br, ip); err != nil {
			return 0, wire.UnifiedAddress{}, fmt.Errorf("%w: reading socks5 ipv6 address: %w", relayerr.ErrIo, err)
		}
		host = ip.String()
	case socks5AtypDomain:
		lenByte := make([]byte, 1)
		if _, err = io.ReadFull(br, lenByte); err != nil {
			return 0, wire.UnifiedAddress{}, fmt.Errorf("%w: reading socks5 domain length: %w", relayerr.ErrIo, err)
		}
		domain := make([]byte, lenByte[0])
		if _, err = io.ReadFull(br, domain); err != nil {
			return 0, wire.UnifiedAddress{}, fmt.Errorf("%w: reading socks5 domain: %w", relayerr.ErrIo, err)
		}
		host = string(domain)
	default:
		return 0, wire.UnifiedAddress{}, fmt.Errorf("%w: unsupported socks5 address type %d", relayerr.ErrUnsupportedProtocol, header[3])
	}

	portBytes := make([]byte, 2)
	if _, err = io.ReadFull(br, portBytes); err != nil {
		return 0, wire.UnifiedAddress{}, fmt.Errorf("%w: reading socks5 port: %w", relayerr.ErrIo, err)
	}
	port := binary.BigEndian.Uint16(portBytes)
	return cmd, wire.NewUnifiedAddress(host, port), nil
}

// socks5WriteReply writes a minimal CONNECT reply: a bound address of
// 0.0.0.0:0, which is acceptable to clients that only act on the reply code
// (the tunnel's relay phase doesn't expose a meaningful local bind address).
func socks5WriteReply(w io.Writer, reply byte) error {
	buf := []byte{socks5Version, reply, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: writing socks5 reply: %w", relayerr.ErrIo, err)
	}
	return nil
}
