// Package wire defines the protocol's data model and its canonical binary
// serialization: HandshakeRequest/Response (plaintext, pre-key-exchange) and
// TunnelControlRequest/Response (carried inside encrypted tunnel-control
// frames), plus the UnifiedAddress type both reference.
package wire

import (
	"net"
	"strconv"

	"github.com/quhxuxm/ppaass-v3/internal/cryptoops"
)

// HandshakeRequest is sent by the initiator of a hop (the agent side of any
// agent-to-proxy or proxy-to-proxy link).
type HandshakeRequest struct {
	Authentication string
	Encryption     cryptoops.Encryption
}

// HandshakeResponse carries the responder's independently chosen direction
// of encryption.
type HandshakeResponse struct {
	Encryption cryptoops.Encryption
}

// HeartbeatRequest carries the sender's timestamp (unix milliseconds).
type HeartbeatRequest struct {
	TimestampMillis int64
}

// HeartbeatResponse echoes a timestamp (unix milliseconds) back.
type HeartbeatResponse struct {
	TimestampMillis int64
}

// TunnelInitRequest binds a connection to a destination address.
type TunnelInitRequest struct {
	DestinationAddress UnifiedAddress
	KeepAlive          bool
}

// TunnelInitFailureReason enumerates why a TunnelInit failed.
type TunnelInitFailureReason int

const (
	FailureAuthenticateFail TunnelInitFailureReason = iota
	FailureInitWithDestinationFail
)

// String names a TunnelInitFailureReason for metrics labels and logging.
func (f TunnelInitFailureReason) String() string {
	switch f {
	case FailureAuthenticateFail:
		return "authenticate_fail"
	case FailureInitWithDestinationFail:
		return "init_with_destination_fail"
	default:
		return "unknown"
	}
}

// TunnelInitResponse is the terminal control response to a TunnelInit
// request: either Success, or Failure with a typed reason.
type TunnelInitResponse struct {
	Success bool
	Failure TunnelInitFailureReason // valid only if !Success
}

// TunnelControlRequestKind tags which variant a TunnelControlRequest holds.
type TunnelControlRequestKind int

const (
	TunnelControlRequestHeartbeat TunnelControlRequestKind = iota
	TunnelControlRequestTunnelInit
)

// TunnelControlRequest is Heartbeat(HeartbeatRequest) | TunnelInit(TunnelInitRequest).
type TunnelControlRequest struct {
	Kind       TunnelControlRequestKind
	Heartbeat  HeartbeatRequest  // valid if Kind == TunnelControlRequestHeartbeat
	TunnelInit TunnelInitRequest // valid if Kind == TunnelControlRequestTunnelInit
}

// TunnelControlResponseKind tags which variant a TunnelControlResponse holds.
type TunnelControlResponseKind int

const (
	TunnelControlResponseHeartbeat TunnelControlResponseKind = iota
	TunnelControlResponseTunnelInit
)

// TunnelControlResponse is Heartbeat(HeartbeatResponse) | TunnelInit(TunnelInitResponse).
type TunnelControlResponse struct {
	Kind       TunnelControlResponseKind
	Heartbeat  HeartbeatResponse  // valid if Kind == TunnelControlResponseHeartbeat
	TunnelInit TunnelInitResponse // valid if Kind == TunnelControlResponseTunnelInit
}

// UnifiedAddressKind tags which variant a UnifiedAddress holds.
type UnifiedAddressKind int

const (
	UnifiedAddressIP UnifiedAddressKind = iota
	UnifiedAddressDomain
)

// UnifiedAddress is Ip(SocketAddr) | Domain{host, port}. It is resolved to a
// set of net.IP addresses at connect time.
type UnifiedAddress struct {
	Kind UnifiedAddressKind

	IP   net.IP // valid if Kind == UnifiedAddressIP
	Port uint16 // valid for both variants

	Host string // valid if Kind == UnifiedAddressDomain
}

// NewUnifiedAddress builds a UnifiedAddress from a host and port, choosing
// the Ip variant when host parses as a literal IP address and the Domain
// variant otherwise.
func NewUnifiedAddress(host string, port uint16) UnifiedAddress {
	if ip := net.ParseIP(host); ip != nil {
		return UnifiedAddress{Kind: UnifiedAddressIP, IP: ip, Port: port}
	}
	return UnifiedAddress{Kind: UnifiedAddressDomain, Host: host, Port: port}
}

// String renders the address the way a log line or destination dial target
// would want it.
func (a UnifiedAddress) String() string {
	switch a.Kind {
	case UnifiedAddressIP:
		return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
	case UnifiedAddressDomain:
		return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
	default:
		return "invalid-unified-address"
	}
}
