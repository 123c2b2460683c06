package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/quhxuxm/ppaass-v3/internal/cryptoops"
	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
)

// This file implements the canonical binary encoding shared by every wire
// type: enum discriminants are little-endian u32, strings are a u64 LE
// length prefix followed by raw utf8, and a SocketAddr is a single tag byte
// (0 = v4, 1 = v6) followed by the raw address octets and a u16 LE port.
// Nothing here is self-describing -- the reader must already know which
// type comes next, same as the length-delimited codecs that carry these
// bytes.

func writeUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeUint16(w *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func writeUint64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func writeInt64(w *bytes.Buffer, v int64) {
	writeUint64(w, uint64(v))
}

func writeString(w *bytes.Buffer, s string) {
	writeUint64(w, uint64(len(s)))
	w.WriteString(s)
}

func writeBytes(w *bytes.Buffer, b []byte) {
	writeUint64(w, uint64(len(b)))
	w.Write(b)
}

func writeBool(w *bytes.Buffer, v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readInt64(r io.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

// maxFieldLen guards length-prefixed reads against a corrupt or hostile
// peer claiming an absurd length and exhausting memory.
const maxFieldLen = 16 * 1024 * 1024

func readString(r io.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	if n > maxFieldLen {
		return "", fmt.Errorf("%w: string length %d exceeds limit", relayerr.ErrSerialization, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readBytesField(r io.Reader) ([]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen {
		return nil, fmt.Errorf("%w: byte field length %d exceeds limit", relayerr.ErrSerialization, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func writeEncryption(w *bytes.Buffer, enc cryptoops.Encryption) {
	writeUint32(w, uint32(enc.Kind))
	if enc.Kind != cryptoops.KindPlain {
		writeBytes(w, enc.Token)
	}
}

func readEncryption(r io.Reader) (cryptoops.Encryption, error) {
	kindVal, err := readUint32(r)
	if err != nil {
		return cryptoops.Encryption{}, err
	}
	kind := cryptoops.Kind(kindVal)
	if kind == cryptoops.KindPlain {
		return cryptoops.Plain, nil
	}
	token, err := readBytesField(r)
	if err != nil {
		return cryptoops.Encryption{}, err
	}
	return cryptoops.Encryption{Kind: kind, Token: token}, nil
}

func writeSocketAddr(w *bytes.Buffer, ip net.IP, port uint16) {
	if v4 := ip.To4(); v4 != nil {
		w.WriteByte(0)
		w.Write(v4)
	} else {
		w.WriteByte(1)
		w.Write(ip.To16())
	}
	writeUint16(w, port)
}

func readSocketAddr(r io.Reader) (net.IP, uint16, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, 0, err
	}
	var octets []byte
	switch tag[0] {
	case 0:
		octets = make([]byte, 4)
	case 1:
		octets = make([]byte, 16)
	default:
		return nil, 0, fmt.Errorf("%w: unknown socket address tag %d", relayerr.ErrSerialization, tag[0])
	}
	if _, err := io.ReadFull(r, octets); err != nil {
		return nil, 0, err
	}
	port, err := readUint16(r)
	if err != nil {
		return nil, 0, err
	}
	return net.IP(octets), port, nil
}

func writeUnifiedAddress(w *bytes.Buffer, addr UnifiedAddress) {
	writeUint32(w, uint32(addr.Kind))
	switch addr.Kind {
	case UnifiedAddressIP:
		writeSocketAddr(w, addr.IP, addr.Port)
	case UnifiedAddressDomain:
		writeString(w, addr.Host)
		writeUint16(w, addr.Port)
	}
}

func readUnifiedAddress(r io.Reader) (UnifiedAddress, error) {
	kindVal, err := readUint32(r)
	if err != nil {
		return UnifiedAddress{}, err
	}
	switch UnifiedAddressKind(kindVal) {
	case UnifiedAddressIP:
		ip, port, err := readSocketAddr(r)
		if err != nil {
			return UnifiedAddress{}, err
		}
		return UnifiedAddress{Kind: UnifiedAddressIP, IP: ip, Port: port}, nil
	case UnifiedAddressDomain:
		host, err := readString(r)
		if err != nil {
			return UnifiedAddress{}, err
		}
		port, err := readUint16(r)
		if err != nil {
			return UnifiedAddress{}, err
		}
		return UnifiedAddress{Kind: UnifiedAddressDomain, Host: host, Port: port}, nil
	default:
		return UnifiedAddress{}, fmt.Errorf("%w: unknown unified address discriminant %d", relayerr.ErrSerialization, kindVal)
	}
}

// EncodeHandshakeRequest serializes a HandshakeRequest to its canonical form.
func EncodeHandshakeRequest(req HandshakeRequest) []byte {
	var buf bytes.Buffer
	writeString(&buf, req.Authentication)
	writeEncryption(&buf, req.Encryption)
	return buf.Bytes()
}

// DecodeHandshakeRequest parses a HandshakeRequest from its canonical form.
func DecodeHandshakeRequest(data []byte) (HandshakeRequest, error) {
	r := bytes.NewReader(data)
	auth, err := readString(r)
	if err != nil {
		return HandshakeRequest{}, fmt.Errorf("%w: handshake request authentication: %w", relayerr.ErrSerialization, err)
	}
	enc, err := readEncryption(r)
	if err != nil {
		return HandshakeRequest{}, fmt.Errorf("%w: handshake request encryption: %w", relayerr.ErrSerialization, err)
	}
	return HandshakeRequest{Authentication: auth, Encryption: enc}, nil
}

// EncodeHandshakeResponse serializes a HandshakeResponse to its canonical form.
func EncodeHandshakeResponse(resp HandshakeResponse) []byte {
	var buf bytes.Buffer
	writeEncryption(&buf, resp.Encryption)
	return buf.Bytes()
}

// DecodeHandshakeResponse parses a HandshakeResponse from its canonical form.
func DecodeHandshakeResponse(data []byte) (HandshakeResponse, error) {
	r := bytes.NewReader(data)
	enc, err := readEncryption(r)
	if err != nil {
		return HandshakeResponse{}, fmt.Errorf("%w: handshake response encryption: %w", relayerr.ErrSerialization, err)
	}
	return HandshakeResponse{Encryption: enc}, nil
}

// EncodeTunnelControlRequest serializes a TunnelControlRequest to its
// canonical form.
func EncodeTunnelControlRequest(req TunnelControlRequest) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, uint32(req.Kind))
	switch req.Kind {
	case TunnelControlRequestHeartbeat:
		writeInt64(&buf, req.Heartbeat.TimestampMillis)
	case TunnelControlRequestTunnelInit:
		writeUnifiedAddress(&buf, req.TunnelInit.DestinationAddress)
		writeBool(&buf, req.TunnelInit.KeepAlive)
	}
	return buf.Bytes()
}

// DecodeTunnelControlRequest parses a TunnelControlRequest from its
// canonical form.
func DecodeTunnelControlRequest(data []byte) (TunnelControlRequest, error) {
	r := bytes.NewReader(data)
	kindVal, err := readUint32(r)
	if err != nil {
		return TunnelControlRequest{}, fmt.Errorf("%w: tunnel control request discriminant: %w", relayerr.ErrSerialization, err)
	}
	switch TunnelControlRequestKind(kindVal) {
	case TunnelControlRequestHeartbeat:
		ts, err := readInt64(r)
		if err != nil {
			return TunnelControlRequest{}, fmt.Errorf("%w: heartbeat request: %w", relayerr.ErrSerialization, err)
		}
		return TunnelControlRequest{Kind: TunnelControlRequestHeartbeat, Heartbeat: HeartbeatRequest{TimestampMillis: ts}}, nil
	case TunnelControlRequestTunnelInit:
		addr, err := readUnifiedAddress(r)
		if err != nil {
			return TunnelControlRequest{}, fmt.Errorf("%w: tunnel init request address: %w", relayerr.ErrSerialization, err)
		}
		keepAlive, err := readBool(r)
		if err != nil {
			return TunnelControlRequest{}, fmt.Errorf("%w: tunnel init request keep_alive: %w", relayerr.ErrSerialization, err)
		}
		return TunnelControlRequest{Kind: TunnelControlRequestTunnelInit, TunnelInit: TunnelInitRequest{DestinationAddress: addr, KeepAlive: keepAlive}}, nil
	default:
		return TunnelControlRequest{}, fmt.Errorf("%w: unknown tunnel control request discriminant %d", relayerr.ErrSerialization, kindVal)
	}
}

// EncodeTunnelControlResponse serializes a TunnelControlResponse to its
// canonical form.
func EncodeTunnelControlResponse(resp TunnelControlResponse) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, uint32(resp.Kind))
	switch resp.Kind {
	case TunnelControlResponseHeartbeat:
		writeInt64(&buf, resp.Heartbeat.TimestampMillis)
	case TunnelControlResponseTunnelInit:
		if resp.TunnelInit.Success {
			writeUint32(&buf, 0)
		} else {
			writeUint32(&buf, 1)
			writeUint32(&buf, uint32(resp.TunnelInit.Failure))
		}
	}
	return buf.Bytes()
}

// DecodeTunnelControlResponse parses a TunnelControlResponse from its
// canonical form.
func DecodeTunnelControlResponse(data []byte) (TunnelControlResponse, error) {
	r := bytes.NewReader(data)
	kindVal, err := readUint32(r)
	if err != nil {
		return TunnelControlResponse{}, fmt.Errorf("%w: tunnel control response discriminant: %w", relayerr.ErrSerialization, err)
	}
	switch TunnelControlResponseKind(kindVal) {
	case TunnelControlResponseHeartbeat:
		ts, err := readInt64(r)
		if err != nil {
			return TunnelControlResponse{}, fmt.Errorf("%w: heartbeat response: %w", relayerr.ErrSerialization, err)
		}
		return TunnelControlResponse{Kind: TunnelControlResponseHeartbeat, Heartbeat: HeartbeatResponse{TimestampMillis: ts}}, nil
	case TunnelControlResponseTunnelInit:
		statusVal, err := readUint32(r)
		if err != nil {
			return TunnelControlResponse{}, fmt.Errorf("%w: tunnel init response status: %w", relayerr.ErrSerialization, err)
		}
		if statusVal == 0 {
			return TunnelControlResponse{Kind: TunnelControlResponseTunnelInit, TunnelInit: TunnelInitResponse{Success: true}}, nil
		}
		reasonVal, err := readUint32(r)
		if err != nil {
			return TunnelControlResponse{}, fmt.Errorf("%w: tunnel init response failure reason: %w", relayerr.ErrSerialization, err)
		}
		return TunnelControlResponse{
			Kind:       TunnelControlResponseTunnelInit,
			TunnelInit: TunnelInitResponse{Success: false, Failure: TunnelInitFailureReason(reasonVal)},
		}, nil
	default:
		return TunnelControlResponse{}, fmt.Errorf("%w: unknown tunnel control response discriminant %d", relayerr.ErrSerialization, kindVal)
	}
}
