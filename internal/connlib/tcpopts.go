package connlib

import "net"

// SetTCPNoDelay disables Nagle's algorithm on conn if it is a TCP
// connection, and is a no-op otherwise.
func SetTCPNoDelay(conn net.Conn) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(true)
	}
	return nil
}
