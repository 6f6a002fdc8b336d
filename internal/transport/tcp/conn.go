// Package tcp dials raw TCP streams for the protocol.
package tcp

import (
	"context"
	"fmt"
	"net"
	"time"
)

// KeepAlivePeriod is the TCP keep-alive interval set on dialed connections.
const KeepAlivePeriod = 30 * time.Second

// Dial opens a TCP connection to address with no-delay and keep-alive enabled.
func Dial(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: KeepAlivePeriod}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}
