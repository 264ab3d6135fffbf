package mqtt311

import (
	"context"
	"net"
	"time"
)

// Listener accepts client connections for the server.
// net.Listener satisfies this interface.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// Dialer opens client connections to a broker.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// TCPDialer dials plain TCP connections.
type TCPDialer struct {
	// Timeout bounds the connection attempt. Zero means no timeout
	// beyond the context deadline.
	Timeout time.Duration
}

func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", address)
}

// NewTCPListener listens for plain TCP connections on addr.
func NewTCPListener(addr string) (Listener, error) {
	return net.Listen("tcp", addr)
}
