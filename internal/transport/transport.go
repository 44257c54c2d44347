// Package transport provides the stream transports peers connect over.
// Every transport yields a plain net.Conn carrying newline-delimited frames.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/netutil"
)

// Kind identifies the transport protocol.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "ws"
)

// Transport creates and accepts peer connections.
type Transport interface {
	// Dial connects to a remote node at host:port.
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Listen accepts connections on addr.
	Listen(addr string, opts ListenOptions) (net.Listener, error)

	// Kind returns the transport identifier.
	Kind() Kind

	// Close shuts down the transport and its listeners.
	Close() error
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// Path is the HTTP path for the WebSocket transport.
	Path string

	// MaxConns caps simultaneously open inbound connections. 0 means no cap.
	MaxConns int
}

// DialTimeout is used when Dial is called without a deadline.
const DialTimeout = 10 * time.Second

// New returns the transport for kind.
func New(kind Kind) (Transport, error) {
	switch kind {
	case KindTCP, "":
		return NewTCPTransport(), nil
	case KindWebSocket:
		return NewWebSocketTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// limit wraps ln so at most n connections are open at once.
func limit(ln net.Listener, n int) net.Listener {
	if n <= 0 {
		return ln
	}
	return netutil.LimitListener(ln, n)
}
