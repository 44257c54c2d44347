package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// TCPTransport implements Transport over plain TCP.
type TCPTransport struct {
	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

// NewTCPTransport creates a new TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// Kind returns the transport type.
func (t *TCPTransport) Kind() Kind {
	return KindTCP
}

// Dial connects to addr.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("transport closed")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial failed: %w", err)
	}
	return conn, nil
}

// Listen creates a TCP listener.
func (t *TCPTransport) Listen(addr string, opts ListenOptions) (net.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	ln = limit(ln, opts.MaxConns)
	t.listeners = append(t.listeners, ln)
	return ln, nil
}

// Close closes all listeners.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, ln := range t.listeners {
		if err := ln.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil
	return lastErr
}
