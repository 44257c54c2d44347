package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsDefaultPath      = "/mesh"
	wsReadLimit        = 2 << 20 // two maximum-size frames
	wsSubprotocol      = "onionmesh/1"
	wsShutdownDeadline = 5 * time.Second
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// WebSocketTransport implements Transport over WebSocket, for networks
// where only HTTP traffic passes. Frames travel as text messages wrapped
// in a net.Conn.
type WebSocketTransport struct {
	mu        sync.Mutex
	listeners []*WebSocketListener
	closed    bool
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Kind returns the transport type.
func (t *WebSocketTransport) Kind() Kind {
	return KindWebSocket
}

// Dial connects to addr, either a ws:// URL or host:port.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
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

	conn, _, err := websocket.Dial(ctx, webSocketURL(addr), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	return websocket.NetConn(context.Background(), conn, websocket.MessageText), nil
}

// Listen serves WebSocket upgrades on addr.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (net.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}

	l := &WebSocketListener{
		netLn:   ln,
		connCh:  make(chan net.Conn, 16),
		closeCh: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleWebSocket)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: DialTimeout}

	go l.server.Serve(ln)

	t.listeners = append(t.listeners, l)
	return limit(l, opts.MaxConns), nil
}

// Close shuts down all listeners.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil
	return lastErr
}

// WebSocketListener adapts an HTTP upgrade endpoint to net.Listener.
type WebSocketListener struct {
	server  *http.Server
	netLn   net.Listener
	connCh  chan net.Conn
	closeCh chan struct{}
	closed  atomic.Bool
}

func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	nc := websocket.NetConn(context.Background(), conn, websocket.MessageText)
	select {
	case l.connCh <- nc:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for the next upgraded connection.
func (l *WebSocketListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.closeCh:
		return nil, ErrListenerClosed
	}
}

// Addr returns the underlying TCP address.
func (l *WebSocketListener) Addr() net.Addr {
	return l.netLn.Addr()
}

// Close stops the HTTP server.
func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), wsShutdownDeadline)
	defer cancel()
	return l.server.Shutdown(ctx)
}

func webSocketURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + wsDefaultPath
}
