// Package peer manages authenticated connections to other nodes and the
// directory of known and connected peers.
package peer

import (
	"bufio"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/onionmesh/internal/crypto"
	"github.com/postalsys/onionmesh/internal/identity"
	"github.com/postalsys/onionmesh/internal/logging"
	"github.com/postalsys/onionmesh/internal/protocol"
)

var (
	// ErrHandshakeTimeout is returned when the remote does not send its
	// HANDSHAKE in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrHandshakeFailed is returned for malformed or unauthenticated handshakes.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSelfConnection is returned when a node connects to itself.
	ErrSelfConnection = errors.New("connection to self")
)

// DefaultHandshakeTimeout bounds the wait for the remote HANDSHAKE.
const DefaultHandshakeTimeout = 5 * time.Second

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// ConnectionState represents the state of a peer connection.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateHandshaking
	StateEstablished
	StateClosed
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Direction records which side opened the connection.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Connection is one authenticated link to a remote node.
type Connection struct {
	local     *identity.NodeIdentity
	advertise protocol.PeerInfo
	direction Direction
	conn      net.Conn
	scanner   *bufio.Scanner
	writeWait time.Duration
	logger    *slog.Logger

	// Set once by the handshake.
	remoteKey    string
	remoteVerify *ecdsa.PublicKey
	remoteListen protocol.PeerInfo
	dialAddr     string

	state        atomic.Int32
	writeMu      sync.Mutex
	lastActivity atomic.Int64
	established  time.Time

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	onMessage    func(*Connection, *protocol.Message)
	onDisconnect func(*Connection, error)
	onDropped    func(*Connection, *protocol.Message, error)
}

// ConnectionConfig contains configuration for a connection.
type ConnectionConfig struct {
	Identity  *identity.NodeIdentity
	Advertise protocol.PeerInfo // listen address sent in the handshake, optional
	Direction Direction
	Logger    *slog.Logger

	// WriteTimeout bounds each frame write. A peer that stops reading is
	// disconnected once it expires.
	WriteTimeout time.Duration

	// OnMessage receives every authenticated message after the handshake.
	OnMessage func(*Connection, *protocol.Message)

	// OnDisconnect runs once when the connection closes.
	OnDisconnect func(*Connection, error)

	// OnDropped is told about inbound messages rejected by the read loop.
	OnDropped func(*Connection, *protocol.Message, error)
}

// NewConnection wraps conn. Call Handshake before Run.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineSize+1)
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	c := &Connection{
		local:        cfg.Identity,
		advertise:    cfg.Advertise,
		direction:    cfg.Direction,
		conn:         conn,
		scanner:      scanner,
		writeWait:    cfg.WriteTimeout,
		logger:       logging.OrNop(cfg.Logger),
		closed:       make(chan struct{}),
		onMessage:    cfg.OnMessage,
		onDisconnect: cfg.OnDisconnect,
		onDropped:    cfg.OnDropped,
	}
	c.state.Store(int32(StateConnecting))
	c.touch()
	return c
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// Direction reports who opened the connection.
func (c *Connection) Direction() Direction {
	return c.direction
}

// RemoteKey returns the remote node's base64 public key. Empty before the
// handshake completes.
func (c *Connection) RemoteKey() string {
	return c.remoteKey
}

// RemoteListen returns the address the remote accepts connections on, if known.
func (c *Connection) RemoteListen() (protocol.PeerInfo, bool) {
	return c.remoteListen, c.remoteListen.Host != ""
}

// RemoteAddr returns the transport's remote address.
func (c *Connection) RemoteAddr() string {
	if c.conn == nil || c.conn.RemoteAddr() == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// DialAddr is the host:port used to open an outbound connection.
func (c *Connection) DialAddr() string {
	return c.dialAddr
}

// EstablishedAt returns when the handshake completed.
func (c *Connection) EstablishedAt() time.Time {
	return c.established
}

// LastActivity returns the time of the last read or write.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// ============================================================================
// Handshake
// ============================================================================

// Handshake exchanges HANDSHAKE messages. Outbound connections send first
// and then wait; inbound connections wait first and then reply. A missing
// or invalid reply closes the connection.
func (c *Connection) Handshake(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	c.setState(StateHandshaking)

	var err error
	if c.direction == Outbound {
		if err = c.sendHandshake(); err == nil {
			err = c.awaitHandshake(timeout)
		}
	} else {
		if err = c.awaitHandshake(timeout); err == nil {
			err = c.sendHandshake()
		}
	}
	if err != nil {
		c.closeWithError(err, false)
		return err
	}

	c.established = time.Now()
	c.setState(StateEstablished)
	return nil
}

func (c *Connection) sendHandshake() error {
	hs := protocol.Handshake{PublicKey: c.local.PublicKey()}
	if c.advertise.Host != "" && c.advertise.Port > 0 {
		hs.ListenHost = c.advertise.Host
		hs.ListenPort = c.advertise.Port
	}
	msg, err := protocol.NewMessage(hs)
	if err != nil {
		return err
	}
	if err := c.write(msg); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	return nil
}

func (c *Connection) awaitHandshake(timeout time.Duration) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	defer c.conn.SetReadDeadline(time.Time{})

	if !c.scanner.Scan() {
		err := c.scanner.Err()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrHandshakeTimeout
		}
		if err == nil {
			err = ErrConnectionClosed
		}
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	c.touch()

	msg, err := protocol.Decode(c.scanner.Text())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	hs, ok := msg.Payload.(protocol.Handshake)
	if !ok {
		return fmt.Errorf("%w: expected HANDSHAKE, got %s", ErrHandshakeFailed, msg.Type)
	}

	verify, err := crypto.DecodeVerifyKey(hs.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if !verifyMessage(verify, msg) {
		return fmt.Errorf("%w: handshake not signed by its key", ErrHandshakeFailed)
	}
	if hs.PublicKey == c.local.PublicKey() {
		return ErrSelfConnection
	}

	c.remoteKey = hs.PublicKey
	c.remoteVerify = verify
	if info, ok := hs.Listen(); ok {
		c.remoteListen = info
	}
	return nil
}

// ============================================================================
// Read loop
// ============================================================================

// Run reads frames until the connection closes. Each authenticated
// message is handed to OnMessage in arrival order. Malformed or
// unauthenticated frames are dropped; I/O errors close the connection.
func (c *Connection) Run() {
	for c.scanner.Scan() {
		c.touch()

		msg, err := protocol.Decode(c.scanner.Text())
		if err != nil {
			c.drop(nil, err)
			continue
		}
		if err := c.authenticate(msg); err != nil {
			c.drop(msg, err)
			continue
		}
		if msg.Type == protocol.TypeHandshake {
			c.drop(msg, fmt.Errorf("%w: repeated handshake", ErrHandshakeFailed))
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c, msg)
		}
	}

	err := c.scanner.Err()
	if err == nil {
		err = ErrConnectionClosed
	}
	c.closeWithError(err, true)
}

// ErrBadSignature is reported for messages whose signature does not verify.
var ErrBadSignature = errors.New("invalid message signature")

// ErrUnsigned is reported for circuit messages without a signature.
var ErrUnsigned = errors.New("unsigned circuit message")

// authenticate checks msg against the key proven in the handshake.
// Circuit messages must be signed; discovery messages may be unsigned,
// but a present signature must always verify.
func (c *Connection) authenticate(msg *protocol.Message) error {
	if !msg.Signed() {
		if msg.Type.IsCircuit() {
			return ErrUnsigned
		}
		return nil
	}
	if !verifyMessage(c.remoteVerify, msg) {
		return ErrBadSignature
	}
	return nil
}

func (c *Connection) drop(msg *protocol.Message, err error) {
	attrs := []any{logging.KeyPeer, logging.ShortKey(c.remoteKey), logging.KeyError, err}
	if msg != nil {
		attrs = append(attrs, logging.KeyMessageType, msg.Type, logging.KeyMessageID, msg.ID)
	}
	c.logger.Warn("dropping inbound message", attrs...)
	if c.onDropped != nil {
		c.onDropped(c, msg, err)
	}
}

func verifyMessage(pub *ecdsa.PublicKey, msg *protocol.Message) bool {
	if !msg.Signed() {
		return false
	}
	body, err := msg.SigningBytes()
	if err != nil {
		return false
	}
	return crypto.VerifyBase64WithKey(pub, body, msg.Signature)
}

// ============================================================================
// Send / close
// ============================================================================

// Send signs msg if it is unsigned and writes it as one frame. Concurrent
// calls never interleave.
func (c *Connection) Send(msg *protocol.Message) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	if err := c.write(msg); err != nil {
		c.closeWithError(err, true)
		return err
	}
	return nil
}

func (c *Connection) write(msg *protocol.Message) error {
	if !msg.Signed() {
		body, err := msg.SigningBytes()
		if err != nil {
			return err
		}
		sig, err := c.local.Sign(body)
		if err != nil {
			return err
		}
		msg.Signature = sig
	}

	line, err := msg.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	c.touch()
	return nil
}

// Disconnect closes the connection. It is idempotent.
func (c *Connection) Disconnect() {
	c.closeWithError(nil, true)
}

func (c *Connection) closeWithError(err error, notify bool) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.setState(StateClosed)
		close(c.closed)
		c.conn.Close()
		if notify && c.onDisconnect != nil {
			c.onDisconnect(c, err)
		}
	})
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that closed the connection, if any.
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// String returns a string representation.
func (c *Connection) String() string {
	return fmt.Sprintf("Peer{key=%s, dir=%s, state=%s, addr=%s}",
		logging.ShortKey(c.remoteKey), c.direction, c.State(), c.RemoteAddr())
}
