package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/postalsys/onionmesh/internal/backoff"
	"github.com/postalsys/onionmesh/internal/identity"
	"github.com/postalsys/onionmesh/internal/logging"
	"github.com/postalsys/onionmesh/internal/metrics"
	"github.com/postalsys/onionmesh/internal/protocol"
	"github.com/postalsys/onionmesh/internal/recovery"
	"github.com/postalsys/onionmesh/internal/transport"
)

var (
	// ErrTooManyPeers is returned when a connection arrives while the
	// connection limit is reached.
	ErrTooManyPeers = errors.New("connection limit reached")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("peer manager closed")

	// ErrPeerNotFound is returned for unknown public keys.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrReplaced closes a connection superseded by a second link to the
	// same peer.
	ErrReplaced = errors.New("connection replaced")
)

// referralCount is how many known peers a full node hands to a
// connection it refuses.
const referralCount = 5

// AddressBook persists known peers between runs.
type AddressBook interface {
	Peers() ([]protocol.PeerInfo, error)
	Put(protocol.PeerInfo) error
}

// ManagerConfig contains configuration for the peer manager.
type ManagerConfig struct {
	Identity  *identity.NodeIdentity
	Transport transport.Transport
	Advertise protocol.PeerInfo // address announced in handshakes

	MaxConnections int
	MinConnections int

	HandshakeTimeout        time.Duration
	WriteTimeout            time.Duration
	DialTimeout             time.Duration
	DialWorkers             int
	MaintenanceInterval     time.Duration
	MaintenanceInitialDelay time.Duration
	Reconnect               backoff.Config

	Store   AddressBook
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	OnMessage        func(*Connection, *protocol.Message)
	OnPeerConnected  func(*Connection)
	OnPeerDisconnect func(*Connection, error)
}

// DefaultManagerConfig returns a config with sensible defaults.
func DefaultManagerConfig(id *identity.NodeIdentity, tr transport.Transport) ManagerConfig {
	return ManagerConfig{
		Identity:                id,
		Transport:               tr,
		MaxConnections:          5,
		MinConnections:          3,
		HandshakeTimeout:        DefaultHandshakeTimeout,
		WriteTimeout:            DefaultWriteTimeout,
		DialTimeout:             10 * time.Second,
		DialWorkers:             4,
		MaintenanceInterval:     10 * time.Second,
		MaintenanceInitialDelay: 5 * time.Second,
		Reconnect:               backoff.Default(),
	}
}

// Manager is the peer directory: it owns every authenticated connection,
// the address book of known peers, and the policies that keep the node
// connected.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu        sync.RWMutex
	peers     map[string]*Connection       // public key -> connection
	known     map[string]protocol.PeerInfo // public key -> address
	dialing   map[string]struct{}          // host:port in flight
	bootstrap map[string]struct{}          // host:port to keep reconnecting
	advertise protocol.PeerInfo
	listeners []net.Listener
	closed    bool

	dialSem     chan struct{}
	reconnector *Reconnector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new peer manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = transport.DialTimeout
	}
	if cfg.DialWorkers <= 0 {
		cfg.DialWorkers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		logger:    logging.OrNop(cfg.Logger).With(logging.KeyComponent, "peer"),
		peers:     make(map[string]*Connection),
		known:     make(map[string]protocol.PeerInfo),
		dialing:   make(map[string]struct{}),
		bootstrap: make(map[string]struct{}),
		advertise: cfg.Advertise,
		dialSem:   make(chan struct{}, cfg.DialWorkers),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.reconnector = NewReconnector(cfg.Reconnect, m.handleReconnect)
	return m
}

// Start loads the address book and starts the maintenance loop.
func (m *Manager) Start() error {
	if m.cfg.Store != nil {
		peers, err := m.cfg.Store.Peers()
		if err != nil {
			return fmt.Errorf("failed to load known peers: %w", err)
		}
		for _, p := range peers {
			m.addKnown(p, false)
		}
		m.logger.Info("loaded known peers", logging.KeyCount, len(peers))
	}

	if m.cfg.MaintenanceInterval > 0 && m.track() {
		go m.maintenanceLoop()
	}
	return nil
}

// LocalKey returns this node's public key.
func (m *Manager) LocalKey() string {
	return m.cfg.Identity.PublicKey()
}

// Advertise returns the address announced in handshakes.
func (m *Manager) Advertise() protocol.PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.advertise
}

// SetAdvertise changes the address announced to peers connected from now
// on. Used when the listen port is only known after binding.
func (m *Manager) SetAdvertise(host string, port int) {
	m.mu.Lock()
	m.advertise = protocol.PeerInfo{PublicKey: m.LocalKey(), Host: host, Port: port}
	m.mu.Unlock()
}

// ============================================================================
// Inbound
// ============================================================================

// Listen accepts connections on addr and returns the bound address.
func (m *Manager) Listen(addr string, opts transport.ListenOptions) (net.Addr, error) {
	if opts.MaxConns <= 0 && m.cfg.MaxConnections > 0 {
		// Refused connections need a slot for the referral, so leave headroom.
		opts.MaxConns = m.cfg.MaxConnections * 2
	}
	ln, err := m.cfg.Transport.Listen(addr, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ln.Close()
		return nil, ErrManagerClosed
	}
	m.listeners = append(m.listeners, ln)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.acceptLoop(ln)

	m.logger.Info("listening", logging.KeyAddress, ln.Addr().String(),
		logging.KeyTransport, string(m.cfg.Transport.Kind()))
	return ln.Addr(), nil
}

func (m *Manager) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.logger, "peer.acceptLoop")

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, transport.ErrListenerClosed) {
				return
			}
			m.logger.Warn("accept failed", logging.KeyError, err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if !m.track() {
			nc.Close()
			return
		}
		go func() {
			defer m.wg.Done()
			defer recovery.RecoverWithLog(m.logger, "peer.accept")
			m.accept(nc)
		}()
	}
}

func (m *Manager) accept(nc net.Conn) {
	conn := m.newConnection(nc, Inbound)
	if err := m.handshake(conn); err != nil {
		return
	}
	m.register(conn)
}

// ============================================================================
// Outbound
// ============================================================================

// Dial connects to host:port, performs the handshake and registers the
// connection. If the remote is already connected, the existing
// connection is returned.
func (m *Manager) Dial(ctx context.Context, host string, port int) (*Connection, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	nc, err := m.cfg.Transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	conn := m.newConnection(nc, Outbound)
	conn.dialAddr = addr
	if err := m.handshake(conn); err != nil {
		return nil, err
	}
	return m.register(conn)
}

// ConnectToPeer dials host:port in the background. Concurrent dials are
// bounded by DialWorkers; a dial already in flight or an existing
// connection to the address makes this a no-op.
func (m *Manager) ConnectToPeer(host string, port int) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, busy := m.dialing[addr]; busy || m.connectedToAddrLocked(host, port) {
		m.mu.Unlock()
		return
	}
	m.dialing[addr] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer recovery.RecoverWithLog(m.logger, "peer.dial")
		defer func() {
			m.mu.Lock()
			delete(m.dialing, addr)
			m.mu.Unlock()
		}()

		select {
		case m.dialSem <- struct{}{}:
		case <-m.ctx.Done():
			return
		}
		defer func() { <-m.dialSem }()

		if _, err := m.Dial(m.ctx, host, port); err != nil {
			m.logger.Debug("dial failed", logging.KeyAddress, addr, logging.KeyError, err)
		}
	}()
}

// AddBootstrap dials addr and keeps reconnecting to it with backoff
// whenever the connection is lost.
func (m *Manager) AddBootstrap(addr string) error {
	host, port, err := splitAddr(addr)
	if err != nil {
		return err
	}
	addr = net.JoinHostPort(host, strconv.Itoa(port))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.bootstrap[addr] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer recovery.RecoverWithLog(m.logger, "peer.bootstrap")
		if err := m.handleReconnect(addr); err != nil {
			m.logger.Warn("bootstrap dial failed", logging.KeyAddress, addr, logging.KeyError, err)
			m.reconnector.Schedule(addr)
		}
	}()
	return nil
}

func (m *Manager) handleReconnect(addr string) error {
	host, port, err := splitAddr(addr)
	if err != nil {
		return err
	}
	_, err = m.Dial(m.ctx, host, port)
	return err
}

// track reserves a wait group slot for a new goroutine. It fails once the
// manager is closed, so Close never races a late Add.
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) connectedToAddrLocked(host string, port int) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	for _, c := range m.peers {
		if c.dialAddr == addr {
			return true
		}
		if l, ok := c.RemoteListen(); ok && l.Host == host && l.Port == port {
			return true
		}
	}
	return false
}

// ============================================================================
// Registration
// ============================================================================

func (m *Manager) newConnection(nc net.Conn, dir Direction) *Connection {
	return NewConnection(nc, ConnectionConfig{
		Identity:     m.cfg.Identity,
		Advertise:    m.Advertise(),
		Direction:    dir,
		Logger:       m.logger,
		WriteTimeout: m.cfg.WriteTimeout,
		OnMessage:    m.cfg.OnMessage,
		OnDisconnect: m.handleDisconnect,
		OnDropped: func(_ *Connection, _ *protocol.Message, err error) {
			m.cfg.Metrics.RecordMessageDropped(dropReason(err))
		},
	})
}

func (m *Manager) handshake(conn *Connection) error {
	start := time.Now()
	if err := conn.Handshake(m.cfg.HandshakeTimeout); err != nil {
		m.cfg.Metrics.RecordHandshakeError(handshakeReason(err))
		m.logger.Debug("handshake failed",
			logging.KeyAddress, conn.RemoteAddr(),
			logging.KeyDirection, conn.Direction().String(),
			logging.KeyError, err)
		return err
	}
	m.cfg.Metrics.RecordHandshake(time.Since(start).Seconds())
	return nil
}

// register makes an established connection visible and starts its read
// loop. A second connection to an already connected key is closed and
// the existing one returned.
func (m *Manager) register(conn *Connection) (*Connection, error) {
	key := conn.RemoteKey()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.closeWithError(ErrManagerClosed, false)
		return nil, ErrManagerClosed
	}
	if existing, ok := m.peers[key]; ok {
		if existing.Direction() == conn.Direction() || !m.preferred(conn) {
			m.mu.Unlock()
			conn.closeWithError(nil, false)
			return existing, nil
		}
		// Simultaneous dials: both ends keep the link opened by the lower key.
		m.peers[key] = conn
		m.mu.Unlock()
		existing.closeWithError(ErrReplaced, true)
		m.startConnection(conn)
		return conn, nil
	}
	if m.cfg.MaxConnections > 0 && len(m.peers) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		m.refer(conn)
		conn.closeWithError(ErrTooManyPeers, false)
		return nil, ErrTooManyPeers
	}
	m.peers[key] = conn
	m.mu.Unlock()

	m.startConnection(conn)
	return conn, nil
}

// preferred reports whether conn is the link both ends agree to keep
// when two connections to the same peer exist.
func (m *Manager) preferred(conn *Connection) bool {
	localIsLower := m.LocalKey() < conn.RemoteKey()
	return (conn.Direction() == Outbound) == localIsLower
}

func (m *Manager) startConnection(conn *Connection) {
	key := conn.RemoteKey()
	if info, ok := m.addressOf(conn); ok {
		m.AddKnownPeer(info)
	}

	m.cfg.Metrics.RecordPeerConnect(string(m.cfg.Transport.Kind()), conn.Direction().String())
	m.logger.Info("peer connected",
		logging.KeyPeer, logging.ShortKey(key),
		logging.KeyDirection, conn.Direction().String(),
		logging.KeyAddress, conn.RemoteAddr())

	if !m.track() {
		// Close already owns the connection through the peers map.
		return
	}
	go m.readLoop(conn)

	if m.cfg.OnPeerConnected != nil {
		m.cfg.OnPeerConnected(conn)
	}
}

// refer sends a refused connection some known peers so it can look elsewhere.
func (m *Manager) refer(conn *Connection) {
	peers := m.KnownPeers()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	var referral []protocol.PeerInfo
	for _, p := range peers {
		if p.PublicKey == conn.RemoteKey() {
			continue
		}
		referral = append(referral, p)
		if len(referral) == referralCount {
			break
		}
	}

	msg, err := protocol.NewMessage(protocol.PeerDiscoveryResponse{Peers: referral})
	if err == nil {
		conn.Send(msg)
	}
	m.logger.Info("connection limit reached, referred peer elsewhere",
		logging.KeyPeer, logging.ShortKey(conn.RemoteKey()),
		logging.KeyCount, len(referral))
}

// addressOf returns the dialable address of conn's remote, if known.
func (m *Manager) addressOf(conn *Connection) (protocol.PeerInfo, bool) {
	if info, ok := conn.RemoteListen(); ok {
		return info, true
	}
	if conn.dialAddr != "" {
		if host, port, err := splitAddr(conn.dialAddr); err == nil {
			return protocol.PeerInfo{PublicKey: conn.RemoteKey(), Host: host, Port: port}, true
		}
	}
	return protocol.PeerInfo{}, false
}

func (m *Manager) readLoop(conn *Connection) {
	defer m.wg.Done()
	defer recovery.RecoverWithCallback(m.logger, "peer.readLoop", func(interface{}) {
		conn.Disconnect()
	})
	conn.Run()
}

func (m *Manager) handleDisconnect(conn *Connection, err error) {
	key := conn.RemoteKey()

	m.mu.Lock()
	existing, stillConnected := m.peers[key]
	if stillConnected && existing == conn {
		delete(m.peers, key)
		stillConnected = false
	}
	_, isBootstrap := m.bootstrap[conn.dialAddr]
	closed := m.closed
	m.mu.Unlock()

	m.cfg.Metrics.RecordPeerDisconnect(disconnectReason(err))
	m.logger.Info("peer disconnected",
		logging.KeyPeer, logging.ShortKey(key),
		logging.KeyError, err)

	if m.cfg.OnPeerDisconnect != nil {
		m.cfg.OnPeerDisconnect(conn, err)
	}

	if isBootstrap && !closed && !stillConnected {
		m.reconnector.Schedule(conn.dialAddr)
	}
}

// ============================================================================
// Directory
// ============================================================================

// AddKnownPeer records p in the address book. It reports whether the
// entry was new or changed. The local node is never added.
func (m *Manager) AddKnownPeer(p protocol.PeerInfo) bool {
	return m.addKnown(p, true)
}

func (m *Manager) addKnown(p protocol.PeerInfo, persist bool) bool {
	if p.Validate() != nil || p.PublicKey == m.LocalKey() {
		return false
	}

	m.mu.Lock()
	old, exists := m.known[p.PublicKey]
	if exists && old == p {
		m.mu.Unlock()
		return false
	}
	m.known[p.PublicKey] = p
	count := len(m.known)
	m.mu.Unlock()

	m.cfg.Metrics.SetPeersKnown(count)
	if persist && m.cfg.Store != nil {
		if err := m.cfg.Store.Put(p); err != nil {
			m.logger.Warn("failed to persist peer", logging.KeyPeer, logging.ShortKey(p.PublicKey), logging.KeyError, err)
		}
	}
	return true
}

// KnownPeers returns the address book sorted by public key.
func (m *Manager) KnownPeers() []protocol.PeerInfo {
	m.mu.RLock()
	out := make([]protocol.PeerInfo, 0, len(m.known))
	for _, p := range m.known {
		out = append(out, p)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b protocol.PeerInfo) int {
		return strings.Compare(a.PublicKey, b.PublicKey)
	})
	return out
}

// KnownCount returns the size of the address book.
func (m *Manager) KnownCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.known)
}

// ConnectedPeers returns all registered connections.
func (m *Manager) ConnectedPeers() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Connection, 0, len(m.peers))
	for _, c := range m.peers {
		out = append(out, c)
	}
	return out
}

// ConnectedPeerInfos returns the dialable address of every connected
// peer whose address is known.
func (m *Manager) ConnectedPeerInfos() []protocol.PeerInfo {
	var out []protocol.PeerInfo
	for _, c := range m.ConnectedPeers() {
		if info, ok := m.addressOf(c); ok {
			out = append(out, info)
		}
	}
	return out
}

// ConnectedPeer returns the connection to publicKey.
func (m *Manager) ConnectedPeer(publicKey string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.peers[publicKey]
	return c, ok
}

// PeerCount returns the number of connected peers.
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Broadcast sends payload to every connected peer.
func (m *Manager) Broadcast(payload protocol.Payload) error {
	var lastErr error
	for _, c := range m.ConnectedPeers() {
		msg, err := protocol.NewMessage(payload)
		if err != nil {
			return err
		}
		if err := c.Send(msg); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Disconnect closes the connection to publicKey.
func (m *Manager) Disconnect(publicKey string) error {
	c, ok := m.ConnectedPeer(publicKey)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, logging.ShortKey(publicKey))
	}
	c.Disconnect()
	return nil
}

// ============================================================================
// Maintenance
// ============================================================================

func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.logger, "peer.maintenanceLoop")

	timer := time.NewTimer(m.cfg.MaintenanceInitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
			m.Maintain()
			timer.Reset(m.cfg.MaintenanceInterval)
		}
	}
}

// Maintain dials random known peers until MinConnections is reached.
func (m *Manager) Maintain() {
	missing := m.cfg.MinConnections - m.PeerCount()
	if missing <= 0 {
		return
	}

	var candidates []protocol.PeerInfo
	for _, p := range m.KnownPeers() {
		if _, ok := m.ConnectedPeer(p.PublicKey); !ok {
			candidates = append(candidates, p)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	if len(candidates) > missing {
		candidates = candidates[:missing]
	}
	for _, p := range candidates {
		m.ConnectToPeer(p.Host, p.Port)
	}
	if len(candidates) > 0 {
		m.logger.Debug("maintenance dialing peers", logging.KeyCount, len(candidates))
	}
}

// Close shuts down the manager and all connections.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	m.cancel()
	m.reconnector.Stop()

	for _, ln := range listeners {
		ln.Close()
	}
	for _, c := range m.ConnectedPeers() {
		c.Disconnect()
	}

	m.wg.Wait()
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}

func handshakeReason(err error) string {
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, ErrSelfConnection):
		return "self"
	default:
		return "invalid"
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrUnsigned):
		return "unsigned"
	case errors.Is(err, ErrHandshakeFailed):
		return "handshake"
	default:
		return "decode"
	}
}

func disconnectReason(err error) string {
	switch {
	case err == nil:
		return "local"
	case errors.Is(err, ErrReplaced):
		return "replaced"
	case errors.Is(err, ErrConnectionClosed):
		return "remote"
	default:
		return "error"
	}
}
