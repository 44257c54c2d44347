// Package node wires the overlay components into a runnable node.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/postalsys/onionmesh/internal/circuit"
	"github.com/postalsys/onionmesh/internal/config"
	"github.com/postalsys/onionmesh/internal/control"
	"github.com/postalsys/onionmesh/internal/discovery"
	"github.com/postalsys/onionmesh/internal/health"
	"github.com/postalsys/onionmesh/internal/identity"
	"github.com/postalsys/onionmesh/internal/logging"
	"github.com/postalsys/onionmesh/internal/metrics"
	"github.com/postalsys/onionmesh/internal/peer"
	"github.com/postalsys/onionmesh/internal/peerstore"
	"github.com/postalsys/onionmesh/internal/protocol"
	"github.com/postalsys/onionmesh/internal/router"
	"github.com/postalsys/onionmesh/internal/transport"
)

// Node is a running overlay node.
type Node struct {
	cfg     *config.Config
	id      *identity.NodeIdentity
	logger  *slog.Logger
	metrics *metrics.Metrics

	store     *peerstore.Store
	transport transport.Transport
	peers     *peer.Manager
	router    *router.Router
	discovery *discovery.Service
	circuits  *circuit.Manager
	health    *health.Server
	control   *control.Server

	exitMu sync.RWMutex
	exit   circuit.ExitHandler

	listenAddr net.Addr
	running    atomic.Bool
	stopOnce   sync.Once
}

// New creates a node from cfg. Nothing touches the network until Start.
func New(cfg *config.Config) (*Node, error) {
	return NewWithLogger(cfg, logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat))
}

// NewWithLogger is New with an explicit logger.
func NewWithLogger(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	id, created, err := identity.LoadOrCreate(cfg.Node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if created {
		logger.Info("created node identity", logging.KeyPeer, id.ShortString())
	}

	n := &Node{
		cfg:     cfg,
		id:      id,
		logger:  logger,
		metrics: metrics.Default(),
	}

	if err := n.initComponents(); err != nil {
		n.closeStore()
		return nil, err
	}
	return n, nil
}

func (n *Node) initComponents() error {
	cfg := n.cfg

	store, err := peerstore.Open(filepath.Join(cfg.Node.DataDir, peerstore.FileName))
	if err != nil {
		return fmt.Errorf("open peer store: %w", err)
	}
	n.store = store

	tr, err := transport.New(transport.Kind(cfg.Listen.Transport))
	if err != nil {
		return err
	}
	n.transport = tr

	host, port, err := cfg.AdvertiseAddress()
	if err != nil {
		return err
	}

	rt, err := router.New(router.Config{
		HistorySize: cfg.Router.DedupHistory,
		Metrics:     n.metrics,
		Logger:      n.logger,
	})
	if err != nil {
		return err
	}
	n.router = rt

	pcfg := peer.DefaultManagerConfig(n.id, tr)
	pcfg.Advertise = protocol.PeerInfo{PublicKey: n.id.PublicKey(), Host: host, Port: port}
	pcfg.MaxConnections = cfg.Connections.Max
	pcfg.MinConnections = cfg.Connections.Min
	pcfg.HandshakeTimeout = cfg.Connections.HandshakeTimeout
	pcfg.WriteTimeout = cfg.Connections.WriteTimeout
	pcfg.DialTimeout = cfg.Connections.DialTimeout
	pcfg.DialWorkers = cfg.Connections.DialWorkers
	pcfg.MaintenanceInterval = cfg.Connections.MaintenanceInterval
	pcfg.MaintenanceInitialDelay = cfg.Connections.MaintenanceInitialDelay
	pcfg.Reconnect = cfg.Connections.Reconnect.Backoff()
	pcfg.Store = store
	pcfg.Metrics = n.metrics
	pcfg.Logger = n.logger
	pcfg.OnMessage = func(c *peer.Connection, msg *protocol.Message) { rt.Enqueue(c, msg) }
	pcfg.OnPeerConnected = n.peerConnected
	pcfg.OnPeerDisconnect = n.peerDisconnected
	n.peers = peer.NewManager(pcfg)

	n.discovery = discovery.New(discovery.Config{
		Directory:    n.peers,
		Interval:     cfg.Connections.DiscoveryInterval,
		InitialDelay: cfg.Connections.MaintenanceInitialDelay,
		Logger:       n.logger,
	})
	if err := n.discovery.Register(rt); err != nil {
		return err
	}

	ccfg := circuit.Config{
		Length:              cfg.Circuit.Length,
		ConnectTimeout:      cfg.Circuit.ConnectTimeout,
		ConnectPollInterval: cfg.Circuit.ConnectPollInterval,
		BuildTimeout:        cfg.Circuit.BuildTimeout,
		Retry:               cfg.Circuit.Retry.Backoff(),
		CreateRate:          rate.Limit(cfg.Circuit.CreateRate),
		CreateBurst:         cfg.Circuit.CreateBurst,
		Exit:                n.exitData,
		Metrics:             n.metrics,
		Logger:              n.logger,
	}
	n.circuits, err = circuit.NewManager(directory{n.peers}, ccfg)
	if err != nil {
		return err
	}
	if err := circuit.NewProtocol(n.circuits).Register(rt); err != nil {
		return err
	}

	if cfg.Health.Enabled {
		n.health = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			EnablePprof:  cfg.Health.EnablePprof,
			Logger:       n.logger,
		}, statsProvider{n})
	}
	if cfg.Control.Enabled {
		ctl := control.DefaultServerConfig()
		ctl.SocketPath = cfg.Control.SocketPath
		ctl.Logger = n.logger
		n.control = control.NewServer(ctl, n)
	}

	return nil
}

// Start listens, joins the overlay and starts the local servers.
func (n *Node) Start() error {
	if n.running.Load() {
		return fmt.Errorf("node already running")
	}

	n.logger.Info("starting node", logging.KeyPeer, n.id.ShortString())

	if err := n.router.Start(); err != nil {
		return err
	}
	if err := n.peers.Start(); err != nil {
		return err
	}

	addr, err := n.peers.Listen(n.cfg.Listen.Address, transport.ListenOptions{Path: n.cfg.Listen.Path})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.cfg.Listen.Address, err)
	}
	n.listenAddr = addr
	if tcp, ok := addr.(*net.TCPAddr); ok && n.cfg.Listen.AdvertisePort == 0 {
		adv := n.peers.Advertise()
		if adv.Port != tcp.Port {
			n.peers.SetAdvertise(adv.Host, tcp.Port)
		}
	}

	n.discovery.Start()

	if !n.cfg.Bootstrap.Node {
		for _, addr := range n.cfg.Bootstrap.Peers {
			if err := n.peers.AddBootstrap(addr); err != nil {
				n.logger.Warn("invalid bootstrap peer", logging.KeyAddress, addr, logging.KeyError, err)
			}
		}
	}

	if n.health != nil {
		if err := n.health.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
	}
	if n.control != nil {
		if err := n.control.Start(); err != nil {
			return fmt.Errorf("start control server: %w", err)
		}
	}

	n.running.Store(true)
	n.logger.Info("node started",
		logging.KeyPeer, n.id.ShortString(),
		logging.KeyAddress, n.Self().Address(),
		logging.KeyTransport, n.cfg.Listen.Transport,
		logging.KeyCount, len(n.cfg.Bootstrap.Peers))
	return nil
}

// Stop tears down circuits, closes every connection and stops the servers.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.logger.Info("stopping node", logging.KeyPeer, n.id.ShortString())
		n.running.Store(false)

		if n.control != nil {
			n.control.Stop()
		}
		if n.health != nil {
			n.health.Stop()
		}
		n.discovery.Stop()

		// Circuits go first so DESTROY messages still reach their peers.
		n.circuits.Stop()
		n.peers.Close()
		n.router.Stop()
		n.transport.Close()
		n.closeStore()

		n.logger.Info("node stopped", logging.KeyPeer, n.id.ShortString())
	})
	return nil
}

// StopWithContext stops with a timeout.
func (n *Node) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- n.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) closeStore() {
	if n.store == nil {
		return
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("failed to close peer store", logging.KeyError, err)
	}
}

// IsRunning returns true if the node is running.
func (n *Node) IsRunning() bool {
	return n.running.Load()
}

// Self returns this node's public key and advertised address.
func (n *Node) Self() protocol.PeerInfo {
	return n.peers.Advertise()
}

// ListenAddr returns the bound listen address once started.
func (n *Node) ListenAddr() net.Addr {
	return n.listenAddr
}

// ============================================================================
// Peer events
// ============================================================================

func (n *Node) peerConnected(c *peer.Connection) {
	if err := n.discovery.RequestPeers(c); err != nil {
		n.logger.Debug("peer discovery request failed",
			logging.KeyPeer, logging.ShortKey(c.RemoteKey()),
			logging.KeyError, err)
	}
}

func (n *Node) peerDisconnected(c *peer.Connection, _ error) {
	n.circuits.PeerDisconnected(c)
}

// ============================================================================
// Circuit surface (control and console)
// ============================================================================

// SetExitHandler replaces what happens to application data arriving at
// this node as the last hop. The default logs it.
func (n *Node) SetExitHandler(h circuit.ExitHandler) {
	n.exitMu.Lock()
	n.exit = h
	n.exitMu.Unlock()
}

func (n *Node) exitData(id protocol.CircuitID, data []byte) {
	n.exitMu.RLock()
	h := n.exit
	n.exitMu.RUnlock()
	if h != nil {
		h(id, data)
		return
	}
	n.logger.Info("exit received circuit data",
		logging.KeyCircuitID, id.ShortString(),
		logging.KeyCount, len(data))
}

// Circuit returns the originator circuit, if one was ever built.
func (n *Node) Circuit() (circuit.Snapshot, bool) {
	return n.circuits.Snapshot()
}

// BuildCircuit starts building a new circuit.
func (n *Node) BuildCircuit() error {
	return n.circuits.Init()
}

// SendCircuitData sends application data through the active circuit.
func (n *Node) SendCircuitData(data []byte) error {
	return n.circuits.SubmitApplicationData(data)
}

// CloseCircuit tears the circuit down.
func (n *Node) CloseCircuit() error {
	return n.circuits.Close()
}

// IsCircuitReady reports whether data can be sent.
func (n *Node) IsCircuitReady() bool {
	return n.circuits.IsCircuitReady()
}

// RelayCount returns the number of circuits relayed through this node.
func (n *Node) RelayCount() int {
	return n.circuits.RelayCount()
}

// ConnectedPeerInfos returns the advertised addresses of connected peers.
func (n *Node) ConnectedPeerInfos() []protocol.PeerInfo {
	return n.peers.ConnectedPeerInfos()
}

// KnownPeers returns the address book.
func (n *Node) KnownPeers() []protocol.PeerInfo {
	return n.peers.KnownPeers()
}

// Connect dials a peer at host:port and waits for the handshake.
func (n *Node) Connect(ctx context.Context, host string, port int) error {
	_, err := n.peers.Dial(ctx, host, port)
	return err
}

// Stats returns node statistics.
func (n *Node) Stats() health.Stats {
	snap, _ := n.circuits.Snapshot()
	return health.Stats{
		PeerCount:     n.peers.PeerCount(),
		KnownPeers:    n.peers.KnownCount(),
		RelayCircuits: n.circuits.RelayCount(),
		CircuitState:  snap.State,
		CircuitReady:  n.circuits.IsCircuitReady(),
		QueueDepth:    n.router.Len(),
	}
}

// statsProvider adapts Node to health.StatsProvider.
type statsProvider struct {
	node *Node
}

func (p statsProvider) IsRunning() bool     { return p.node.IsRunning() }
func (p statsProvider) Stats() health.Stats { return p.node.Stats() }

// directory adapts the peer manager to circuit.Directory.
type directory struct {
	*peer.Manager
}

func (d directory) Lookup(key string) (circuit.Conn, bool) {
	c, ok := d.ConnectedPeer(key)
	if !ok {
		return nil, false
	}
	return c, true
}
