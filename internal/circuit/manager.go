package circuit

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/onionmesh/internal/backoff"
	"github.com/postalsys/onionmesh/internal/crypto"
	"github.com/postalsys/onionmesh/internal/logging"
	"github.com/postalsys/onionmesh/internal/metrics"
	"github.com/postalsys/onionmesh/internal/protocol"
	"github.com/postalsys/onionmesh/internal/recovery"
)

// Config contains circuit manager configuration.
type Config struct {
	// Length is the number of hops per circuit.
	Length int

	// ConnectTimeout bounds the wait for a dialed hop to register.
	ConnectTimeout      time.Duration
	ConnectPollInterval time.Duration

	// BuildTimeout bounds a whole build, from path selection to active.
	BuildTimeout time.Duration

	// Retry controls automatic rebuilds after a failed build.
	// Retry.MaxAttempts counts the first build.
	Retry backoff.Config

	// CreateRate limits relay circuits opened per neighbour.
	CreateRate  rate.Limit
	CreateBurst int

	// Exit receives application data when this node is the last hop.
	Exit ExitHandler

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Length:              3,
		ConnectTimeout:      3 * time.Second,
		ConnectPollInterval: 100 * time.Millisecond,
		BuildTimeout:        30 * time.Second,
		Retry: backoff.Config{
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
			MaxAttempts:  3,
		},
		CreateRate:  5,
		CreateBurst: 10,
	}
}

// Manager owns the originator circuit and the relay table.
type Manager struct {
	cfg     Config
	dir     Directory
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	current    *Circuit
	retryTimer *time.Timer
	closed     bool

	relayMu  sync.Mutex
	relays   map[protocol.CircuitID]*relayState
	limiters map[string]*rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a circuit manager on top of dir.
func NewManager(dir Directory, cfg Config) (*Manager, error) {
	if cfg.Length < 1 {
		return nil, ErrInvalidLength
	}
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ConnectPollInterval <= 0 {
		cfg.ConnectPollInterval = def.ConnectPollInterval
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = def.BuildTimeout
	}
	if cfg.CreateRate <= 0 {
		cfg.CreateRate = rate.Inf
	}
	if cfg.CreateBurst <= 0 {
		cfg.CreateBurst = 1
	}

	logger := logging.OrNop(cfg.Logger).With(logging.KeyComponent, "circuit")
	if cfg.Exit == nil {
		cfg.Exit = func(id protocol.CircuitID, data []byte) {
			logger.Info("exit received circuit data",
				logging.KeyCircuitID, id.ShortString(),
				logging.KeyCount, len(data))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		dir:      dir,
		logger:   logger,
		metrics:  cfg.Metrics,
		relays:   make(map[protocol.CircuitID]*relayState),
		limiters: make(map[string]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// ============================================================================
// Originator
// ============================================================================

// Init starts building a new circuit. It returns once the path is chosen;
// the build continues as responses arrive. An active circuit is replaced.
func (m *Manager) Init() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.current != nil && m.current.state.building() {
		m.mu.Unlock()
		return ErrBuildInProgress
	}
	m.stopRetryLocked()
	m.mu.Unlock()

	return m.build(1)
}

func (m *Manager) build(attempt int) error {
	path, err := SelectPath(m.dir.KnownPeers(), m.dir.LocalKey(), m.cfg.Length)
	if err != nil {
		m.metrics.RecordCircuitFailed(reasonLabel(err))
		m.logger.Warn("cannot build circuit", logging.KeyError, err, logging.KeyAttempt, attempt)
		return err
	}
	id, err := protocol.NewCircuitID()
	if err != nil {
		return err
	}

	c := &Circuit{
		id:        id,
		path:      path,
		attempt:   attempt,
		startedAt: time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.current != nil && m.current.state.building() {
		m.mu.Unlock()
		return ErrBuildInProgress
	}
	prev := m.current
	var prevEntry Conn
	if prev != nil && prev.state == StateActive {
		prevEntry = m.teardownLocked(prev, ErrCircuitClosed)
	}
	m.current = c
	m.setStateLocked(c, StatePending)
	c.deadline = time.AfterFunc(m.cfg.BuildTimeout, func() { m.expire(c) })

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer recovery.RecoverWithLog(m.logger, "circuit.connectEntry")
		m.connectEntry(c)
	}()
	m.mu.Unlock()

	if prevEntry != nil {
		m.sendDestroy(prevEntry, prev.id)
	}

	m.logger.Info("building circuit",
		logging.KeyCircuitID, id.ShortString(),
		logging.KeyHop, len(path),
		logging.KeyAttempt, attempt)
	return nil
}

// connectEntry reaches hop 0 and sends the first CREATE request. It runs
// off the dispatch goroutine because the connect may wait.
func (m *Manager) connectEntry(c *Circuit) {
	conn, err := m.connectOrReuse(c.path[0])
	if err != nil {
		m.fail(c, err)
		return
	}
	eph, pub, err := newEphemeral()
	if err != nil {
		m.fail(c, err)
		return
	}

	m.mu.Lock()
	if m.current != c || c.state != StatePending {
		m.mu.Unlock()
		return
	}
	c.entry = conn
	c.pending = eph
	m.mu.Unlock()

	if err := m.send(conn, protocol.CircuitCreateRequest{CircuitID: c.id, EphemeralKey: pub}); err != nil {
		m.fail(c, err)
		return
	}
	m.logger.Debug("sent create request",
		logging.KeyCircuitID, c.id.ShortString(),
		logging.KeyPeer, logging.ShortKey(conn.RemoteKey()))
}

// connectOrReuse returns a connection to info, dialing and polling the
// directory when none exists yet.
func (m *Manager) connectOrReuse(info protocol.PeerInfo) (Conn, error) {
	if conn, ok := m.dir.Lookup(info.PublicKey); ok {
		return conn, nil
	}
	m.dir.ConnectToPeer(info.Host, info.Port)

	timeout := time.NewTimer(m.cfg.ConnectTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(m.cfg.ConnectPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return nil, ErrClosed
		case <-timeout.C:
			return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, info.Address())
		case <-ticker.C:
			if conn, ok := m.dir.Lookup(info.PublicKey); ok {
				return conn, nil
			}
		}
	}
}

// HandleCreateResponse completes hop 0 for the originator, or relays a
// new hop's response backward.
func (m *Manager) HandleCreateResponse(from Conn, p protocol.CircuitCreateResponse) error {
	if m.originates(p.CircuitID) {
		return m.completeHop(from, p.CircuitID, StatePending, func(*Circuit) (string, error) {
			return p.EphemeralKey, nil
		})
	}
	return m.relayResponse(from, p.CircuitID, []byte(p.EphemeralKey))
}

// HandleExtendResponse completes hop i>0 for the originator, or adds this
// relay's layer and passes the response backward.
func (m *Manager) HandleExtendResponse(from Conn, p protocol.CircuitExtendResponse) error {
	if m.originates(p.CircuitID) {
		return m.completeHop(from, p.CircuitID, StateExtending, func(c *Circuit) (string, error) {
			plain, err := crypto.DecryptLayers(p.Blob, c.keys)
			if err != nil {
				return "", err
			}
			return string(plain), nil
		})
	}
	return m.relayResponse(from, p.CircuitID, p.Blob)
}

func (m *Manager) originates(id protocol.CircuitID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.id == id
}

// completeHop derives the key for the hop being negotiated and either
// extends to the next hop or activates the circuit.
func (m *Manager) completeHop(from Conn, id protocol.CircuitID, want State, peerKey func(*Circuit) (string, error)) error {
	m.mu.Lock()
	c := m.current
	if c == nil || c.id != id {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCircuit, id.ShortString())
	}
	if c.state != want || c.pending == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: response in state %s", ErrUnexpectedMessage, c.state)
	}
	if c.entry == nil || c.entry.RemoteKey() != from.RemoteKey() {
		m.mu.Unlock()
		return ErrUnexpectedSender
	}

	req, err := m.addHopLocked(c, peerKey)
	entry := c.entry
	m.mu.Unlock()

	if err != nil {
		m.fail(c, err)
		return err
	}
	if req == nil {
		m.logger.Info("circuit active",
			logging.KeyCircuitID, id.ShortString(),
			logging.KeyHop, len(c.path),
			logging.KeyDuration, time.Since(c.startedAt))
		return nil
	}
	if err := m.send(entry, *req); err != nil {
		m.fail(c, err)
		return err
	}
	return nil
}

// addHopLocked stores the new hop key. It returns the EXTEND request for
// the next hop, or nil when the circuit became active.
func (m *Manager) addHopLocked(c *Circuit, peerKey func(*Circuit) (string, error)) (*protocol.CircuitExtendRequest, error) {
	theirs, err := peerKey(c)
	if err != nil {
		return nil, err
	}
	key, err := agreeWith(c.pending, theirs)
	if err != nil {
		return nil, err
	}
	c.keys = append(c.keys, key)
	c.pending = nil

	hop := c.currentHop()
	m.logger.Debug("hop established", logging.KeyCircuitID, c.id.ShortString(), logging.KeyHop, hop-1)

	if hop == len(c.path) {
		m.activateLocked(c)
		return nil, nil
	}

	eph, pub, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	record, err := protocol.ExtendRecord{Next: c.path[hop], EphemeralKey: pub}.Encode()
	if err != nil {
		return nil, err
	}
	blob, err := crypto.EncryptLayers(record, c.keys)
	if err != nil {
		return nil, err
	}

	c.pending = eph
	m.setStateLocked(c, StateExtending)
	return &protocol.CircuitExtendRequest{CircuitID: c.id, Blob: blob}, nil
}

func (m *Manager) activateLocked(c *Circuit) {
	if c.deadline != nil {
		c.deadline.Stop()
	}
	m.setStateLocked(c, StateActive)
	m.metrics.RecordCircuitBuilt(time.Since(c.startedAt).Seconds())
}

// IsCircuitReady reports whether the circuit is active with every hop keyed.
func (m *Manager) IsCircuitReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.current
	return c != nil && c.state == StateActive && c.currentHop() == len(c.path)
}

// Snapshot returns a copy of the originator circuit, if any.
func (m *Manager) Snapshot() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Snapshot{State: StateIdle.String(), Length: m.cfg.Length}, false
	}
	return m.current.snapshot(), true
}

// Length returns the configured number of hops.
func (m *Manager) Length() int {
	return m.cfg.Length
}

// SubmitApplicationData wraps data in one layer per hop and sends it
// into the active circuit. The last hop hands the plaintext to its
// ExitHandler.
func (m *Manager) SubmitApplicationData(data []byte) error {
	m.mu.Lock()
	c := m.current
	if c == nil || c.state != StateActive || c.currentHop() != len(c.path) {
		m.mu.Unlock()
		return ErrNotReady
	}
	blob, err := crypto.EncryptLayers(data, c.keys)
	entry, id := c.entry, c.id
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if err := m.send(entry, protocol.CircuitData{CircuitID: id, Blob: blob}); err != nil {
		return fmt.Errorf("failed to send circuit data: %w", err)
	}
	m.metrics.RecordCircuitData("origin", len(data))
	return nil
}

// Close tears down the originator circuit and cancels pending rebuilds.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.stopRetryLocked()
	c := m.current
	if c == nil || c.state == StateTornDown {
		m.mu.Unlock()
		return nil
	}
	entry := m.teardownLocked(c, ErrCircuitClosed)
	m.mu.Unlock()

	if entry != nil {
		m.sendDestroy(entry, c.id)
	}
	m.logger.Info("circuit closed", logging.KeyCircuitID, c.id.ShortString())
	return nil
}

// expire fails a build that is still running at its deadline.
func (m *Manager) expire(c *Circuit) {
	m.mu.Lock()
	building := m.current == c && c.state.building()
	m.mu.Unlock()
	if building {
		m.fail(c, ErrBuildTimeout)
	}
}

// fail tears c down with reason and schedules a rebuild when the reason
// is transient and attempts remain.
func (m *Manager) fail(c *Circuit, reason error) {
	m.mu.Lock()
	if m.current != c || c.state == StateTornDown {
		m.mu.Unlock()
		return
	}
	entry := m.teardownLocked(c, reason)

	retry := !m.closed && retryable(reason) && !m.cfg.Retry.Exhausted(c.attempt)
	var delay time.Duration
	if retry {
		delay = m.cfg.Retry.Delay(c.attempt - 1)
		m.stopRetryLocked()
		m.retryTimer = time.AfterFunc(delay, func() { m.retry(c) })
	}
	m.mu.Unlock()

	m.metrics.RecordCircuitFailed(reasonLabel(reason))
	attrs := []any{
		logging.KeyCircuitID, c.id.ShortString(),
		logging.KeyReason, reason,
		logging.KeyAttempt, c.attempt,
	}
	if retry {
		attrs = append(attrs, "retry_in", delay)
	}
	m.logger.Warn("circuit torn down", attrs...)

	// The far side already knows when the entry is gone or sent the destroy.
	if entry != nil && !errors.Is(reason, ErrEntryLost) && !errors.Is(reason, ErrDestroyed) {
		m.sendDestroy(entry, c.id)
	}
}

func (m *Manager) retry(old *Circuit) {
	m.mu.Lock()
	if m.closed || m.current != old {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	if err := m.build(old.attempt + 1); err != nil {
		m.logger.Warn("circuit rebuild failed", logging.KeyError, err, logging.KeyAttempt, old.attempt+1)
	}
}

// teardownLocked wipes c's keys and returns its entry connection.
func (m *Manager) teardownLocked(c *Circuit, reason error) Conn {
	if c.state == StateTornDown {
		return nil
	}
	if c.deadline != nil {
		c.deadline.Stop()
	}
	crypto.ZeroKeys(c.keys)
	c.keys = nil
	c.pending = nil
	c.reason = reason
	m.setStateLocked(c, StateTornDown)
	return c.entry
}

func (m *Manager) setStateLocked(c *Circuit, s State) {
	c.state = s
	m.metrics.SetCircuitState(s.String(), stateNames)
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// ============================================================================
// Shared handlers
// ============================================================================

// HandleDestroy tears down the originator circuit when its entry destroys
// it, or removes relay state and passes the destroy along.
func (m *Manager) HandleDestroy(from Conn, p protocol.CircuitDestroy) error {
	m.mu.Lock()
	c := m.current
	own := c != nil && c.id == p.CircuitID && c.state != StateTornDown &&
		c.entry != nil && c.entry.RemoteKey() == from.RemoteKey()
	m.mu.Unlock()

	if own {
		m.fail(c, ErrDestroyed)
		return nil
	}
	return m.relayDestroy(from, p.CircuitID)
}

// PeerDisconnected tears down everything routed over conn.
func (m *Manager) PeerDisconnected(conn Conn) {
	m.mu.Lock()
	c := m.current
	lost := c != nil && c.state != StateTornDown && c.entry == conn
	m.mu.Unlock()

	if lost {
		m.fail(c, ErrEntryLost)
	}
	m.relayDisconnected(conn)
}

// Stop tears down all circuits and waits for background work.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopRetryLocked()
	c := m.current
	var entry Conn
	if c != nil {
		entry = m.teardownLocked(c, ErrClosed)
	}
	m.mu.Unlock()

	m.cancel()
	if entry != nil {
		m.sendDestroy(entry, c.id)
	}
	m.destroyAllRelays()
	m.wg.Wait()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// spawn runs fn on a tracked goroutine unless the manager is closed.
func (m *Manager) spawn(name string, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer recovery.RecoverWithLog(m.logger, name)
		fn()
	}()
	return true
}

// ============================================================================
// Helpers
// ============================================================================

func (m *Manager) send(conn Conn, payload protocol.Payload) error {
	msg, err := protocol.NewMessage(payload)
	if err != nil {
		return err
	}
	if err := conn.Send(msg); err != nil {
		return err
	}
	m.metrics.RecordMessageSent(string(msg.Type))
	return nil
}

func (m *Manager) sendDestroy(conn Conn, id protocol.CircuitID) {
	if err := m.send(conn, protocol.CircuitDestroy{CircuitID: id}); err != nil {
		m.logger.Debug("failed to send destroy",
			logging.KeyCircuitID, id.ShortString(),
			logging.KeyPeer, logging.ShortKey(conn.RemoteKey()),
			logging.KeyError, err)
	}
}

func newEphemeral() (*ecdh.PrivateKey, string, error) {
	priv, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, "", err
	}
	pub, err := crypto.EncodePublicKey(priv.PublicKey())
	if err != nil {
		return nil, "", err
	}
	return priv, pub, nil
}

// agreeWith derives the hop key from our ephemeral and the peer's encoded one.
func agreeWith(priv *ecdh.PrivateKey, theirs string) ([]byte, error) {
	pub, err := crypto.DecodePublicKey(theirs)
	if err != nil {
		return nil, err
	}
	secret, err := crypto.KeyAgreement(priv, pub)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(secret)
	return crypto.DeriveSymmetricKey(secret)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrInsufficientPeers),
		errors.Is(err, ErrCircuitClosed),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrInvalidLength):
		return false
	default:
		return true
	}
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientPeers):
		return "insufficient_peers"
	case errors.Is(err, ErrPeerUnreachable):
		return "unreachable"
	case errors.Is(err, ErrBuildTimeout):
		return "timeout"
	case errors.Is(err, crypto.ErrCrypto):
		return "crypto"
	case errors.Is(err, ErrEntryLost):
		return "entry_lost"
	case errors.Is(err, ErrDestroyed):
		return "destroyed"
	default:
		return "error"
	}
}
