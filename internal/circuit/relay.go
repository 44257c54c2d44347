package circuit

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/onionmesh/internal/crypto"
	"github.com/postalsys/onionmesh/internal/logging"
	"github.com/postalsys/onionmesh/internal/protocol"
)

type hopKind int

const (
	hopNone hopKind = iota
	hopConnecting
	hopConnected
)

// nextHop is where a relay forwards outbound traffic. A relay starts with
// none; the first EXTEND moves it to connecting and the finished dial to
// connected. It never moves back.
type nextHop struct {
	kind   hopKind
	target protocol.PeerInfo // while connecting
	conn   Conn              // once connected
}

// relayState is kept for every circuit this node forwards for.
type relayState struct {
	id        protocol.CircuitID
	prev      Conn
	next      nextHop
	key       []byte
	createdAt time.Time
}

// HandleCreateRequest makes this node a hop of someone else's circuit.
func (m *Manager) HandleCreateRequest(from Conn, p protocol.CircuitCreateRequest) error {
	if m.isClosed() {
		return ErrClosed
	}
	if !m.allowCreate(from.RemoteKey()) {
		m.metrics.RecordRelayCreateLimited()
		return fmt.Errorf("%w: %s", ErrRateLimited, logging.ShortKey(from.RemoteKey()))
	}

	eph, pub, err := newEphemeral()
	if err != nil {
		return err
	}
	key, err := agreeWith(eph, p.EphemeralKey)
	if err != nil {
		return fmt.Errorf("circuit %s: %w", p.CircuitID.ShortString(), err)
	}

	m.relayMu.Lock()
	if _, exists := m.relays[p.CircuitID]; exists {
		m.relayMu.Unlock()
		crypto.ZeroBytes(key)
		return fmt.Errorf("%w: duplicate create for %s", ErrUnexpectedMessage, p.CircuitID.ShortString())
	}
	m.relays[p.CircuitID] = &relayState{
		id:        p.CircuitID,
		prev:      from,
		key:       key,
		createdAt: time.Now(),
	}
	count := len(m.relays)
	m.relayMu.Unlock()

	m.metrics.SetRelayCircuits(count)
	m.logger.Debug("relaying circuit",
		logging.KeyCircuitID, p.CircuitID.ShortString(),
		logging.KeyPeer, logging.ShortKey(from.RemoteKey()))

	return m.send(from, protocol.CircuitCreateResponse{CircuitID: p.CircuitID, EphemeralKey: pub})
}

// HandleExtendRequest peels one layer. A relay that already has a next
// hop forwards the remainder; otherwise the remainder names the hop to add.
func (m *Manager) HandleExtendRequest(from Conn, p protocol.CircuitExtendRequest) error {
	m.relayMu.Lock()
	r, err := m.relayFromPrevLocked(from, p.CircuitID)
	if err != nil {
		m.relayMu.Unlock()
		return err
	}
	inner, err := crypto.Decrypt(p.Blob, r.key)
	if err != nil {
		m.relayMu.Unlock()
		return fmt.Errorf("circuit %s: %w", p.CircuitID.ShortString(), err)
	}

	switch r.next.kind {
	case hopConnected:
		next := r.next.conn
		m.relayMu.Unlock()
		return m.send(next, protocol.CircuitExtendRequest{CircuitID: p.CircuitID, Blob: inner})
	case hopConnecting:
		m.relayMu.Unlock()
		return fmt.Errorf("%w: extend while next hop is connecting", ErrUnexpectedMessage)
	}

	rec, err := protocol.DecodeExtendRecord(inner)
	if err != nil {
		m.relayMu.Unlock()
		return err
	}
	if rec.Next.PublicKey == m.dir.LocalKey() {
		m.relayMu.Unlock()
		return fmt.Errorf("%w: extend to self", ErrUnexpectedMessage)
	}
	r.next = nextHop{kind: hopConnecting, target: rec.Next}
	m.relayMu.Unlock()

	m.logger.Debug("extending circuit",
		logging.KeyCircuitID, p.CircuitID.ShortString(),
		logging.KeyPeer, logging.ShortKey(rec.Next.PublicKey))

	if !m.spawn("circuit.relayConnect", func() { m.relayConnect(r, rec) }) {
		return ErrClosed
	}
	return nil
}

// relayConnect reaches the next hop and forwards the originator's
// ephemeral key to it. On failure the circuit is destroyed backward.
func (m *Manager) relayConnect(r *relayState, rec protocol.ExtendRecord) {
	conn, err := m.connectOrReuse(rec.Next)

	m.relayMu.Lock()
	if m.relays[r.id] != r {
		m.relayMu.Unlock()
		return
	}
	if err != nil {
		prev := m.removeRelayLocked(r)
		m.relayMu.Unlock()

		m.logger.Warn("cannot reach next hop",
			logging.KeyCircuitID, r.id.ShortString(),
			logging.KeyAddress, rec.Next.Address(),
			logging.KeyError, err)
		m.sendDestroy(prev, r.id)
		return
	}
	r.next = nextHop{kind: hopConnected, conn: conn}
	m.relayMu.Unlock()

	if err := m.send(conn, protocol.CircuitCreateRequest{CircuitID: r.id, EphemeralKey: rec.EphemeralKey}); err != nil {
		m.logger.Warn("failed to forward create request",
			logging.KeyCircuitID, r.id.ShortString(),
			logging.KeyError, err)

		m.relayMu.Lock()
		var prev Conn
		if m.relays[r.id] == r {
			prev = m.removeRelayLocked(r)
		}
		m.relayMu.Unlock()
		if prev != nil {
			m.sendDestroy(prev, r.id)
		}
	}
}

// relayResponse adds this relay's layer to a response from the next hop
// and passes it to the previous hop as an EXTEND response.
func (m *Manager) relayResponse(from Conn, id protocol.CircuitID, body []byte) error {
	m.relayMu.Lock()
	r, ok := m.relays[id]
	if !ok {
		m.relayMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCircuit, id.ShortString())
	}
	if r.next.kind != hopConnected || r.next.conn.RemoteKey() != from.RemoteKey() {
		m.relayMu.Unlock()
		return ErrUnexpectedSender
	}
	blob, err := crypto.Encrypt(body, r.key)
	prev := r.prev
	m.relayMu.Unlock()
	if err != nil {
		return err
	}

	return m.send(prev, protocol.CircuitExtendResponse{CircuitID: id, Blob: blob})
}

// HandleData peels one layer of application data and forwards it, or
// hands the plaintext to the exit handler at the last hop.
func (m *Manager) HandleData(from Conn, p protocol.CircuitData) error {
	m.relayMu.Lock()
	r, err := m.relayFromPrevLocked(from, p.CircuitID)
	if err != nil {
		m.relayMu.Unlock()
		return err
	}
	inner, err := crypto.Decrypt(p.Blob, r.key)
	next := r.next
	m.relayMu.Unlock()
	if err != nil {
		return fmt.Errorf("circuit %s: %w", p.CircuitID.ShortString(), err)
	}

	switch next.kind {
	case hopConnected:
		m.metrics.RecordCircuitData("relay", len(inner))
		return m.send(next.conn, protocol.CircuitData{CircuitID: p.CircuitID, Blob: inner})
	case hopNone:
		m.metrics.RecordCircuitData("exit", len(inner))
		m.cfg.Exit(p.CircuitID, inner)
		return nil
	default:
		return fmt.Errorf("%w: data while next hop is connecting", ErrUnexpectedMessage)
	}
}

// relayDestroy removes relay state and passes the destroy away from
// whichever side sent it.
func (m *Manager) relayDestroy(from Conn, id protocol.CircuitID) error {
	m.relayMu.Lock()
	r, ok := m.relays[id]
	if !ok {
		m.relayMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCircuit, id.ShortString())
	}

	var forward Conn
	switch {
	case r.prev.RemoteKey() == from.RemoteKey():
		if r.next.kind == hopConnected {
			forward = r.next.conn
		}
	case r.next.kind == hopConnected && r.next.conn.RemoteKey() == from.RemoteKey():
		forward = r.prev
	default:
		m.relayMu.Unlock()
		return ErrUnexpectedSender
	}
	m.removeRelayLocked(r)
	m.relayMu.Unlock()

	m.logger.Debug("relay circuit destroyed", logging.KeyCircuitID, id.ShortString())
	if forward != nil {
		m.sendDestroy(forward, id)
	}
	return nil
}

// relayDisconnected destroys every relay circuit routed over conn and
// notifies the other side of each.
func (m *Manager) relayDisconnected(conn Conn) {
	type notice struct {
		to Conn
		id protocol.CircuitID
	}
	var notices []notice

	m.relayMu.Lock()
	for _, r := range m.relays {
		var other Conn
		switch {
		case r.prev == conn:
			if r.next.kind == hopConnected {
				other = r.next.conn
			}
		case r.next.kind == hopConnected && r.next.conn == conn:
			other = r.prev
		default:
			continue
		}
		m.removeRelayLocked(r)
		if other != nil {
			notices = append(notices, notice{to: other, id: r.id})
		}
	}
	delete(m.limiters, conn.RemoteKey())
	m.relayMu.Unlock()

	for _, n := range notices {
		m.sendDestroy(n.to, n.id)
	}
	if len(notices) > 0 {
		m.logger.Info("destroyed relay circuits after disconnect",
			logging.KeyPeer, logging.ShortKey(conn.RemoteKey()),
			logging.KeyCount, len(notices))
	}
}

func (m *Manager) destroyAllRelays() {
	m.relayMu.Lock()
	relays := make([]*relayState, 0, len(m.relays))
	for _, r := range m.relays {
		relays = append(relays, r)
	}
	type target struct {
		conn Conn
		id   protocol.CircuitID
	}
	var targets []target
	for _, r := range relays {
		targets = append(targets, target{r.prev, r.id})
		if r.next.kind == hopConnected {
			targets = append(targets, target{r.next.conn, r.id})
		}
		m.removeRelayLocked(r)
	}
	m.relayMu.Unlock()

	for _, t := range targets {
		m.sendDestroy(t.conn, t.id)
	}
}

// RelayCount returns the number of circuits relayed through this node.
func (m *Manager) RelayCount() int {
	m.relayMu.Lock()
	defer m.relayMu.Unlock()
	return len(m.relays)
}

func (m *Manager) relayFromPrevLocked(from Conn, id protocol.CircuitID) (*relayState, error) {
	r, ok := m.relays[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCircuit, id.ShortString())
	}
	if r.prev.RemoteKey() != from.RemoteKey() {
		return nil, ErrUnexpectedSender
	}
	return r, nil
}

// removeRelayLocked drops r and wipes its key. It returns r.prev.
func (m *Manager) removeRelayLocked(r *relayState) Conn {
	delete(m.relays, r.id)
	crypto.ZeroBytes(r.key)
	m.metrics.SetRelayCircuits(len(m.relays))
	return r.prev
}

// allowCreate applies the per-neighbour CREATE rate limit.
func (m *Manager) allowCreate(key string) bool {
	m.relayMu.Lock()
	defer m.relayMu.Unlock()

	l, ok := m.limiters[key]
	if !ok {
		l = rate.NewLimiter(m.cfg.CreateRate, m.cfg.CreateBurst)
		m.limiters[key] = l
	}
	return l.Allow()
}
