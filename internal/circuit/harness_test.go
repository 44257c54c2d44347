package circuit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/onionmesh/internal/backoff"
	"github.com/postalsys/onionmesh/internal/protocol"
	"github.com/postalsys/onionmesh/internal/router"
)

// testNet is an in-memory overlay: every node has a real router and
// circuit manager, and links carry encoded frames between routers.
type testNet struct {
	mu    sync.Mutex
	nodes []*testNode
	log   []hopMsg
}

type hopMsg struct {
	from, to string
	typ      protocol.MessageType
}

func (h hopMsg) String() string {
	return fmt.Sprintf("%s->%s %s", h.from, h.to, h.typ)
}

type testNode struct {
	net   *testNet
	info  protocol.PeerInfo
	mgr   *Manager
	rt    *router.Router
	exits chan []byte

	mu          sync.Mutex
	links       map[string]*link
	known       []protocol.PeerInfo // overrides the full membership when set
	unreachable bool
	blackhole   bool
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.ConnectPollInterval = 2 * time.Millisecond
	cfg.BuildTimeout = 5 * time.Second
	cfg.Retry = backoff.Config{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  1,
	}
	cfg.CreateRate = 0
	return cfg
}

func newTestNet(t *testing.T, n int, mutate func(i int, cfg *Config)) *testNet {
	t.Helper()
	tn := &testNet{}
	for i := 0; i < n; i++ {
		node := &testNode{
			net:   tn,
			info:  protocol.PeerInfo{PublicKey: fmt.Sprintf("node-%d", i), Host: "127.0.0.1", Port: 9000 + i},
			exits: make(chan []byte, 8),
			links: make(map[string]*link),
		}

		cfg := testConfig()
		cfg.Exit = func(_ protocol.CircuitID, data []byte) { node.exits <- data }
		if mutate != nil {
			mutate(i, &cfg)
		}

		m, err := NewManager(node, cfg)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		rt, err := router.New(router.Config{})
		if err != nil {
			t.Fatal(err)
		}
		if err := NewProtocol(m).Register(rt); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if err := rt.Start(); err != nil {
			t.Fatal(err)
		}
		node.mgr, node.rt = m, rt
		t.Cleanup(func() {
			m.Stop()
			rt.Stop()
		})
		tn.nodes = append(tn.nodes, node)
	}
	return tn
}

func (tn *testNet) node(key string) *testNode {
	for _, n := range tn.nodes {
		if n.info.PublicKey == key {
			return n
		}
	}
	return nil
}

func (tn *testNet) record(from, to string, t protocol.MessageType) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.log = append(tn.log, hopMsg{from: from, to: to, typ: t})
}

func (tn *testNet) messages() []hopMsg {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return append([]hopMsg(nil), tn.log...)
}

func (tn *testNet) connect(a, b *testNode) {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	a.mu.Lock()
	_, exists := a.links[b.info.PublicKey]
	a.mu.Unlock()
	if exists {
		return
	}

	ab := &link{from: a, to: b}
	ba := &link{from: b, to: a}
	ab.reverse, ba.reverse = ba, ab

	a.mu.Lock()
	a.links[b.info.PublicKey] = ab
	a.mu.Unlock()
	b.mu.Lock()
	b.links[a.info.PublicKey] = ba
	b.mu.Unlock()
}

// Directory

func (n *testNode) LocalKey() string { return n.info.PublicKey }

func (n *testNode) KnownPeers() []protocol.PeerInfo {
	n.mu.Lock()
	known := n.known
	n.mu.Unlock()
	if known != nil {
		return known
	}
	var out []protocol.PeerInfo
	for _, o := range n.net.nodes {
		if o != n {
			out = append(out, o.info)
		}
	}
	return out
}

func (n *testNode) Lookup(key string) (Conn, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[key]
	if !ok {
		return nil, false
	}
	return l, true
}

func (n *testNode) ConnectToPeer(host string, port int) {
	for _, o := range n.net.nodes {
		if o.info.Port == port && o.info.Host == host {
			if o.isUnreachable() {
				return
			}
			n.net.connect(n, o)
			return
		}
	}
}

func (n *testNode) setUnreachable(v bool) {
	n.mu.Lock()
	n.unreachable = v
	n.mu.Unlock()
}

func (n *testNode) isUnreachable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unreachable
}

func (n *testNode) setBlackhole(v bool) {
	n.mu.Lock()
	n.blackhole = v
	n.mu.Unlock()
}

func (n *testNode) isBlackhole() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blackhole
}

func (n *testNode) link(key string) *link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[key]
}

// link is one direction of a connection between two test nodes.
type link struct {
	from, to *testNode
	reverse  *link
	closed   atomic.Bool
}

var errLinkClosed = errors.New("link closed")

func (l *link) RemoteKey() string { return l.to.info.PublicKey }

func (l *link) Send(msg *protocol.Message) error {
	if l.closed.Load() {
		return errLinkClosed
	}
	line, err := msg.Encode()
	if err != nil {
		return err
	}
	decoded, err := protocol.Decode(line)
	if err != nil {
		return err
	}
	l.from.net.record(l.from.info.PublicKey, l.to.info.PublicKey, msg.Type)
	if !l.to.isBlackhole() {
		l.to.rt.Enqueue(l.reverse, decoded)
	}
	return nil
}

// Disconnect closes both directions and tells both managers.
func (l *link) Disconnect() {
	if l.closed.Swap(true) {
		return
	}
	l.reverse.closed.Store(true)

	l.from.mu.Lock()
	delete(l.from.links, l.to.info.PublicKey)
	l.from.mu.Unlock()
	l.to.mu.Lock()
	delete(l.to.links, l.from.info.PublicKey)
	l.to.mu.Unlock()

	l.from.mgr.PeerDisconnected(l)
	l.to.mgr.PeerDisconnected(l.reverse)
}

// recordingConn captures everything sent to it.
type recordingConn struct {
	key  string
	mu   sync.Mutex
	sent []*protocol.Message
}

func (c *recordingConn) RemoteKey() string { return c.key }

func (c *recordingConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingConn) Disconnect() {}

func (c *recordingConn) messages() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.sent...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
