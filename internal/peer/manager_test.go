package peer

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/onionmesh/internal/protocol"
	"github.com/postalsys/onionmesh/internal/transport"
)

type testNode struct {
	*Manager
	port     int
	messages chan *protocol.Message
	gone     chan string
}

func newTestNode(t *testing.T, mutate func(*ManagerConfig)) *testNode {
	t.Helper()
	n := &testNode{
		messages: make(chan *protocol.Message, 32),
		gone:     make(chan string, 8),
	}

	cfg := DefaultManagerConfig(newIdentity(t), transport.NewTCPTransport())
	cfg.MaintenanceInterval = 0
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.OnMessage = func(_ *Connection, m *protocol.Message) { n.messages <- m }
	cfg.OnPeerDisconnect = func(c *Connection, _ error) { n.gone <- c.RemoteKey() }
	if mutate != nil {
		mutate(&cfg)
	}

	n.Manager = NewManager(cfg)
	if err := n.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func (n *testNode) listen(t *testing.T) {
	t.Helper()
	addr, err := n.Listen("127.0.0.1:0", transport.ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	n.port = addr.(*net.TCPAddr).Port
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type memBook struct {
	mu    sync.Mutex
	peers []protocol.PeerInfo
}

func (b *memBook) Peers() ([]protocol.PeerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.PeerInfo(nil), b.peers...), nil
}

func (b *memBook) Put(p protocol.PeerInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers = append(b.peers, p)
	return nil
}

func TestManager_DialAndExchange(t *testing.T) {
	a := newTestNode(t, nil)
	a.listen(t)
	b := newTestNode(t, nil)

	conn, err := b.Dial(context.Background(), "127.0.0.1", a.port)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if conn.RemoteKey() != a.LocalKey() {
		t.Error("dialed connection has wrong remote key")
	}
	waitFor(t, "inbound registration", func() bool { return a.PeerCount() == 1 })

	if _, ok := a.ConnectedPeer(b.LocalKey()); !ok {
		t.Error("listener does not list the dialer")
	}

	// The dialer learns the listener's address from the dial itself.
	known := b.KnownPeers()
	if len(known) != 1 || known[0].PublicKey != a.LocalKey() || known[0].Port != a.port {
		t.Errorf("KnownPeers() = %+v", known)
	}

	if infos := b.ConnectedPeerInfos(); len(infos) != 1 || !infos[0].Equal(known[0]) {
		t.Errorf("ConnectedPeerInfos() = %+v", infos)
	}
	if infos := a.ConnectedPeerInfos(); len(infos) != 0 {
		t.Errorf("listener reports an address for a dialer that advertised none: %+v", infos)
	}

	msg, _ := protocol.NewMessage(protocol.PeerDiscoveryRequest{})
	if err := conn.Send(msg); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-a.messages:
		if got.ID != msg.ID {
			t.Errorf("received %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestManager_LearnsAdvertisedAddress(t *testing.T) {
	a := newTestNode(t, nil)
	a.listen(t)
	b := newTestNode(t, func(c *ManagerConfig) {
		c.Advertise = protocol.PeerInfo{Host: "127.0.0.1", Port: 40404}
	})

	if _, err := b.Dial(context.Background(), "127.0.0.1", a.port); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "known peer", func() bool { return a.KnownCount() == 1 })

	got := a.KnownPeers()[0]
	if got.PublicKey != b.LocalKey() || got.Port != 40404 {
		t.Errorf("learned %+v", got)
	}
}

func TestManager_DuplicateDialKeepsExisting(t *testing.T) {
	a := newTestNode(t, nil)
	a.listen(t)
	b := newTestNode(t, nil)

	first, err := b.Dial(context.Background(), "127.0.0.1", a.port)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Dial(context.Background(), "127.0.0.1", a.port)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("second dial replaced the existing connection")
	}
	if first.State() != StateEstablished {
		t.Errorf("existing connection state = %s", first.State())
	}

	time.Sleep(100 * time.Millisecond)
	if a.PeerCount() != 1 || b.PeerCount() != 1 {
		t.Errorf("peer counts = %d/%d, want 1/1", a.PeerCount(), b.PeerCount())
	}
}

func TestManager_SelfDialRejected(t *testing.T) {
	a := newTestNode(t, nil)
	a.listen(t)

	if _, err := a.Dial(context.Background(), "127.0.0.1", a.port); err == nil {
		t.Fatal("Dial() to self should fail")
	}
	time.Sleep(50 * time.Millisecond)
	if a.PeerCount() != 0 {
		t.Errorf("PeerCount() = %d after self dial", a.PeerCount())
	}
}

func TestManager_FullNodeRefersElsewhere(t *testing.T) {
	a := newTestNode(t, func(c *ManagerConfig) { c.MaxConnections = 1 })
	a.listen(t)

	referral := protocol.PeerInfo{PublicKey: newIdentity(t).PublicKey(), Host: "10.1.2.3", Port: 9000}
	a.AddKnownPeer(referral)

	b := newTestNode(t, nil)
	if _, err := b.Dial(context.Background(), "127.0.0.1", a.port); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first peer", func() bool { return a.PeerCount() == 1 })

	c := newTestNode(t, nil)
	if _, err := c.Dial(context.Background(), "127.0.0.1", a.port); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	select {
	case m := <-c.messages:
		resp, ok := m.Payload.(protocol.PeerDiscoveryResponse)
		if !ok {
			t.Fatalf("got %s, want PEER_DISCOVERY_RESPONSE", m.Type)
		}
		found := false
		for _, p := range resp.Peers {
			if p.PublicKey == c.LocalKey() {
				t.Error("referral includes the refused peer itself")
			}
			if p.Equal(referral) {
				found = true
			}
		}
		if !found {
			t.Errorf("referral %+v missing known peer", resp.Peers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no referral received")
	}

	waitFor(t, "refused connection to close", func() bool { return c.PeerCount() == 0 })
	if a.PeerCount() != 1 {
		t.Errorf("full node PeerCount() = %d", a.PeerCount())
	}
}

func TestManager_DisconnectNotifies(t *testing.T) {
	a := newTestNode(t, nil)
	a.listen(t)
	b := newTestNode(t, nil)

	if _, err := b.Dial(context.Background(), "127.0.0.1", a.port); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "registration", func() bool { return a.PeerCount() == 1 })

	if err := b.Disconnect(a.LocalKey()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	select {
	case key := <-a.gone:
		if key != b.LocalKey() {
			t.Error("wrong peer reported gone")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener not notified")
	}
	waitFor(t, "deregistration", func() bool { return a.PeerCount() == 0 && b.PeerCount() == 0 })

	if err := b.Disconnect(a.LocalKey()); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

func TestManager_AddKnownPeer(t *testing.T) {
	book := &memBook{}
	n := newTestNode(t, func(c *ManagerConfig) { c.Store = book })
	other := newIdentity(t).PublicKey()

	tests := []struct {
		name string
		peer protocol.PeerInfo
		want bool
	}{
		{"new", protocol.PeerInfo{PublicKey: other, Host: "10.0.0.1", Port: 1000}, true},
		{"same again", protocol.PeerInfo{PublicKey: other, Host: "10.0.0.1", Port: 1000}, false},
		{"moved", protocol.PeerInfo{PublicKey: other, Host: "10.0.0.2", Port: 1000}, true},
		{"self", protocol.PeerInfo{PublicKey: n.LocalKey(), Host: "10.0.0.1", Port: 1000}, false},
		{"no port", protocol.PeerInfo{PublicKey: other, Host: "10.0.0.1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.AddKnownPeer(tt.peer); got != tt.want {
				t.Errorf("AddKnownPeer() = %v, want %v", got, tt.want)
			}
		})
	}

	if n.KnownCount() != 1 {
		t.Errorf("KnownCount() = %d, want 1", n.KnownCount())
	}
	if got := n.KnownPeers()[0].Host; got != "10.0.0.2" {
		t.Errorf("address not updated, host = %s", got)
	}
	stored, _ := book.Peers()
	if len(stored) != 2 {
		t.Errorf("persisted %d records, want 2", len(stored))
	}
}

func TestManager_StartLoadsAddressBook(t *testing.T) {
	p := protocol.PeerInfo{PublicKey: newIdentity(t).PublicKey(), Host: "10.0.0.9", Port: 4000}
	book := &memBook{peers: []protocol.PeerInfo{p}}

	n := newTestNode(t, func(c *ManagerConfig) { c.Store = book })
	known := n.KnownPeers()
	if len(known) != 1 || known[0] != p {
		t.Errorf("KnownPeers() = %+v", known)
	}
	stored, _ := book.Peers()
	if len(stored) != 1 {
		t.Error("loading the address book wrote it back")
	}
}

func TestManager_MaintainDialsKnownPeers(t *testing.T) {
	a := newTestNode(t, nil)
	a.listen(t)
	b := newTestNode(t, func(c *ManagerConfig) { c.MinConnections = 1 })

	b.AddKnownPeer(protocol.PeerInfo{PublicKey: a.LocalKey(), Host: "127.0.0.1", Port: a.port})
	b.Maintain()

	waitFor(t, "maintenance dial", func() bool { return b.PeerCount() == 1 })
	if _, ok := b.ConnectedPeer(a.LocalKey()); !ok {
		t.Error("maintenance connected to the wrong peer")
	}
}

func TestManager_BootstrapReconnects(t *testing.T) {
	a := newTestNode(t, nil)
	a.listen(t)
	b := newTestNode(t, func(c *ManagerConfig) {
		c.Reconnect.InitialDelay = 20 * time.Millisecond
		c.Reconnect.MaxDelay = 50 * time.Millisecond
	})

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(a.port))
	if err := b.AddBootstrap(addr); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bootstrap connection", func() bool { return b.PeerCount() == 1 })

	// Drop the link from the far side; the dialer should come back.
	if err := a.Disconnect(b.LocalKey()); err != nil {
		t.Fatal(err)
	}
	<-b.gone
	waitFor(t, "reconnection", func() bool { return b.PeerCount() == 1 })
}

func TestManager_CloseStopsEverything(t *testing.T) {
	a := newTestNode(t, nil)
	a.listen(t)
	b := newTestNode(t, nil)
	if _, err := b.Dial(context.Background(), "127.0.0.1", a.port); err != nil {
		t.Fatal(err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if a.PeerCount() != 0 {
		t.Errorf("PeerCount() = %d after Close", a.PeerCount())
	}
	if _, err := a.Listen("127.0.0.1:0", transport.ListenOptions{}); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Listen() after Close error = %v", err)
	}
	waitFor(t, "remote to notice", func() bool { return b.PeerCount() == 0 })
}

func TestManager_NoDialsAfterClose(t *testing.T) {
	a := newTestNode(t, nil)
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := a.AddBootstrap("127.0.0.1:9"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("AddBootstrap() after Close error = %v, want ErrManagerClosed", err)
	}
	a.ConnectToPeer("127.0.0.1", 9)

	a.mu.RLock()
	dialing := len(a.dialing)
	a.mu.RUnlock()
	if dialing != 0 {
		t.Errorf("%d dials started after Close", dialing)
	}
	if a.track() {
		t.Error("track() succeeded on a closed manager")
	}
}

func TestManager_CloseWhileDialing(t *testing.T) {
	a := newTestNode(t, func(cfg *ManagerConfig) {
		cfg.DialTimeout = 200 * time.Millisecond
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port := 20000 + i
			a.ConnectToPeer("127.0.0.1", port)
			a.AddBootstrap(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		}(i)
	}

	closed := make(chan struct{})
	go func() {
		a.Close()
		close(closed)
	}()
	wg.Wait()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return while dials were being added")
	}
}

func TestSplitAddr(t *testing.T) {
	tests := []struct {
		in      string
		host    string
		port    int
		wantErr bool
	}{
		{"127.0.0.1:5000", "127.0.0.1", 5000, false},
		{"[::1]:6000", "::1", 6000, false},
		{"example.com:0", "", 0, true},
		{"nohost", "", 0, true},
		{"host:notaport", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := splitAddr(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("splitAddr(%q) error = %v", tt.in, err)
			continue
		}
		if host != tt.host || port != tt.port {
			t.Errorf("splitAddr(%q) = %s, %d", tt.in, host, port)
		}
	}
}
