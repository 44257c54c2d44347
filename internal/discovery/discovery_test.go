package discovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/onionmesh/internal/protocol"
)

type fakeDirectory struct {
	mu         sync.Mutex
	connected  []protocol.PeerInfo
	known      map[string]protocol.PeerInfo
	broadcasts int
}

func newFakeDirectory(connected ...protocol.PeerInfo) *fakeDirectory {
	return &fakeDirectory{connected: connected, known: make(map[string]protocol.PeerInfo)}
}

func (d *fakeDirectory) ConnectedPeerInfos() []protocol.PeerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.PeerInfo(nil), d.connected...)
}

func (d *fakeDirectory) AddKnownPeer(p protocol.PeerInfo) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.known[p.PublicKey]; ok {
		return false
	}
	d.known[p.PublicKey] = p
	return true
}

func (d *fakeDirectory) Broadcast(p protocol.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := p.(protocol.PeerDiscoveryRequest); ok {
		d.broadcasts++
	}
	return nil
}

func (d *fakeDirectory) broadcastCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.broadcasts
}

type fakeSender struct {
	key  string
	sent []*protocol.Message
}

func (s *fakeSender) RemoteKey() string { return s.key }
func (s *fakeSender) Send(m *protocol.Message) error {
	s.sent = append(s.sent, m)
	return nil
}
func (s *fakeSender) Disconnect() {}

func peers(n int) []protocol.PeerInfo {
	out := make([]protocol.PeerInfo, n)
	for i := range out {
		out[i] = protocol.PeerInfo{PublicKey: fmt.Sprintf("key-%02d", i), Host: "10.0.0.1", Port: 5000 + i}
	}
	return out
}

func TestHandleRequest_ExcludesRequester(t *testing.T) {
	all := peers(4)
	s := New(Config{Directory: newFakeDirectory(all...)})
	from := &fakeSender{key: all[2].PublicKey}

	if err := s.HandleRequest(context.Background(), from, nil); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}
	if len(from.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(from.sent))
	}
	resp, ok := from.sent[0].Payload.(protocol.PeerDiscoveryResponse)
	if !ok {
		t.Fatalf("reply type = %s", from.sent[0].Type)
	}
	if len(resp.Peers) != 3 {
		t.Errorf("reply has %d peers, want 3", len(resp.Peers))
	}
	for _, p := range resp.Peers {
		if p.PublicKey == from.key {
			t.Error("reply includes the requester")
		}
	}
}

func TestHandleRequest_CapsResponse(t *testing.T) {
	tests := []struct {
		name      string
		connected int
		maxPeers  int
		want      int
	}{
		{"default cap", 30, 0, protocol.MaxDiscoveryPeers},
		{"custom cap", 30, 5, 5},
		{"cap above protocol limit", 30, 100, protocol.MaxDiscoveryPeers},
		{"fewer than cap", 3, 0, 3},
		{"none", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{Directory: newFakeDirectory(peers(tt.connected)...), MaxPeers: tt.maxPeers})
			from := &fakeSender{key: "requester"}
			if err := s.HandleRequest(context.Background(), from, nil); err != nil {
				t.Fatal(err)
			}
			resp := from.sent[0].Payload.(protocol.PeerDiscoveryResponse)
			if len(resp.Peers) != tt.want {
				t.Errorf("reply has %d peers, want %d", len(resp.Peers), tt.want)
			}
		})
	}
}

func TestHandleResponse_AddsPeers(t *testing.T) {
	dir := newFakeDirectory()
	s := New(Config{Directory: dir})

	msg, _ := protocol.NewMessage(protocol.PeerDiscoveryResponse{Peers: peers(3)})
	if err := s.HandleResponse(context.Background(), &fakeSender{key: "x"}, msg); err != nil {
		t.Fatalf("HandleResponse() error = %v", err)
	}
	if len(dir.known) != 3 {
		t.Errorf("known = %d, want 3", len(dir.known))
	}

	wrong, _ := protocol.NewMessage(protocol.PeerDiscoveryRequest{})
	if err := s.HandleResponse(context.Background(), &fakeSender{key: "x"}, wrong); err == nil {
		t.Error("HandleResponse() accepted a request payload")
	}
}

func TestRequestPeers(t *testing.T) {
	s := New(Config{Directory: newFakeDirectory()})
	to := &fakeSender{key: "x"}
	if err := s.RequestPeers(to); err != nil {
		t.Fatal(err)
	}
	if len(to.sent) != 1 || to.sent[0].Type != protocol.TypePeerDiscoveryRequest {
		t.Errorf("sent %v", to.sent)
	}
}

func TestService_PeriodicBroadcast(t *testing.T) {
	dir := newFakeDirectory()
	s := New(Config{Directory: dir, Interval: 10 * time.Millisecond, InitialDelay: time.Millisecond})
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for dir.broadcastCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if dir.broadcastCount() < 2 {
		t.Errorf("broadcasts = %d, want at least 2", dir.broadcastCount())
	}
}
