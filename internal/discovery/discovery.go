// Package discovery exchanges known-peer lists between neighbours.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/postalsys/onionmesh/internal/logging"
	"github.com/postalsys/onionmesh/internal/protocol"
	"github.com/postalsys/onionmesh/internal/recovery"
	"github.com/postalsys/onionmesh/internal/router"
)

// Directory is the part of the peer manager discovery needs.
type Directory interface {
	ConnectedPeerInfos() []protocol.PeerInfo
	AddKnownPeer(protocol.PeerInfo) bool
	Broadcast(protocol.Payload) error
}

// Config contains discovery configuration.
type Config struct {
	Directory Directory

	// MaxPeers caps the number of peers in one response.
	MaxPeers int

	// Interval between broadcast requests. Zero disables the loop.
	Interval     time.Duration
	InitialDelay time.Duration

	Logger *slog.Logger
}

// Service answers PEER_DISCOVERY_REQUEST and merges responses into the
// directory.
type Service struct {
	dir      Directory
	maxPeers int
	interval time.Duration
	initial  time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a discovery service.
func New(cfg Config) *Service {
	if cfg.MaxPeers <= 0 || cfg.MaxPeers > protocol.MaxDiscoveryPeers {
		cfg.MaxPeers = protocol.MaxDiscoveryPeers
	}
	return &Service{
		dir:      cfg.Directory,
		maxPeers: cfg.MaxPeers,
		interval: cfg.Interval,
		initial:  cfg.InitialDelay,
		logger:   logging.OrNop(cfg.Logger).With(logging.KeyComponent, "discovery"),
		stopCh:   make(chan struct{}),
	}
}

// Register installs the request and response handlers on r.
func (s *Service) Register(r *router.Router) error {
	if err := r.RegisterFunc(protocol.TypePeerDiscoveryRequest, s.HandleRequest); err != nil {
		return err
	}
	return r.RegisterFunc(protocol.TypePeerDiscoveryResponse, s.HandleResponse)
}

// HandleRequest replies with a random sample of connected peers, never
// including the requester.
func (s *Service) HandleRequest(_ context.Context, from router.Sender, _ *protocol.Message) error {
	var peers []protocol.PeerInfo
	for _, p := range s.dir.ConnectedPeerInfos() {
		if p.PublicKey != from.RemoteKey() {
			peers = append(peers, p)
		}
	}
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > s.maxPeers {
		peers = peers[:s.maxPeers]
	}

	msg, err := protocol.NewMessage(protocol.PeerDiscoveryResponse{Peers: peers})
	if err != nil {
		return err
	}
	if err := from.Send(msg); err != nil {
		return fmt.Errorf("failed to send discovery response: %w", err)
	}

	s.logger.Debug("answered discovery request",
		logging.KeyPeer, logging.ShortKey(from.RemoteKey()),
		logging.KeyCount, len(peers))
	return nil
}

// HandleResponse adds every advertised peer to the directory.
func (s *Service) HandleResponse(_ context.Context, from router.Sender, msg *protocol.Message) error {
	resp, ok := msg.Payload.(protocol.PeerDiscoveryResponse)
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrPayloadTypeMismatch, msg.Type)
	}

	added := 0
	for _, p := range resp.Peers {
		if s.dir.AddKnownPeer(p) {
			added++
		}
	}
	if added > 0 {
		s.logger.Info("discovered peers",
			logging.KeyPeer, logging.ShortKey(from.RemoteKey()),
			logging.KeyCount, added)
	}
	return nil
}

// RequestPeers asks one neighbour for its peers.
func (s *Service) RequestPeers(to router.Sender) error {
	msg, err := protocol.NewMessage(protocol.PeerDiscoveryRequest{})
	if err != nil {
		return err
	}
	return to.Send(msg)
}

// Start begins periodic discovery broadcasts.
func (s *Service) Start() {
	if s.interval <= 0 {
		return
	}
	s.wg.Add(1)
	go s.loop()
}

// Stop stops the broadcast loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) loop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "discovery.loop")

	timer := time.NewTimer(s.initial)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			if err := s.dir.Broadcast(protocol.PeerDiscoveryRequest{}); err != nil {
				s.logger.Debug("discovery broadcast incomplete", logging.KeyError, err)
			}
			timer.Reset(s.interval)
		}
	}
}
