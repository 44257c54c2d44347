// Package control provides a Unix socket control interface for onionmesh.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/onionmesh/internal/circuit"
	"github.com/postalsys/onionmesh/internal/logging"
	"github.com/postalsys/onionmesh/internal/protocol"
	"github.com/postalsys/onionmesh/internal/recovery"
)

// maxSendBody caps the application data accepted by POST /circuit/send.
const maxSendBody = 1 << 20

// NodeInfo is the node surface exposed over the control socket.
type NodeInfo interface {
	// Self returns this node's advertised identity and address.
	Self() protocol.PeerInfo

	// IsRunning returns true if the node is running.
	IsRunning() bool

	ConnectedPeerInfos() []protocol.PeerInfo
	KnownPeers() []protocol.PeerInfo
	RelayCount() int

	// Circuit returns the originator circuit, if one was ever built.
	Circuit() (circuit.Snapshot, bool)
	BuildCircuit() error
	SendCircuitData(data []byte) error
	CloseCircuit() error
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	PublicKey     string            `json:"public_key"`
	Address       string            `json:"address"`
	Running       bool              `json:"running"`
	PeerCount     int               `json:"peer_count"`
	KnownPeers    int               `json:"known_peers"`
	RelayCircuits int               `json:"relay_circuits"`
	Circuit       *circuit.Snapshot `json:"circuit,omitempty"`
}

// PeersResponse is the response for the peers endpoint.
type PeersResponse struct {
	Connected []protocol.PeerInfo `json:"connected"`
	Known     []protocol.PeerInfo `json:"known"`
}

// CircuitResponse is the response for circuit endpoints.
type CircuitResponse struct {
	Circuit circuit.Snapshot `json:"circuit"`
}

// SendRequest is the body of POST /circuit/send.
type SendRequest struct {
	Data string `json:"data"`
}

// SendResponse reports how much application data entered the circuit.
type SendResponse struct {
	Bytes int `json:"bytes"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	node     NodeInfo
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, node NodeInfo) *Server {
	s := &Server{
		cfg:    cfg,
		node:   node,
		logger: logging.OrNop(cfg.Logger).With(logging.KeyComponent, "control"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/circuit", s.handleCircuit)
	mux.HandleFunc("/circuit/send", s.handleSend)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		defer recovery.RecoverWithLog(s.logger, "control.serve")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control server stopped", logging.KeyError, err)
		}
	}()

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	self := s.node.Self()
	response := StatusResponse{
		PublicKey:     self.PublicKey,
		Address:       self.Address(),
		Running:       s.node.IsRunning(),
		PeerCount:     len(s.node.ConnectedPeerInfos()),
		KnownPeers:    len(s.node.KnownPeers()),
		RelayCircuits: s.node.RelayCount(),
	}
	if snap, ok := s.node.Circuit(); ok {
		response.Circuit = &snap
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, PeersResponse{
		Connected: nonNil(s.node.ConnectedPeerInfos()),
		Known:     nonNil(s.node.KnownPeers()),
	})
}

// handleCircuit shows (GET), builds (POST) or closes (DELETE) the circuit.
func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if err := s.node.BuildCircuit(); err != nil {
			writeError(w, err)
			return
		}
		s.logger.Info("circuit build requested")
	case http.MethodDelete:
		if err := s.node.CloseCircuit(); err != nil {
			writeError(w, err)
			return
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, _ := s.node.Circuit()
	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusAccepted
	}
	writeJSON(w, status, CircuitResponse{Circuit: snap})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSendBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Data == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "data is required"})
		return
	}

	if err := s.node.SendCircuitData([]byte(req.Data)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SendResponse{Bytes: len(req.Data)})
}

// statusFor maps circuit errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, circuit.ErrBuildInProgress),
		errors.Is(err, circuit.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, circuit.ErrInsufficientPeers),
		errors.Is(err, circuit.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nonNil(peers []protocol.PeerInfo) []protocol.PeerInfo {
	if peers == nil {
		return []protocol.PeerInfo{}
	}
	return peers
}
