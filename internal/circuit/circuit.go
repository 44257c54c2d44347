// Package circuit builds and relays onion circuits.
//
// A node plays two roles at once. As originator it builds at most one
// circuit at a time by telescoping: the entry hop is created directly,
// every later hop is added through an EXTEND request that is encrypted
// once per established hop. As relay it keeps one relayState per
// circuit it forwards for, peeling one layer on the way out and adding
// one on the way back.
package circuit

import (
	"crypto/ecdh"
	"errors"
	"time"

	"github.com/postalsys/onionmesh/internal/protocol"
)

var (
	// ErrInsufficientPeers means fewer distinct known peers than hops.
	ErrInsufficientPeers = errors.New("not enough known peers for circuit")

	// ErrPeerUnreachable means a hop could not be connected in time.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrUnknownCircuit is returned for messages about circuits with no
	// local state. Such messages are dropped; the connection stays open.
	ErrUnknownCircuit = errors.New("unknown circuit")

	// ErrBuildInProgress rejects Init while a build is running.
	ErrBuildInProgress = errors.New("circuit build already in progress")

	// ErrNotReady is returned when data is submitted before the circuit is active.
	ErrNotReady = errors.New("circuit not ready")

	// ErrBuildTimeout tears down a build that missed its deadline.
	ErrBuildTimeout = errors.New("circuit build timed out")

	// ErrClosed is returned after the manager shuts down.
	ErrClosed = errors.New("circuit manager closed")

	// ErrCircuitClosed is the teardown reason for an explicit Close.
	ErrCircuitClosed = errors.New("circuit closed")

	// ErrEntryLost tears down a circuit whose entry connection dropped.
	ErrEntryLost = errors.New("entry connection lost")

	// ErrDestroyed tears down a circuit destroyed from the network side.
	ErrDestroyed = errors.New("circuit destroyed by peer")

	// ErrUnexpectedSender is returned when a circuit message arrives from
	// a connection that is not part of that circuit.
	ErrUnexpectedSender = errors.New("circuit message from unexpected peer")

	// ErrUnexpectedMessage is returned for messages that do not fit the
	// circuit's current state.
	ErrUnexpectedMessage = errors.New("unexpected circuit message")

	// ErrRateLimited is returned when a neighbour opens relay circuits too fast.
	ErrRateLimited = errors.New("circuit create rate limit exceeded")

	// ErrInvalidLength is returned for a circuit length below one.
	ErrInvalidLength = errors.New("circuit length must be at least 1")
)

// Conn is a send-capable connection to a neighbour.
type Conn interface {
	RemoteKey() string
	Send(*protocol.Message) error
}

// Directory is the peer directory a circuit manager builds on.
type Directory interface {
	LocalKey() string
	KnownPeers() []protocol.PeerInfo
	Lookup(publicKey string) (Conn, bool)
	ConnectToPeer(host string, port int)
}

// ExitHandler receives application data at the last hop of a circuit.
type ExitHandler func(id protocol.CircuitID, data []byte)

// State is the originator-side build state.
type State int

const (
	StateIdle State = iota
	StatePending
	StateExtending
	StateActive
	StateTornDown
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateExtending:
		return "extending"
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// stateNames lists every state for the circuit state gauge.
var stateNames = []string{"idle", "pending", "extending", "active", "torn_down"}

func (s State) building() bool {
	return s == StatePending || s == StateExtending
}

// Circuit is the originator's view of one circuit. It is guarded by the
// manager's mutex.
type Circuit struct {
	id        protocol.CircuitID
	path      []protocol.PeerInfo
	keys      [][]byte         // keys[i] is shared with path[i]; len(keys) is the current hop
	pending   *ecdh.PrivateKey // ephemeral for the hop being negotiated
	state     State
	reason    error
	entry     Conn
	attempt   int
	startedAt time.Time
	deadline  *time.Timer
}

func (c *Circuit) currentHop() int {
	return len(c.keys)
}

// Snapshot is a read-only copy of the originator circuit.
type Snapshot struct {
	ID         string              `json:"id"`
	State      string              `json:"state"`
	Reason     string              `json:"reason,omitempty"`
	CurrentHop int                 `json:"current_hop"`
	Length     int                 `json:"length"`
	Path       []protocol.PeerInfo `json:"path"`
	Attempt    int                 `json:"attempt"`
	StartedAt  time.Time           `json:"started_at"`
	Ready      bool                `json:"ready"`
}

func (c *Circuit) snapshot() Snapshot {
	s := Snapshot{
		ID:         c.id.String(),
		State:      c.state.String(),
		CurrentHop: c.currentHop(),
		Length:     len(c.path),
		Path:       append([]protocol.PeerInfo(nil), c.path...),
		Attempt:    c.attempt,
		StartedAt:  c.startedAt,
		Ready:      c.state == StateActive && c.currentHop() == len(c.path),
	}
	if c.reason != nil {
		s.Reason = c.reason.Error()
	}
	return s
}
