package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// IDSize is the size of circuit and message identifiers in bytes.
const IDSize = 16

// CircuitID identifies a circuit on every node along its path.
type CircuitID [IDSize]byte

// ZeroCircuitID is the unset circuit id.
var ZeroCircuitID = CircuitID{}

// NewCircuitID returns a random 128-bit circuit id.
func NewCircuitID() (CircuitID, error) {
	var id CircuitID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroCircuitID, fmt.Errorf("failed to generate circuit ID: %w", err)
	}
	return id, nil
}

// ParseCircuitID parses the hex form produced by String.
func ParseCircuitID(s string) (CircuitID, error) {
	s = strings.TrimSpace(s)
	if len(s) != IDSize*2 {
		return ZeroCircuitID, fmt.Errorf("%w: circuit id has %d hex chars, expected %d", ErrDecode, len(s), IDSize*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroCircuitID, fmt.Errorf("%w: circuit id: %v", ErrDecode, err)
	}
	var id CircuitID
	copy(id[:], b)
	return id, nil
}

func (id CircuitID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns the first 8 hex chars.
func (id CircuitID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether id is unset.
func (id CircuitID) IsZero() bool {
	return id == ZeroCircuitID
}

// MarshalText implements encoding.TextMarshaler.
func (id CircuitID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *CircuitID) UnmarshalText(text []byte) error {
	parsed, err := ParseCircuitID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewMessageID returns a random hex message id.
func NewMessageID() (string, error) {
	var b [IDSize]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", fmt.Errorf("failed to generate message ID: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
