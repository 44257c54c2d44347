// Package protocol defines the line-oriented wire protocol spoken between
// onionmesh nodes.
package protocol

import "errors"

// MessageType tags a message and selects its payload encoding.
type MessageType string

// Message types.
const (
	TypeHandshake             MessageType = "HANDSHAKE"
	TypePeerDiscoveryRequest  MessageType = "PEER_DISCOVERY_REQUEST"
	TypePeerDiscoveryResponse MessageType = "PEER_DISCOVERY_RESPONSE"
	TypeCircuitCreateRequest  MessageType = "CIRCUIT_CREATE_REQUEST"
	TypeCircuitCreateResponse MessageType = "CIRCUIT_CREATE_RESPONSE"
	TypeCircuitExtendRequest  MessageType = "CIRCUIT_EXTEND_REQUEST"
	TypeCircuitExtendResponse MessageType = "CIRCUIT_EXTEND_RESPONSE"
	TypeCircuitData           MessageType = "CIRCUIT_DATA"
	TypeCircuitDestroy        MessageType = "CIRCUIT_DESTROY"
)

const (
	// Delimiter separates the fields of a frame. It cannot occur in
	// base64, hex, decimal or host:port data.
	Delimiter = ";delim;;;;"

	// MaxLineSize is the largest accepted frame, newline excluded.
	MaxLineSize = 1 << 20

	// MaxDiscoveryPeers caps the peers carried in one discovery response.
	MaxDiscoveryPeers = 20
)

var (
	// ErrDecode is returned for malformed frames or payloads.
	ErrDecode = errors.New("decode error")

	// ErrPayloadTypeMismatch is returned when a payload does not match the
	// message type it is sent under.
	ErrPayloadTypeMismatch = errors.New("payload type mismatch")

	// ErrUnknownPayloadType is returned for message types with no codec.
	ErrUnknownPayloadType = errors.New("unknown payload type")

	// ErrFrameTooLarge is returned when a frame exceeds MaxLineSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrIllegalField is returned when a field would contain the delimiter
	// or a line break.
	ErrIllegalField = errors.New("field contains delimiter or newline")
)

var knownTypes = map[MessageType]struct{}{
	TypeHandshake:             {},
	TypePeerDiscoveryRequest:  {},
	TypePeerDiscoveryResponse: {},
	TypeCircuitCreateRequest:  {},
	TypeCircuitCreateResponse: {},
	TypeCircuitExtendRequest:  {},
	TypeCircuitExtendResponse: {},
	TypeCircuitData:           {},
	TypeCircuitDestroy:        {},
}

// Known reports whether t has a payload codec.
func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// IsCircuit reports whether t belongs to the circuit protocol. Those
// messages must carry a valid signature.
func (t MessageType) IsCircuit() bool {
	switch t {
	case TypeCircuitCreateRequest, TypeCircuitCreateResponse,
		TypeCircuitExtendRequest, TypeCircuitExtendResponse,
		TypeCircuitData, TypeCircuitDestroy:
		return true
	}
	return false
}

func (t MessageType) String() string {
	return string(t)
}
