package protocol

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Payload is the typed body of a Message. Each concrete type belongs to
// exactly one MessageType, reported by Kind.
type Payload interface {
	Kind() MessageType
	encode() (string, error)
}

// ============================================================================
// Handshake and discovery
// ============================================================================

// Handshake carries the sender's long-term public key and, optionally,
// the address it accepts connections on.
type Handshake struct {
	PublicKey  string
	ListenHost string
	ListenPort int
}

func (Handshake) Kind() MessageType { return TypeHandshake }

func (h Handshake) encode() (string, error) {
	if h.PublicKey == "" || strings.ContainsAny(h.PublicKey, "@#") {
		return "", fmt.Errorf("%w: handshake public key", ErrIllegalField)
	}
	if h.ListenHost == "" {
		return h.PublicKey, nil
	}
	return h.PublicKey + "@" + h.ListenHost + ":" + strconv.Itoa(h.ListenPort), nil
}

// Listen returns the advertised listen address as a PeerInfo, if any.
func (h Handshake) Listen() (PeerInfo, bool) {
	if h.ListenHost == "" || h.ListenPort == 0 {
		return PeerInfo{}, false
	}
	return PeerInfo{PublicKey: h.PublicKey, Host: h.ListenHost, Port: h.ListenPort}, true
}

func decodeHandshake(s string) (Handshake, error) {
	if s == "" {
		return Handshake{}, fmt.Errorf("%w: empty handshake", ErrDecode)
	}
	if !strings.Contains(s, "@") {
		return Handshake{PublicKey: s}, nil
	}
	info, err := ParsePeerInfo(s)
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{PublicKey: info.PublicKey, ListenHost: info.Host, ListenPort: info.Port}, nil
}

// PeerDiscoveryRequest asks the receiver for peers it is connected to.
type PeerDiscoveryRequest struct{}

func (PeerDiscoveryRequest) Kind() MessageType { return TypePeerDiscoveryRequest }

func (PeerDiscoveryRequest) encode() (string, error) { return "", nil }

// PeerDiscoveryResponse lists peers known to the sender.
type PeerDiscoveryResponse struct {
	Peers []PeerInfo
}

func (PeerDiscoveryResponse) Kind() MessageType { return TypePeerDiscoveryResponse }

func (r PeerDiscoveryResponse) encode() (string, error) {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(r.Peers)))
	for _, p := range r.Peers {
		if err := p.Validate(); err != nil {
			return "", err
		}
		b.WriteByte('#')
		b.WriteString(p.String())
	}
	return b.String(), nil
}

func decodePeerDiscoveryResponse(s string) (PeerDiscoveryResponse, error) {
	parts := strings.Split(s, "#")
	count, err := strconv.Atoi(parts[0])
	if err != nil || count < 0 {
		return PeerDiscoveryResponse{}, fmt.Errorf("%w: bad peer count %q", ErrDecode, parts[0])
	}
	if count != len(parts)-1 {
		return PeerDiscoveryResponse{}, fmt.Errorf("%w: peer count %d but %d entries", ErrDecode, count, len(parts)-1)
	}

	resp := PeerDiscoveryResponse{}
	if count > 0 {
		resp.Peers = make([]PeerInfo, 0, count)
	}
	for _, entry := range parts[1:] {
		p, err := ParsePeerInfo(entry)
		if err != nil {
			return PeerDiscoveryResponse{}, err
		}
		resp.Peers = append(resp.Peers, p)
	}
	return resp, nil
}

// ============================================================================
// Circuit payloads
// ============================================================================

// CircuitCreateRequest starts a hop handshake.
type CircuitCreateRequest struct {
	CircuitID    CircuitID
	EphemeralKey string
}

func (CircuitCreateRequest) Kind() MessageType { return TypeCircuitCreateRequest }

func (p CircuitCreateRequest) encode() (string, error) {
	return encodeKeyed(p.CircuitID, p.EphemeralKey)
}

// CircuitCreateResponse completes a hop handshake with the responder's
// ephemeral key.
type CircuitCreateResponse struct {
	CircuitID    CircuitID
	EphemeralKey string
}

func (CircuitCreateResponse) Kind() MessageType { return TypeCircuitCreateResponse }

func (p CircuitCreateResponse) encode() (string, error) {
	return encodeKeyed(p.CircuitID, p.EphemeralKey)
}

// CircuitExtendRequest carries an onion-encrypted ExtendRecord toward
// the newest hop.
type CircuitExtendRequest struct {
	CircuitID CircuitID
	Blob      []byte
}

func (CircuitExtendRequest) Kind() MessageType { return TypeCircuitExtendRequest }

func (p CircuitExtendRequest) encode() (string, error) {
	return encodeBlob(p.CircuitID, p.Blob)
}

// CircuitExtendResponse carries the new hop's ephemeral key back to the
// originator, one encryption layer per relay.
type CircuitExtendResponse struct {
	CircuitID CircuitID
	Blob      []byte
}

func (CircuitExtendResponse) Kind() MessageType { return TypeCircuitExtendResponse }

func (p CircuitExtendResponse) encode() (string, error) {
	return encodeBlob(p.CircuitID, p.Blob)
}

// CircuitData carries layered application data along an active circuit.
type CircuitData struct {
	CircuitID CircuitID
	Blob      []byte
}

func (CircuitData) Kind() MessageType { return TypeCircuitData }

func (p CircuitData) encode() (string, error) {
	return encodeBlob(p.CircuitID, p.Blob)
}

// CircuitDestroy tears a circuit down hop by hop.
type CircuitDestroy struct {
	CircuitID CircuitID
}

func (CircuitDestroy) Kind() MessageType { return TypeCircuitDestroy }

func (p CircuitDestroy) encode() (string, error) {
	return p.CircuitID.String(), nil
}

func encodeKeyed(id CircuitID, key string) (string, error) {
	if key == "" || strings.Contains(key, "@") {
		return "", fmt.Errorf("%w: ephemeral key", ErrIllegalField)
	}
	return id.String() + "@" + key, nil
}

func encodeBlob(id CircuitID, blob []byte) (string, error) {
	return id.String() + "@" + base64.StdEncoding.EncodeToString(blob), nil
}

func splitCircuitField(s string) (CircuitID, string, error) {
	id, rest, ok := strings.Cut(s, "@")
	if !ok {
		return ZeroCircuitID, "", fmt.Errorf("%w: circuit payload missing '@'", ErrDecode)
	}
	cid, err := ParseCircuitID(id)
	if err != nil {
		return ZeroCircuitID, "", err
	}
	if rest == "" {
		return ZeroCircuitID, "", fmt.Errorf("%w: circuit payload has empty body", ErrDecode)
	}
	return cid, rest, nil
}

func splitCircuitBlob(s string) (CircuitID, []byte, error) {
	id, rest, err := splitCircuitField(s)
	if err != nil {
		return ZeroCircuitID, nil, err
	}
	blob, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return ZeroCircuitID, nil, fmt.Errorf("%w: blob: %v", ErrDecode, err)
	}
	return id, blob, nil
}

// decodePayload parses the payload field according to t.
func decodePayload(t MessageType, s string) (Payload, error) {
	switch t {
	case TypeHandshake:
		return decodeHandshake(s)
	case TypePeerDiscoveryRequest:
		if s != "" {
			return nil, fmt.Errorf("%w: discovery request carries a payload", ErrPayloadTypeMismatch)
		}
		return PeerDiscoveryRequest{}, nil
	case TypePeerDiscoveryResponse:
		return decodePeerDiscoveryResponse(s)
	case TypeCircuitCreateRequest:
		id, key, err := splitCircuitField(s)
		if err != nil {
			return nil, err
		}
		return CircuitCreateRequest{CircuitID: id, EphemeralKey: key}, nil
	case TypeCircuitCreateResponse:
		id, key, err := splitCircuitField(s)
		if err != nil {
			return nil, err
		}
		return CircuitCreateResponse{CircuitID: id, EphemeralKey: key}, nil
	case TypeCircuitExtendRequest:
		id, blob, err := splitCircuitBlob(s)
		if err != nil {
			return nil, err
		}
		return CircuitExtendRequest{CircuitID: id, Blob: blob}, nil
	case TypeCircuitExtendResponse:
		id, blob, err := splitCircuitBlob(s)
		if err != nil {
			return nil, err
		}
		return CircuitExtendResponse{CircuitID: id, Blob: blob}, nil
	case TypeCircuitData:
		id, blob, err := splitCircuitBlob(s)
		if err != nil {
			return nil, err
		}
		return CircuitData{CircuitID: id, Blob: blob}, nil
	case TypeCircuitDestroy:
		id, err := ParseCircuitID(s)
		if err != nil {
			return nil, err
		}
		return CircuitDestroy{CircuitID: id}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, string(t))
	}
}
