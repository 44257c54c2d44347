package circuit

import (
	"context"
	"errors"
	"fmt"

	"github.com/postalsys/onionmesh/internal/logging"
	"github.com/postalsys/onionmesh/internal/protocol"
	"github.com/postalsys/onionmesh/internal/router"
)

// circuitTypes are the message types Protocol handles.
var circuitTypes = []protocol.MessageType{
	protocol.TypeCircuitCreateRequest,
	protocol.TypeCircuitCreateResponse,
	protocol.TypeCircuitExtendRequest,
	protocol.TypeCircuitExtendResponse,
	protocol.TypeCircuitData,
	protocol.TypeCircuitDestroy,
}

// Protocol routes circuit messages from the router to a Manager.
type Protocol struct {
	m *Manager
}

// NewProtocol returns the router handler for m.
func NewProtocol(m *Manager) *Protocol {
	return &Protocol{m: m}
}

// Register installs p for every circuit message type.
func (p *Protocol) Register(r *router.Router) error {
	for _, t := range circuitTypes {
		if err := r.Register(t, p); err != nil {
			return err
		}
	}
	return nil
}

// Handle dispatches one circuit message. Messages for unknown circuits are
// dropped with a warning and do not count as handler failures.
func (p *Protocol) Handle(_ context.Context, from router.Sender, msg *protocol.Message) error {
	err := p.dispatch(from, msg)
	if errors.Is(err, ErrUnknownCircuit) {
		p.m.logger.Warn("dropping message for unknown circuit",
			logging.KeyMessageType, msg.Type,
			logging.KeyPeer, logging.ShortKey(from.RemoteKey()),
			logging.KeyError, err)
		return nil
	}
	return err
}

func (p *Protocol) dispatch(from router.Sender, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeCircuitCreateRequest:
		if pl, ok := msg.Payload.(protocol.CircuitCreateRequest); ok {
			return p.m.HandleCreateRequest(from, pl)
		}
	case protocol.TypeCircuitCreateResponse:
		if pl, ok := msg.Payload.(protocol.CircuitCreateResponse); ok {
			return p.m.HandleCreateResponse(from, pl)
		}
	case protocol.TypeCircuitExtendRequest:
		if pl, ok := msg.Payload.(protocol.CircuitExtendRequest); ok {
			return p.m.HandleExtendRequest(from, pl)
		}
	case protocol.TypeCircuitExtendResponse:
		if pl, ok := msg.Payload.(protocol.CircuitExtendResponse); ok {
			return p.m.HandleExtendResponse(from, pl)
		}
	case protocol.TypeCircuitData:
		if pl, ok := msg.Payload.(protocol.CircuitData); ok {
			return p.m.HandleData(from, pl)
		}
	case protocol.TypeCircuitDestroy:
		if pl, ok := msg.Payload.(protocol.CircuitDestroy); ok {
			return p.m.HandleDestroy(from, pl)
		}
	}
	return fmt.Errorf("%w: %s", protocol.ErrPayloadTypeMismatch, msg.Type)
}
