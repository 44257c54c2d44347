package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is the envelope exchanged between nodes.
type Message struct {
	Type      MessageType
	Timestamp int64 // unix milliseconds
	ID        string
	Signature string // base64, empty when unsigned
	Payload   Payload

	// raw holds the first four fields exactly as received. Signatures are
	// checked against these bytes, not a re-encoding of the decoded payload.
	raw string
}

// NewMessage wraps payload in a fresh envelope with a random id.
func NewMessage(payload Payload) (*Message, error) {
	id, err := NewMessageID()
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      payload.Kind(),
		Timestamp: time.Now().UnixMilli(),
		ID:        id,
		Payload:   payload,
	}, nil
}

// Signed reports whether the message carries a signature.
func (m *Message) Signed() bool {
	return m.Signature != ""
}

// SigningBytes returns the bytes a signature covers: the first four frame
// fields joined by the delimiter. For a decoded message these are the
// received bytes.
func (m *Message) SigningBytes() ([]byte, error) {
	if m.raw != "" {
		return []byte(m.raw), nil
	}
	body, err := m.body()
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func (m *Message) body() (string, error) {
	if m.Payload == nil {
		return "", fmt.Errorf("%w: nil payload for %s", ErrPayloadTypeMismatch, m.Type)
	}
	if m.Payload.Kind() != m.Type {
		return "", fmt.Errorf("%w: %s payload sent as %s", ErrPayloadTypeMismatch, m.Payload.Kind(), m.Type)
	}
	if !m.Type.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPayloadType, string(m.Type))
	}

	payload, err := m.Payload.encode()
	if err != nil {
		return "", err
	}
	if err := checkField(m.ID); err != nil {
		return "", err
	}
	if err := checkField(payload); err != nil {
		return "", err
	}

	return strings.Join([]string{
		string(m.Type),
		strconv.FormatInt(m.Timestamp, 10),
		m.ID,
		payload,
	}, Delimiter), nil
}

// Encode serializes the message to a single frame without the trailing newline.
func (m *Message) Encode() (string, error) {
	body := m.raw
	if body == "" {
		var err error
		if body, err = m.body(); err != nil {
			return "", err
		}
	}
	if m.Signature != "" {
		if err := checkField(m.Signature); err != nil {
			return "", err
		}
		body += Delimiter + m.Signature
	}
	if len(body) > MaxLineSize {
		return "", ErrFrameTooLarge
	}
	return body, nil
}

// Decode parses one frame. A trailing newline is tolerated.
func Decode(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) > MaxLineSize {
		return nil, ErrFrameTooLarge
	}

	fields := strings.Split(line, Delimiter)
	if len(fields) != 4 && len(fields) != 5 {
		return nil, fmt.Errorf("%w: frame has %d fields", ErrDecode, len(fields))
	}

	t := MessageType(fields[0])
	if !t.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, fields[0])
	}
	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q", ErrDecode, fields[1])
	}
	if fields[2] == "" {
		return nil, fmt.Errorf("%w: empty message id", ErrDecode)
	}

	payload, err := decodePayload(t, fields[3])
	if err != nil {
		return nil, err
	}

	m := &Message{
		Type:      t,
		Timestamp: ts,
		ID:        fields[2],
		Payload:   payload,
		raw:       strings.Join(fields[:4], Delimiter),
	}
	if len(fields) == 5 {
		if fields[4] == "" {
			return nil, fmt.Errorf("%w: empty signature field", ErrDecode)
		}
		m.Signature = fields[4]
	}
	return m, nil
}

func checkField(s string) error {
	if strings.Contains(s, Delimiter) || strings.ContainsAny(s, "\r\n") {
		return ErrIllegalField
	}
	return nil
}

// String returns a short debug representation.
func (m *Message) String() string {
	return fmt.Sprintf("Message{Type=%s, ID=%s, Signed=%t}", m.Type, m.ID, m.Signed())
}
