package protocol

import (
	"fmt"
	"strings"
)

// ExtendRecord is the plaintext at the core of an extend onion: the next
// hop to add and the originator's ephemeral key for that hop.
// Wire form: pubkey@host:port#ephemeralKey.
type ExtendRecord struct {
	Next         PeerInfo
	EphemeralKey string
}

// Encode returns the record bytes.
func (r ExtendRecord) Encode() ([]byte, error) {
	if err := r.Next.Validate(); err != nil {
		return nil, err
	}
	if r.EphemeralKey == "" || strings.Contains(r.EphemeralKey, "#") {
		return nil, fmt.Errorf("%w: extend ephemeral key", ErrIllegalField)
	}
	return []byte(r.Next.String() + "#" + r.EphemeralKey), nil
}

// DecodeExtendRecord parses the output of ExtendRecord.Encode.
func DecodeExtendRecord(b []byte) (ExtendRecord, error) {
	info, key, ok := strings.Cut(string(b), "#")
	if !ok || key == "" {
		return ExtendRecord{}, fmt.Errorf("%w: extend record missing ephemeral key", ErrDecode)
	}
	next, err := ParsePeerInfo(info)
	if err != nil {
		return ExtendRecord{}, err
	}
	return ExtendRecord{Next: next, EphemeralKey: key}, nil
}
