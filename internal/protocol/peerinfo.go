package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PeerInfo is a node's public key and the address it accepts
// connections on. Two PeerInfos describe the same node when their
// public keys are equal.
type PeerInfo struct {
	PublicKey string `json:"public_key"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
}

// Equal compares by public key only.
func (p PeerInfo) Equal(other PeerInfo) bool {
	return p.PublicKey == other.PublicKey
}

// Address returns host:port.
func (p PeerInfo) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String returns the wire form pubkey@host:port.
func (p PeerInfo) String() string {
	return p.PublicKey + "@" + p.Host + ":" + strconv.Itoa(p.Port)
}

// Validate checks the fields can be carried on the wire.
func (p PeerInfo) Validate() error {
	if p.PublicKey == "" {
		return fmt.Errorf("%w: peer info without public key", ErrDecode)
	}
	if p.Host == "" {
		return fmt.Errorf("%w: peer info without host", ErrDecode)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("%w: peer port %d out of range", ErrDecode, p.Port)
	}
	if strings.ContainsAny(p.PublicKey, "@#") || strings.Contains(p.Host, "#") {
		return fmt.Errorf("%w: peer info contains separator", ErrIllegalField)
	}
	return nil
}

// ParsePeerInfo parses pubkey@host:port. The port is split at the last
// colon so bracket-free IPv6 hosts survive.
func ParsePeerInfo(s string) (PeerInfo, error) {
	at := strings.Index(s, "@")
	if at <= 0 {
		return PeerInfo{}, fmt.Errorf("%w: peer info %q missing '@'", ErrDecode, s)
	}
	key, hostPort := s[:at], s[at+1:]

	host, port, err := splitHostPort(hostPort)
	if err != nil {
		return PeerInfo{}, err
	}
	p := PeerInfo{PublicKey: key, Host: host, Port: port}
	if err := p.Validate(); err != nil {
		return PeerInfo{}, err
	}
	return p, nil
}

func splitHostPort(s string) (string, int, error) {
	colon := strings.LastIndex(s, ":")
	if colon <= 0 || colon == len(s)-1 {
		return "", 0, fmt.Errorf("%w: address %q missing port", ErrDecode, s)
	}
	port, err := strconv.Atoi(s[colon+1:])
	if err != nil {
		return "", 0, fmt.Errorf("%w: address %q: bad port", ErrDecode, s)
	}
	host := strings.TrimSuffix(strings.TrimPrefix(s[:colon], "["), "]")
	return host, port, nil
}
