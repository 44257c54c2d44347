// Package identity manages the node's long-term P-256 identity key.
package identity

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/postalsys/onionmesh/internal/crypto"
)

const (
	// keyFileName is the name of the file storing the identity key.
	keyFileName = "node_key.pem"

	pemBlockType = "PRIVATE KEY"
)

var (
	// ErrNotFound is returned by Load when no key file exists.
	ErrNotFound = errors.New("identity key not found")

	// ErrInvalidKeyFile is returned when the key file cannot be parsed.
	ErrInvalidKeyFile = errors.New("invalid identity key file")
)

// NodeIdentity is the long-term keypair of a node. Its base64 PKIX public
// key is the node's identifier on the network.
type NodeIdentity struct {
	private   *ecdsa.PrivateKey
	publicB64 string
}

// New generates a fresh identity.
func New() (*NodeIdentity, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return FromPrivateKey(priv)
}

// FromPrivateKey wraps an existing P-256 key.
func FromPrivateKey(priv *ecdsa.PrivateKey) (*NodeIdentity, error) {
	if priv == nil || priv.Curve != elliptic.P256() {
		return nil, crypto.ErrCurveMismatch
	}
	pub, err := crypto.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &NodeIdentity{private: priv, publicB64: pub}, nil
}

// PublicKey returns the base64 PKIX encoding of the public key.
func (n *NodeIdentity) PublicKey() string {
	return n.publicB64
}

// ShortString returns a shortened public key for display.
func (n *NodeIdentity) ShortString() string {
	const keep = 12
	if len(n.publicB64) <= keep {
		return n.publicB64
	}
	return n.publicB64[len(n.publicB64)-keep:]
}

// Signer returns the private key used to sign outgoing messages.
func (n *NodeIdentity) Signer() *ecdsa.PrivateKey {
	return n.private
}

// ECDH returns the identity key in key-agreement form.
func (n *NodeIdentity) ECDH() (*ecdh.PrivateKey, error) {
	return n.private.ECDH()
}

// Sign signs msg and returns the base64 signature.
func (n *NodeIdentity) Sign(msg []byte) (string, error) {
	return crypto.SignBase64(n.private, msg)
}

// Store persists the identity key as PKCS#8 PEM in dataDir.
func (n *NodeIdentity) Store(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(n.private)
	if err != nil {
		return fmt.Errorf("failed to marshal identity key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})

	filePath := filepath.Join(dataDir, keyFileName)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity key: %w", err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist identity key: %w", err)
	}
	return nil
}

// Load reads the identity key from dataDir.
func Load(dataDir string) (*NodeIdentity, error) {
	filePath := filepath.Join(dataDir, keyFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrNotFound, filePath)
		}
		return nil, fmt.Errorf("failed to read identity key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("%w: no %s block", ErrInvalidKeyFile, pemBlockType)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected key type %T", ErrInvalidKeyFile, parsed)
	}
	return FromPrivateKey(priv)
}

// LoadOrCreate loads the identity from dataDir, or generates and persists
// a new one. The boolean reports whether a new identity was created.
func LoadOrCreate(dataDir string) (*NodeIdentity, bool, error) {
	id, err := Load(dataDir)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	id, err = New()
	if err != nil {
		return nil, false, err
	}
	if err := id.Store(dataDir); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// Exists reports whether an identity key file exists in dataDir.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, keyFileName))
	return err == nil
}
