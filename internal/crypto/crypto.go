// Package crypto provides the primitives used to build onion circuits.
// It uses P-256 ECDH for per-hop key agreement, HKDF-SHA256 for key
// derivation and ChaCha20-Poly1305 for authenticated encryption of each
// onion layer.
package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of a derived hop key in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// EncryptionOverhead is the number of bytes a single layer adds:
	// the prepended nonce and the appended tag.
	EncryptionOverhead = NonceSize + TagSize

	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "onionmesh-hop-key-v1"
)

var (
	// ErrCrypto is the root of every error returned by this package.
	ErrCrypto = errors.New("crypto error")

	// ErrInvalidKey is returned for public keys that are not valid
	// base64 PKIX encodings.
	ErrInvalidKey = fmt.Errorf("%w: invalid public key", ErrCrypto)

	// ErrCurveMismatch is returned when a key is not on P-256.
	ErrCurveMismatch = fmt.Errorf("%w: curve mismatch", ErrCrypto)

	// ErrAuthFailed is returned when a ciphertext fails authentication.
	ErrAuthFailed = fmt.Errorf("%w: authentication failed", ErrCrypto)

	// ErrCiphertextTooShort is returned for blobs shorter than EncryptionOverhead.
	ErrCiphertextTooShort = fmt.Errorf("%w: ciphertext too short", ErrCrypto)
)

// Curve returns the curve used for identity and ephemeral keys.
func Curve() ecdh.Curve {
	return ecdh.P256()
}

// GenerateEphemeralKeyPair generates a fresh P-256 keypair for a single
// hop handshake. The caller drops it once the hop key is derived.
func GenerateEphemeralKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return priv, nil
}

// EncodePublicKey returns the base64 PKIX DER encoding of pub.
// pub may be an *ecdh.PublicKey or an *ecdsa.PublicKey.
func EncodePublicKey(pub any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: marshal public key: %v", ErrInvalidKey, err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodeVerifyKey parses a base64 PKIX public key as an ECDSA P-256 key.
func DecodeVerifyKey(s string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	switch k := parsed.(type) {
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: got %s", ErrCurveMismatch, k.Curve.Params().Name)
		}
		return k, nil
	case *ecdh.PublicKey:
		return nil, ErrCurveMismatch
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, parsed)
	}
}

// DecodePublicKey parses a base64 PKIX public key for use in key agreement.
func DecodePublicKey(s string) (*ecdh.PublicKey, error) {
	k, err := DecodeVerifyKey(s)
	if err != nil {
		return nil, err
	}
	pub, err := k.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// KeyAgreement performs ECDH and returns the raw shared secret.
func KeyAgreement(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	if priv == nil || pub == nil {
		return nil, fmt.Errorf("%w: nil key", ErrInvalidKey)
	}
	if priv.Curve() != pub.Curve() {
		return nil, ErrCurveMismatch
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", ErrCrypto, err)
	}
	return secret, nil
}

// DeriveSymmetricKey derives a KeySize-byte hop key from an ECDH secret.
// Both ends of a hop derive the same key from the same secret.
func DeriveSymmetricKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty shared secret", ErrCrypto)
	}
	key := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %v", ErrCrypto, err)
	}
	return key, nil
}

// Encrypt seals plaintext under key with a random nonce.
// Output layout: nonce || ciphertext || tag.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrCrypto, err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrCrypto, err)
	}

	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func Decrypt(blob, key []byte) ([]byte, error) {
	if len(blob) < EncryptionOverhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrCiphertextTooShort, len(blob))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrCrypto, err)
	}

	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// ZeroBytes zeroes out a byte slice so key material does not linger.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKeys zeroes every key in keys.
func ZeroKeys(keys [][]byte) {
	for _, k := range keys {
		ZeroBytes(k)
	}
}
