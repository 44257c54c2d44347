package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Sign returns an ASN.1 ECDSA signature over SHA-256(msg).
func Sign(priv *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrCrypto, err)
	}
	return sig, nil
}

// Verify reports whether sig is a valid signature of msg by pub.
func Verify(pub *ecdsa.PublicKey, msg, sig []byte) bool {
	if pub == nil || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

// SignBase64 is Sign with a base64 encoded result, the form carried on the wire.
func SignBase64(priv *ecdsa.PrivateKey, msg []byte) (string, error) {
	sig, err := Sign(priv, msg)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyBase64 verifies a base64 signature against a base64 PKIX public key.
func VerifyBase64(publicKey string, msg []byte, sig string) bool {
	pub, err := DecodeVerifyKey(publicKey)
	if err != nil {
		return false
	}
	return VerifyBase64WithKey(pub, msg, sig)
}

// VerifyBase64WithKey verifies a base64 signature against a parsed key.
func VerifyBase64WithKey(pub *ecdsa.PublicKey, msg []byte, sig string) bool {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return Verify(pub, msg, raw)
}
