package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
)

func newSigner(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestSignVerify(t *testing.T) {
	priv := newSigner(t)
	msg := []byte("HANDSHAKE;delim;;;;1700000000000;delim;;;;abc;delim;;;;key")

	sig, err := Sign(priv, msg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !Verify(&priv.PublicKey, msg, sig) {
		t.Error("valid signature rejected")
	}
	if Verify(&priv.PublicKey, append(msg, 'x'), sig) {
		t.Error("signature accepted for modified message")
	}
	if Verify(&newSigner(t).PublicKey, msg, sig) {
		t.Error("signature accepted for another key")
	}
	if Verify(nil, msg, sig) || Verify(&priv.PublicKey, msg, nil) {
		t.Error("nil inputs must not verify")
	}
}

func TestSignVerifyBase64(t *testing.T) {
	priv := newSigner(t)
	pub, err := EncodePublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	sig, err := SignBase64(priv, []byte("m"))
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyBase64(pub, []byte("m"), sig) {
		t.Error("valid base64 signature rejected")
	}
	if VerifyBase64(pub, []byte("m"), "%%%") {
		t.Error("garbage signature accepted")
	}
	if VerifyBase64("garbage", []byte("m"), sig) {
		t.Error("garbage key accepted")
	}
}
