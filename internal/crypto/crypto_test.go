package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"
)

func TestGenerateEphemeralKeyPair(t *testing.T) {
	a, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeyPair() error = %v", err)
	}
	b, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeyPair() second call error = %v", err)
	}
	if a.PublicKey().Equal(b.PublicKey()) {
		t.Error("two generated public keys are identical")
	}
	if a.Curve() != ecdh.P256() {
		t.Error("ephemeral key is not on P-256")
	}
}

func TestPublicKeyEncoding_RoundTrip(t *testing.T) {
	priv, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	enc, err := EncodePublicKey(priv.PublicKey())
	if err != nil {
		t.Fatalf("EncodePublicKey() error = %v", err)
	}
	dec, err := DecodePublicKey(enc)
	if err != nil {
		t.Fatalf("DecodePublicKey() error = %v", err)
	}
	if !dec.Equal(priv.PublicKey()) {
		t.Error("decoded key differs from original")
	}
}

func TestDecodePublicKey_Errors(t *testing.T) {
	x, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	xEnc, err := EncodePublicKey(x.PublicKey())
	if err != nil {
		t.Fatal(err)
	}

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	p384Enc, err := EncodePublicKey(&p384.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"not base64", "!!!", ErrInvalidKey},
		{"not pkix", "aGVsbG8=", ErrInvalidKey},
		{"x25519", xEnc, ErrCurveMismatch},
		{"p384", p384Enc, ErrCurveMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePublicKey(tc.input)
			if !errors.Is(err, tc.want) {
				t.Fatalf("DecodePublicKey() error = %v, want %v", err, tc.want)
			}
			if !errors.Is(err, ErrCrypto) {
				t.Errorf("error %v should wrap ErrCrypto", err)
			}
		})
	}
}

func TestKeyAgreement_Symmetric(t *testing.T) {
	a, _ := GenerateEphemeralKeyPair()
	b, _ := GenerateEphemeralKeyPair()

	s1, err := KeyAgreement(a, b.PublicKey())
	if err != nil {
		t.Fatalf("KeyAgreement(a, B) error = %v", err)
	}
	s2, err := KeyAgreement(b, a.PublicKey())
	if err != nil {
		t.Fatalf("KeyAgreement(b, A) error = %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatal("shared secrets differ")
	}

	k1, err := DeriveSymmetricKey(s1)
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := DeriveSymmetricKey(s2)
	if len(k1) != KeySize {
		t.Errorf("derived key length = %d, want %d", len(k1), KeySize)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("derived keys differ")
	}
}

func TestKeyAgreement_CurveMismatch(t *testing.T) {
	p, _ := GenerateEphemeralKeyPair()
	x, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := KeyAgreement(p, x.PublicKey()); !errors.Is(err, ErrCurveMismatch) {
		t.Errorf("KeyAgreement() error = %v, want ErrCurveMismatch", err)
	}
	if _, err := KeyAgreement(nil, p.PublicKey()); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("KeyAgreement(nil) error = %v, want ErrInvalidKey", err)
	}
}

func TestDeriveSymmetricKey_Empty(t *testing.T) {
	if _, err := DeriveSymmetricKey(nil); !errors.Is(err, ErrCrypto) {
		t.Errorf("DeriveSymmetricKey(nil) error = %v", err)
	}
}

func newKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestEncryptDecrypt(t *testing.T) {
	key := newKey(t)

	for _, size := range []int{0, 1, 100, 64 * 1024} {
		plaintext := bytes.Repeat([]byte{0x5a}, size)
		ct, err := Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("Encrypt(%d) error = %v", size, err)
		}
		if len(ct) != size+EncryptionOverhead {
			t.Errorf("ciphertext length = %d, want %d", len(ct), size+EncryptionOverhead)
		}
		pt, err := Decrypt(ct, key)
		if err != nil {
			t.Fatalf("Decrypt(%d) error = %v", size, err)
		}
		if !bytes.Equal(pt, plaintext) {
			t.Errorf("size %d: round trip mismatch", size)
		}
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	key := newKey(t)
	a, _ := Encrypt([]byte("same"), key)
	b, _ := Encrypt([]byte("same"), key)
	if bytes.Equal(a[:NonceSize], b[:NonceSize]) {
		t.Error("nonce reused across encryptions")
	}
}

func TestDecrypt_Failures(t *testing.T) {
	key := newKey(t)
	ct, _ := Encrypt([]byte("secret"), key)

	if _, err := Decrypt(ct, newKey(t)); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("wrong key: error = %v, want ErrAuthFailed", err)
	}

	if _, err := Decrypt(ct[:EncryptionOverhead-1], key); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("short: error = %v, want ErrCiphertextTooShort", err)
	}
}

func TestDecrypt_AnyBitFlipFails(t *testing.T) {
	key := newKey(t)
	ct, err := Encrypt([]byte("secret payload"), key)
	if err != nil {
		t.Fatal(err)
	}

	// Covers the nonce, the ciphertext and the tag.
	for bit := 0; bit < len(ct)*8; bit++ {
		tampered := append([]byte(nil), ct...)
		tampered[bit/8] ^= 1 << (bit % 8)
		if _, err := Decrypt(tampered, key); !errors.Is(err, ErrAuthFailed) {
			t.Errorf("bit %d flipped: error = %v, want ErrAuthFailed", bit, err)
		}
	}
}

func TestZeroKeys(t *testing.T) {
	keys := [][]byte{newKey(t), newKey(t)}
	ZeroKeys(keys)
	for i, k := range keys {
		for _, b := range k {
			if b != 0 {
				t.Fatalf("key %d not zeroed", i)
			}
		}
	}
}
