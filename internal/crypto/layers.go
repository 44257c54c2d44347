package crypto

import "fmt"

// EncryptLayers wraps plaintext in one layer per key. The last key is
// applied first so keys[0] ends up outermost, which is the layer the
// first hop removes.
func EncryptLayers(plaintext []byte, keys [][]byte) ([]byte, error) {
	out := plaintext
	for i := len(keys) - 1; i >= 0; i-- {
		sealed, err := Encrypt(out, keys[i])
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		out = sealed
	}
	return out, nil
}

// DecryptLayers removes one layer per key, outermost (keys[0]) first.
func DecryptLayers(blob []byte, keys [][]byte) ([]byte, error) {
	out := blob
	for i, k := range keys {
		opened, err := Decrypt(out, k)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		out = opened
	}
	return out, nil
}
