// Package cryptoenv implements Chronicle's at-rest encryption
// subsystem: AEAD envelopes, key epoch lifecycle, nonce discipline, and
// a locked-memory key store.
package cryptoenv

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// NonceSize is the standard 96-bit AEAD nonce size both AES-GCM and
// ChaCha20-Poly1305 expect.
const NonceSize = 12

// epochBits is how many of the nonce's leading bytes carry the key
// epoch rather than random material. 4 bytes bounds Chronicle to
// roughly four billion epochs, far beyond any realistic rotation
// schedule, while still leaving 64 bits of CSPRNG randomness per
// nonce, well under the birthday bound for any single epoch's
// artifact count.
const epochBits = 4

// NewNonce generates a nonce of the form (key_epoch || random), where
// the epoch occupies the leading epochBits bytes. Binding the epoch
// into the nonce itself, not just the associated data, means a nonce
// can never collide across epochs even if the RNG were to repeat,
// since two different epochs can never produce the same leading bytes.
func NewNonce(epoch uint32) ([NonceSize]byte, error) {
	var n [NonceSize]byte
	binary.BigEndian.PutUint32(n[:epochBits], epoch)
	if _, err := rand.Read(n[epochBits:]); err != nil {
		return n, fmt.Errorf("cryptoenv: generate nonce: %w", err)
	}
	return n, nil
}

// EpochOf extracts the key epoch a nonce was generated under.
func EpochOf(nonce [NonceSize]byte) uint32 {
	return binary.BigEndian.Uint32(nonce[:epochBits])
}
