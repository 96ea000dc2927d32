package cryptoenv

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm selects the AEAD primitive an envelope uses. The envelope
// format itself does not change between algorithms; only the cipher
// construction does, so storage code never needs to know which one
// sealed a given file beyond what it reads from the envelope header.
type Algorithm uint8

const (
	AlgorithmAESGCM Algorithm = iota
	AlgorithmChaCha20Poly1305
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmAESGCM:
		return "aes-256-gcm"
	case AlgorithmChaCha20Poly1305:
		return "chacha20poly1305"
	default:
		return "unknown"
	}
}

func newAEAD(algo Algorithm, key [KeySize]byte) (cipher.AEAD, error) {
	switch algo {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, fmt.Errorf("cryptoenv: aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key[:])
	default:
		return nil, fmt.Errorf("cryptoenv: unknown algorithm %d", algo)
	}
}

// Envelope is the sealed form of a storage file's trailer: the key
// epoch used, the nonce, the associated data binding it to a specific
// (file type, schema_version, day, sequence) context, and the
// ciphertext with its authentication tag appended (Go's cipher.AEAD
// convention).
type Envelope struct {
	Algorithm      Algorithm
	KeyEpoch       uint32
	Nonce          [NonceSize]byte
	AssociatedData []byte
	Ciphertext     []byte
}

// AssociatedData builds the binding context for one artifact. Mixing in
// file type, schema version, day, and sequence number prevents a
// ciphertext sealed for one artifact from being silently substituted
// for another that happens to share a key epoch.
func AssociatedData(fileType string, schemaVersion uint8, day string, sequence uint32) []byte {
	ad := make([]byte, 0, len(fileType)+1+len(day)+8)
	ad = append(ad, fileType...)
	ad = append(ad, 0)
	ad = append(ad, schemaVersion)
	ad = append(ad, day...)
	ad = append(ad, 0)
	var seq [4]byte
	seq[0] = byte(sequence)
	seq[1] = byte(sequence >> 8)
	seq[2] = byte(sequence >> 16)
	seq[3] = byte(sequence >> 24)
	ad = append(ad, seq[:]...)
	return ad
}

// Seal encrypts plaintext (the compressed, pre-encryption file bytes)
// under key with algo, returning a complete Envelope. The caller
// supplies nonce and epoch so key rotation and nonce-budget policy stay
// in keys.go rather than being decided implicitly here.
func Seal(algo Algorithm, key [KeySize]byte, epoch uint32, nonce [NonceSize]byte, associatedData, plaintext []byte) (Envelope, error) {
	aead, err := newAEAD(algo, key)
	if err != nil {
		return Envelope{}, err
	}
	ciphertext := aead.Seal(nil, nonce[:], plaintext, associatedData)
	return Envelope{
		Algorithm:      algo,
		KeyEpoch:       epoch,
		Nonce:          nonce,
		AssociatedData: associatedData,
		Ciphertext:     ciphertext,
	}, nil
}

// Open decrypts and authenticates env under key, returning the
// plaintext. It fails if the key, nonce, associated data, or ciphertext
// was altered in any way; there is no partial-trust result.
func Open(key [KeySize]byte, env Envelope) ([]byte, error) {
	aead, err := newAEAD(env.Algorithm, key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce[:], env.Ciphertext, env.AssociatedData)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: envelope authentication failed: %w", err)
	}
	return plaintext, nil
}
