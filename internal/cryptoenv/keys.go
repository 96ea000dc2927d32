package cryptoenv

import (
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
)

// KeySize is 256 bits, the only key length Chronicle's two supported
// AEAD suites both accept.
const KeySize = 32

// Argon2Params are the memory-hard KDF parameters used when a key is
// derived from a passphrase rather than generated directly. These
// follow the OWASP-recommended floor for Argon2id (19 MiB, time=2,
// parallelism=1 is the minimum; Chronicle runs on a workstation with
// memory to spare, so it uses a higher memory cost).
type Argon2Params struct {
	Time    uint32
	MemoryKiB uint32
	Threads uint8
}

// DefaultArgon2Params is deliberately expensive: key derivation happens
// once per packer run (or once per rotation), never in a hot path.
var DefaultArgon2Params = Argon2Params{Time: 3, MemoryKiB: 256 * 1024, Threads: 4}

// DeriveKey runs Argon2id over passphrase with salt, producing a
// KeySize key. salt must be unique per derivation and is stored
// alongside the keystore entry, not treated as a secret itself.
func DeriveKey(passphrase, salt []byte, params Argon2Params) [KeySize]byte {
	var key [KeySize]byte
	copy(key[:], argon2.IDKey(passphrase, salt, params.Time, params.MemoryKiB, params.Threads, KeySize))
	return key
}

// GenerateKey produces a fresh random key directly, for the common case
// where Chronicle manages its own keys rather than deriving them from
// an operator-supplied passphrase.
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("cryptoenv: generate key: %w", err)
	}
	return key, nil
}

// Epoch pairs a key with the monotonically increasing integer that
// identifies it in manifests and associated data.
type Epoch struct {
	Number uint32
	Key    [KeySize]byte
}

// KeyRing holds every key epoch still needed to decrypt a retained
// artifact, plus the current epoch new artifacts are sealed under.
// Locking protects concurrent reads from the packer's pipeline stages
// against a rotation happening mid-run.
type KeyRing struct {
	mu      sync.RWMutex
	current uint32
	epochs  map[uint32]*[KeySize]byte
	locker  MemoryLocker
}

// NewKeyRing seeds a ring with its first epoch. The key is copied into
// a separately heap-allocated array so its address is stable for the
// lifetime of the lock; the map stores a pointer rather than a value so
// later map operations never relocate the locked bytes.
func NewKeyRing(locker MemoryLocker, first Epoch) (*KeyRing, error) {
	kr := &KeyRing{
		current: first.Number,
		epochs:  make(map[uint32]*[KeySize]byte),
		locker:  locker,
	}
	if err := kr.install(first); err != nil {
		return nil, err
	}
	return kr, nil
}

func (kr *KeyRing) install(e Epoch) error {
	stored := new([KeySize]byte)
	*stored = e.Key
	if err := kr.locker.Lock(stored[:]); err != nil {
		return fmt.Errorf("cryptoenv: lock key memory: %w", err)
	}
	kr.epochs[e.Number] = stored
	return nil
}

// Rotate installs a new current epoch. Prior epochs remain available
// via Get until Retire removes them, so artifacts sealed under the old
// epoch stay decryptable.
func (kr *KeyRing) Rotate(next Epoch) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if _, exists := kr.epochs[next.Number]; exists {
		return fmt.Errorf("cryptoenv: epoch %d already exists", next.Number)
	}
	if err := kr.install(next); err != nil {
		return err
	}
	kr.current = next.Number
	return nil
}

// Current returns the epoch new artifacts should be sealed under.
func (kr *KeyRing) Current() Epoch {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return Epoch{Number: kr.current, Key: *kr.epochs[kr.current]}
}

// Get returns the key for a specific epoch, for decrypting an older
// artifact. ok is false if that epoch has already been retired.
func (kr *KeyRing) Get(epoch uint32) (key [KeySize]byte, ok bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	stored, ok := kr.epochs[epoch]
	if !ok {
		return key, false
	}
	return *stored, true
}

// Retire purges an epoch's key from memory. The caller (the packer's
// retention pass) must only call this once every artifact that epoch
// protects has itself been retention-deleted, per the spec's key
// rotation contract; KeyRing does not track artifact-to-epoch
// liveness itself, that's the manifest's job.
func (kr *KeyRing) Retire(epoch uint32) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if stored, ok := kr.epochs[epoch]; ok {
		for i := range stored {
			stored[i] = 0
		}
		kr.locker.Unlock(stored[:])
		delete(kr.epochs, epoch)
	}
}
