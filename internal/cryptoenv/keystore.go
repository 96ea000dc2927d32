package cryptoenv

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// MemoryLocker pins a byte slice so it is never paged to swap, and
// reverses that pin. Production code uses unixMemoryLocker; tests use a
// no-op so they don't require elevated mlock limits in CI sandboxes.
type MemoryLocker interface {
	Lock(b []byte) error
	Unlock(b []byte) error
}

// unixMemoryLocker wraps mlock(2)/munlock(2) via the same x/sys/unix
// package the ring buffer already depends on for mmap, rather than
// reaching for a separate OS-interaction library.
type unixMemoryLocker struct{}

func NewUnixMemoryLocker() MemoryLocker { return unixMemoryLocker{} }

func (unixMemoryLocker) Lock(b []byte) error   { return unix.Mlock(b) }
func (unixMemoryLocker) Unlock(b []byte) error { return unix.Munlock(b) }

// NoopMemoryLocker performs no locking. It exists for tests and for
// platforms/containers where mlock is unavailable or disallowed by
// resource limits; using it in production silently weakens the "never
// written to disk" guarantee to "not written to disk, but swappable."
type NoopMemoryLocker struct{}

func (NoopMemoryLocker) Lock([]byte) error   { return nil }
func (NoopMemoryLocker) Unlock([]byte) error { return nil }

// KeyStore is the pluggable interface between Chronicle and wherever
// keys actually live. The spec calls for the platform secure store;
// this package ships one concrete implementation (file-backed, see
// below) as a substitute documented as an open question in the design
// ledger, plus the interface other backends (a real OS keychain) can
// implement without touching the rest of cryptoenv.
type KeyStore interface {
	// Load fetches every known epoch's key, most recent last.
	Load() ([]Epoch, error)
	// Store persists a newly generated or rotated epoch.
	Store(e Epoch) error
	// Delete purges a retired epoch's persisted key material.
	Delete(epoch uint32) error
}

// fileKeyStoreEntry is the on-disk shape of one epoch. Keys are stored
// in plaintext on disk deliberately only when no OS keychain is
// available; operators running Chronicle with this backend are relying
// on filesystem permissions and full-disk encryption for at-rest
// protection of the key file itself, which is weaker than a real
// secure store and is called out in the design ledger, not hidden here.
type fileKeyStoreEntry struct {
	Epoch uint32 `json:"epoch"`
	Key   string `json:"key_hex"`
}

// FileKeyStore is a local, file-backed KeyStore. Each epoch is written
// to its own file under dir using the same write-temp-then-rename
// discipline the storage writer uses for artifacts, so a crash mid-write
// never leaves a torn key file.
type FileKeyStore struct {
	dir string
}

func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cryptoenv: create keystore dir: %w", err)
	}
	return &FileKeyStore{dir: dir}, nil
}

func (s *FileKeyStore) pathFor(epoch uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("epoch-%010d.json", epoch))
}

func (s *FileKeyStore) Load() ([]Epoch, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: read keystore dir: %w", err)
	}
	var epochs []Epoch
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, ent.Name()))
		if err != nil {
			return nil, err
		}
		var fe fileKeyStoreEntry
		if err := json.Unmarshal(b, &fe); err != nil {
			return nil, fmt.Errorf("cryptoenv: parse keystore entry %s: %w", ent.Name(), err)
		}
		var key [KeySize]byte
		decoded, err := hex.DecodeString(fe.Key)
		if err != nil || len(decoded) != KeySize {
			return nil, fmt.Errorf("cryptoenv: malformed key for epoch %d", fe.Epoch)
		}
		copy(key[:], decoded)
		epochs = append(epochs, Epoch{Number: fe.Epoch, Key: key})
	}
	return epochs, nil
}

func (s *FileKeyStore) Store(e Epoch) error {
	entry := fileKeyStoreEntry{Epoch: e.Number, Key: hex.EncodeToString(e.Key[:])}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	final := s.pathFor(e.Number)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("cryptoenv: write key temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("cryptoenv: rename key file: %w", err)
	}
	return nil
}

func (s *FileKeyStore) Delete(epoch uint32) error {
	err := os.Remove(s.pathFor(epoch))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
