package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ManifestEntry describes one committed artifact. It is the single
// source of truth for retention and crash recovery; nothing about an
// artifact is trusted until it appears here.
type ManifestEntry struct {
	Path        string `json:"path"`
	Kind        string `json:"kind"`
	Day         string `json:"day"` // YYYY/MM/DD, UTC or the configured timezone
	Sequence    uint32 `json:"sequence"`
	Size        int64  `json:"size"`
	ContentHash uint64 `json:"content_hash"`
	KeyEpoch    uint32 `json:"key_epoch"`
	FirstTSNS   int64  `json:"first_ts_ns"`
	LastTSNS    int64  `json:"last_ts_ns"`
	RecordCount int64  `json:"record_count"`
}

// Manifest is the ordered list of every committed artifact, persisted
// at metadata/files.json under the base path. All mutation goes through
// write-new-then-rename, matching the artifact commit discipline.
type Manifest struct {
	mu      sync.Mutex
	path    string
	entries []ManifestEntry
}

func manifestPath(basePath string) string {
	return filepath.Join(basePath, "metadata", "files.json")
}

// LoadManifest reads the manifest at basePath, returning an empty one
// if it does not yet exist (a fresh installation).
func LoadManifest(basePath string) (*Manifest, error) {
	path := manifestPath(basePath)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Manifest{path: path}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read manifest: %w", err)
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("storage: parse manifest: %w", err)
	}
	return &Manifest{path: path, entries: entries}, nil
}

// Entries returns a snapshot copy of the manifest's current entries.
func (m *Manifest) Entries() []ManifestEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ManifestEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// HasContentHash reports whether an artifact with this content hash is
// already recorded, the mechanism idempotent re-drain relies on to
// detect "this artifact was already committed; the crash came after the
// manifest update and before read_cursor was checkpointed."
func (m *Manifest) HasContentHash(hash uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ContentHash == hash {
			return true
		}
	}
	return false
}

// Append adds entry and persists the manifest via write-new-then-rename.
func (m *Manifest) Append(entry ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.saveLocked()
}

// Remove deletes the entry for path from the manifest (step one of the
// two-step deletion the spec's retention pass requires) and persists
// the result. The caller unlinks the underlying file only after this
// returns successfully.
func (m *Manifest) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.entries[:0:0]
	for _, e := range m.entries {
		if e.Path != path {
			out = append(out, e)
		}
	}
	m.entries = out
	return m.saveLocked()
}

func (m *Manifest) saveLocked() error {
	b, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal manifest: %w", err)
	}
	return WriteFileAtomic(m.path, b, 0o600)
}
