package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RetentionResult summarizes one retention pass for logging/metrics.
type RetentionResult struct {
	Deleted      []string
	OrphansFound []string
	OrphansFreed []string
}

// ApplyRetention removes every manifest entry whose day is older than
// retentionDays relative to now, in the spec's mandated two-step order:
// the manifest entry is removed (and the manifest persisted) before the
// underlying file is unlinked, so a crash mid-sweep leaves an orphan
// file rather than a dangling manifest reference.
func ApplyRetention(m *Manifest, now time.Time, retentionDays int) (RetentionResult, error) {
	cutoff := now.AddDate(0, 0, -retentionDays)
	var result RetentionResult

	for _, e := range m.Entries() {
		day, err := time.Parse("2006/01/02", e.Day)
		if err != nil {
			return result, fmt.Errorf("storage: manifest entry %s has unparseable day %q: %w", e.Path, e.Day, err)
		}
		if day.After(cutoff) {
			continue
		}
		if err := m.Remove(e.Path); err != nil {
			return result, fmt.Errorf("storage: remove manifest entry for %s: %w", e.Path, err)
		}
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return result, fmt.Errorf("storage: unlink retained-past-cutoff artifact %s: %w", e.Path, err)
		}
		result.Deleted = append(result.Deleted, e.Path)
	}
	return result, nil
}

// FindOrphans walks eventsDir and framesDir for files with no manifest
// entry. Orphans are only actionable after graceWindow has elapsed
// since their mtime, since a file can legitimately exist on disk for a
// moment before its manifest append lands.
func FindOrphans(m *Manifest, eventsDir, framesDir string, now time.Time, graceWindow time.Duration) ([]string, error) {
	known := make(map[string]bool)
	for _, e := range m.Entries() {
		known[e.Path] = true
	}

	var orphans []string
	for _, dir := range []string{eventsDir, framesDir} {
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() {
				return nil
			}
			if known[path] {
				return nil
			}
			if now.Sub(info.ModTime()) < graceWindow {
				return nil
			}
			orphans = append(orphans, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("storage: walk %s for orphans: %w", dir, err)
		}
	}
	return orphans, nil
}

// RemoveOrphans unlinks every path in orphans, returning the ones it
// actually removed (tolerating a path that's already gone).
func RemoveOrphans(orphans []string) []string {
	var removed []string
	for _, path := range orphans {
		if err := os.Remove(path); err == nil || os.IsNotExist(err) {
			removed = append(removed, path)
		}
	}
	return removed
}
