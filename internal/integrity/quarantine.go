package integrity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Reason classifies why a record was quarantined rather than dropped
// silently.
type Reason string

const (
	ReasonPayloadChecksum    Reason = "payload_checksum_mismatch"
	ReasonTimestampRegressed Reason = "timestamp_regressed"
	ReasonUnknownSchema      Reason = "unknown_schema"
)

// Record is one newline-delimited JSON line in a quarantine file. It
// carries enough of the original envelope to support forensic replay
// without re-deriving it from the (now-discarded) ring frame.
type Record struct {
	QuarantinedAt time.Time `json:"quarantined_at"`
	Reason        Reason    `json:"reason"`
	ProducerID    string    `json:"producer_id"`
	EventID       string    `json:"event_id"`
	Kind          string    `json:"kind"`
	SchemaVersion uint8     `json:"schema_version"`
	TimestampNS   int64     `json:"timestamp_ns"`
	Detail        string    `json:"detail,omitempty"`
	RawEnvelope   []byte    `json:"raw_envelope"`
}

// Writer appends Records as newline-delimited JSON to a single
// append-only file per packer run. It is not safe for concurrent use;
// the orchestrator owns one Writer per drain.
type Writer struct {
	f *os.File
	w *bufio.Writer
}

// OpenWriter opens (creating the file and its parent directory if
// necessary) the quarantine file at path in append mode.
func OpenWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("integrity: create quarantine directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("integrity: open quarantine file: %w", err)
	}
	return &Writer{f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one quarantine record, then flushes and fsyncs it, so
// the record is on disk before the drain loop checkpoints read_cursor
// past the frame that produced it and is never lost to a crash after
// the cursor has moved.
func (w *Writer) Append(r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("integrity: marshal quarantine record: %w", err)
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close flushes any buffered bytes, fsyncs, and closes the file.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	return w.f.Close()
}

// MonotonicityChecker enforces that timestamp_ns is non-decreasing per
// producer_id within a batch, per the spec's temporal consistency check.
type MonotonicityChecker struct {
	last map[string]int64
}

func NewMonotonicityChecker() *MonotonicityChecker {
	return &MonotonicityChecker{last: make(map[string]int64)}
}

// Check returns false if ts regresses relative to the last timestamp
// seen for producerID, without mutating state; callers that intend to
// accept ts call Advance afterward.
func (m *MonotonicityChecker) Check(producerID string, ts int64) bool {
	last, ok := m.last[producerID]
	return !ok || ts >= last
}

// Advance records ts as the latest accepted timestamp for producerID.
func (m *MonotonicityChecker) Advance(producerID string, ts int64) {
	m.last[producerID] = ts
}
