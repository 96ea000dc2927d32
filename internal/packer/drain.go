package packer

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/parkerjbeard/chronicle/event"
	"github.com/parkerjbeard/chronicle/internal/integrity"
	"github.com/parkerjbeard/chronicle/internal/storage"
	"github.com/parkerjbeard/chronicle/ringbuf"
)

// DefaultSkipBudget bounds how many consecutive corrupt frames one
// drain pass tolerates before giving up, matching the spec's bounded
// corruption tolerance rather than resyncing forever on a torn ring.
const DefaultSkipBudget = 100

// DrainConfig parameterizes one drain pass. ReadFrame/AdvanceRead move
// the reader's local position through the ring without releasing any
// space; drainState.checkpoint is what actually publishes the durable
// read_cursor, and only up to the oldest event still sitting in an open
// batch. A crash before a checkpoint simply leaves read_cursor where it
// was: the next drain rereads the same span, and the manifest's
// idempotent content-hash check at flush time absorbs the duplicate
// work instead of producing duplicate artifacts.
type DrainConfig struct {
	Ring         *ringbuf.Ring
	Manifest     *storage.Manifest
	EventWriter  *storage.EventFileWriter
	FrameWriter  *storage.FrameFileWriter
	EventsDir    string
	FramesDir    string
	Quarantine   *integrity.Writer
	SkipBudget   int
	RowGroupSize int
	Day          func(tsNS int64) string
	HHMMSS       func() string
}

// DrainResult summarizes one pass for logging and metrics.
type DrainResult struct {
	EventsRead          int
	EventsRouted        int
	FramesCommitted     int
	Quarantined         int
	CorruptSkipped      int
	SkipBudgetRemaining int
	ArtifactPaths       []string
}

// drainState is Drain's working set: the batch accumulator plus the
// per-producer monotonicity tracker, both scoped to a single pass.
//
// checkpointed tracks the last position published via Ring.Checkpoint,
// so Drain only ever publishes a strictly increasing watermark and
// never re-issues the same atomic store once nothing has changed.
type drainState struct {
	cfg          DrainConfig
	bs           *batchSet
	mono         *integrity.MonotonicityChecker
	result       DrainResult
	checkpointed uint64
}

// checkpoint advances the ring's durable read_cursor to the newest
// position safe to publish: everything up to the oldest still-open
// batch's first frame, or the reader's full local progress if no batch
// is open. This is the commit boundary described for the storage
// writer: ring space is only released to producers once every frame up
// to that point has actually landed in a manifested artifact, a
// quarantine record, or been abandoned as corrupt.
func (st *drainState) checkpoint() {
	safe, open := st.bs.oldestOpenOffset()
	if !open {
		safe = st.cfg.Ring.ReadPosition()
	}
	if safe <= st.checkpointed {
		return
	}
	st.cfg.Ring.Checkpoint(safe)
	st.checkpointed = safe
}

// Drain reads frames until the ring reports empty, decoding and
// validating each one, then routes it into a per-(day, kind,
// schema_version) batch or, for screen frames, straight to a
// single-record frame file. A batch flushes once it reaches
// RowGroupSize; anything still open flushes once the ring empties.
func Drain(cfg DrainConfig) (DrainResult, error) {
	if cfg.SkipBudget <= 0 {
		cfg.SkipBudget = DefaultSkipBudget
	}
	st := &drainState{cfg: cfg, bs: newBatchSet(), mono: integrity.NewMonotonicityChecker()}
	st.result.SkipBudgetRemaining = cfg.SkipBudget
	corruptRun := 0

	for {
		frame, err := cfg.Ring.ReadFrame()
		if err == ringbuf.ErrEmpty {
			break
		}
		if err == ringbuf.ErrCorrupt {
			corruptRun++
			if corruptRun > cfg.SkipBudget {
				return st.result, fmt.Errorf("packer: corrupt frame skip budget (%d) exhausted", cfg.SkipBudget)
			}
			if remaining := cfg.SkipBudget - corruptRun; remaining < st.result.SkipBudgetRemaining {
				st.result.SkipBudgetRemaining = remaining
			}
			cfg.Ring.AdvancePastCorrupt()
			st.result.CorruptSkipped++
			st.checkpoint()
			continue
		}
		if err != nil {
			return st.result, fmt.Errorf("packer: read frame: %w", err)
		}
		corruptRun = 0
		st.result.EventsRead++

		// Copy out of the mmap region before advancing: the local read
		// position moves past this byte range immediately, but the ring
		// does not release it to producers until checkpoint() confirms
		// the event landed somewhere durable (an artifact, or the
		// quarantine log).
		envelope := append([]byte(nil), frame.Bytes...)
		offset := frame.Offset
		cfg.Ring.AdvanceRead(frame)

		if err := st.route(envelope, offset); err != nil {
			return st.result, err
		}
	}

	if err := st.flushAll(); err != nil {
		return st.result, err
	}
	st.checkpoint()
	return st.result, nil
}

func (st *drainState) route(envelope []byte, offset uint64) error {
	cfg := st.cfg
	e, err := event.Decode(envelope)
	if err != nil {
		st.quarantine(integrity.Record{
			Reason:      integrity.ReasonUnknownSchema,
			Detail:      err.Error(),
			RawEnvelope: envelope,
		})
		st.checkpoint()
		return nil
	}
	if !e.VerifyChecksum() {
		st.quarantine(integrity.Record{
			Reason:        integrity.ReasonPayloadChecksum,
			ProducerID:    e.ProducerID.String(),
			EventID:       e.EventID.String(),
			Kind:          e.Kind.String(),
			SchemaVersion: e.SchemaVersion,
			TimestampNS:   e.TimestampNS,
			RawEnvelope:   envelope,
		})
		st.checkpoint()
		return nil
	}
	// Screen frames carry a raw image payload, not TLV fields, so they
	// have no entry in the schema registry and skip this check entirely.
	if e.Kind != event.KindScreenFrame {
		if _, err := decodeForSchema(e); err != nil {
			st.quarantine(integrity.Record{
				Reason:        integrity.ReasonUnknownSchema,
				Detail:        err.Error(),
				ProducerID:    e.ProducerID.String(),
				EventID:       e.EventID.String(),
				Kind:          e.Kind.String(),
				SchemaVersion: e.SchemaVersion,
				TimestampNS:   e.TimestampNS,
				RawEnvelope:   envelope,
			})
			st.checkpoint()
			return nil
		}
	}
	producerKey := e.ProducerID.String()
	if !st.mono.Check(producerKey, e.TimestampNS) {
		st.quarantine(integrity.Record{
			Reason:        integrity.ReasonTimestampRegressed,
			ProducerID:    producerKey,
			EventID:       e.EventID.String(),
			Kind:          e.Kind.String(),
			SchemaVersion: e.SchemaVersion,
			TimestampNS:   e.TimestampNS,
			RawEnvelope:   envelope,
		})
		st.checkpoint()
		return nil
	}
	st.mono.Advance(producerKey, e.TimestampNS)

	day := cfg.Day(e.TimestampNS)

	if e.Kind == event.KindScreenFrame {
		path, err := st.flushFrame(day, e)
		if err != nil {
			return err
		}
		st.result.FramesCommitted++
		st.result.ArtifactPaths = append(st.result.ArtifactPaths, path)
		st.checkpoint()
		return nil
	}

	st.bs.add(day, e, offset)
	st.result.EventsRouted++

	key := batchKey{day: day, kind: e.Kind, schemaVersion: e.SchemaVersion}
	if st.bs.batches[key].full(cfg.RowGroupSize) {
		path, err := st.flushBatch(key)
		if err != nil {
			return err
		}
		st.result.ArtifactPaths = append(st.result.ArtifactPaths, path)
		st.checkpoint()
	}
	return nil
}

// decodeForSchema validates e against the registry before it is routed
// anywhere: an exact (Kind, SchemaVersion) match decodes directly, and a
// newer, unregistered version falls back to the highest version the
// registry does know for that kind, per DecodeUnderVersion's
// superset-compatibility contract. Only a kind the registry has never
// seen at all, or a structurally malformed TLV stream, fails.
func decodeForSchema(e event.Event) (event.Decoded, error) {
	decoded, err := event.DecodeEvent(e)
	if err == nil {
		return decoded, nil
	}
	if maxVersion, ok := event.MaxRegisteredVersion(e.Kind); ok && maxVersion < e.SchemaVersion {
		return event.DecodeUnderVersion(e, maxVersion)
	}
	return event.Decoded{}, err
}

func (st *drainState) quarantine(r integrity.Record) {
	r.QuarantinedAt = time.Now()
	st.result.Quarantined++
	if st.cfg.Quarantine == nil {
		return
	}
	// A quarantine write failure is not fatal to the drain pass: losing
	// the forensic copy of a record Chronicle was already discarding is
	// preferable to stalling the whole pipeline on a full disk.
	_ = st.cfg.Quarantine.Append(r)
}

func (st *drainState) flushFrame(day string, e event.Event) (string, error) {
	cfg := st.cfg
	rec := storage.FrameRecord{TimestampNS: e.TimestampNS, ProducerID: e.ProducerID, ImageBytes: e.Payload}
	dir := filepath.Join(cfg.FramesDir, day)
	seq := st.bs.nextSequence(batchKey{day: day, kind: event.KindScreenFrame})
	result, err := cfg.FrameWriter.Write(dir, day, cfg.HHMMSS(), seq, rec)
	if err != nil {
		return "", fmt.Errorf("packer: write frame file: %w", err)
	}
	if cfg.Manifest.HasContentHash(result.ContentHash) {
		return result.Path, nil
	}
	entry := storage.ManifestEntry{
		Path:        result.Path,
		Kind:        event.KindScreenFrame.String(),
		Day:         day,
		Sequence:    seq,
		Size:        result.Size,
		ContentHash: result.ContentHash,
		KeyEpoch:    result.KeyEpoch,
		FirstTSNS:   e.TimestampNS,
		LastTSNS:    e.TimestampNS,
		RecordCount: 1,
	}
	if err := cfg.Manifest.Append(entry); err != nil {
		return "", fmt.Errorf("packer: append manifest entry for %s: %w", result.Path, err)
	}
	return result.Path, nil
}

func (st *drainState) flushAll() error {
	for _, key := range st.bs.order {
		if len(st.bs.batches[key].events) == 0 {
			continue
		}
		if _, err := st.flushBatch(key); err != nil {
			return err
		}
	}
	return nil
}

func (st *drainState) flushBatch(key batchKey) (string, error) {
	cfg := st.cfg
	b := st.bs.batches[key]
	events := b.events
	b.reset()
	seq := st.bs.nextSequence(key)

	dir := filepath.Join(cfg.EventsDir, key.day)
	result, err := cfg.EventWriter.Write(dir, key.day, cfg.HHMMSS(), key.kind, key.schemaVersion, seq, events)
	if err != nil {
		return "", fmt.Errorf("packer: write event file for %s/%s: %w", key.day, key.kind, err)
	}
	if cfg.Manifest.HasContentHash(result.ContentHash) {
		return result.Path, nil
	}
	entry := storage.ManifestEntry{
		Path:        result.Path,
		Kind:        key.kind.String(),
		Day:         key.day,
		Sequence:    seq,
		Size:        result.Size,
		ContentHash: result.ContentHash,
		KeyEpoch:    result.KeyEpoch,
		FirstTSNS:   result.FirstTSNS,
		LastTSNS:    result.LastTSNS,
		RecordCount: result.RecordCount,
	}
	if err := cfg.Manifest.Append(entry); err != nil {
		return "", fmt.Errorf("packer: append manifest entry for %s: %w", result.Path, err)
	}
	return result.Path, nil
}
