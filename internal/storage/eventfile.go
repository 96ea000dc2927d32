package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/willf/bloom"

	"github.com/parkerjbeard/chronicle/event"
	"github.com/parkerjbeard/chronicle/internal/cryptoenv"
	"github.com/parkerjbeard/chronicle/internal/integrity"
)

// DefaultRowGroupSize matches the spec's stated default of 64 Ki
// records per independently decodable row group.
const DefaultRowGroupSize = 64 * 1024

const eventFileMagic = "CHRNEVT\x00"

// EventFileWriter builds one columnar event file for a single
// (day, event_kind, schema_version) batch. Screen-frame events never
// reach this writer; the orchestrator routes them to
// FrameFileWriter.Write instead.
type EventFileWriter struct {
	RowGroupSize int
	Codec        Codec
	KeyRing      *cryptoenv.KeyRing
	Algorithm    cryptoenv.Algorithm
}

// EventFileResult is what the caller needs to build a ManifestEntry and
// locate the artifact.
type EventFileResult struct {
	Path        string
	Size        int64
	ContentHash uint64
	KeyEpoch    uint32
	FirstTSNS   int64
	LastTSNS    int64
	RecordCount int64
}

// parquetEventRow is the on-disk schema for one event record. producer_id
// and session_id are dictionary-encoded: a workstation has a small,
// bounded set of producer processes and sessions, so the dictionary
// column is the "enumerated string" case parquet's dict encoding exists
// for.
type parquetEventRow struct {
	TimestampNS   int64  `parquet:"timestamp_ns"`
	ProducerID    string `parquet:"producer_id,dict"`
	SessionID     string `parquet:"session_id,dict"`
	EventID       string `parquet:"event_id"`
	SchemaVersion int32  `parquet:"schema_version"`
	Payload       []byte `parquet:"payload"`
}

// Write sorts events by (producer_id, timestamp_ns), partitions them into
// row groups, writes them through parquet-go (column chunks, dictionary
// encoding, per-row-group statistics, footer), layers a bloom filter over
// producer_id for fast existence checks without a full scan, compresses
// the parquet bytes with w.Codec, and commits the sealed artifact atomically to
// dir/<kind>_<HHMMSS>_<seq>.evt.
func (w *EventFileWriter) Write(dir, day, hhmmss string, kind event.Kind, schemaVersion uint8, sequence uint32, events []event.Event) (EventFileResult, error) {
	if len(events) == 0 {
		return EventFileResult{}, fmt.Errorf("storage: cannot write an event file with zero records")
	}
	if w.RowGroupSize <= 0 {
		w.RowGroupSize = DefaultRowGroupSize
	}

	sorted := append([]event.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ProducerID != sorted[j].ProducerID {
			return lessUUID(sorted[i].ProducerID, sorted[j].ProducerID)
		}
		return sorted[i].TimestampNS < sorted[j].TimestampNS
	})

	body, err := w.buildBody(kind, schemaVersion, sorted)
	if err != nil {
		return EventFileResult{}, err
	}
	contentHash := integrity.FileContentHash(body)

	ad := cryptoenv.AssociatedData("events", schemaVersion, day, sequence)
	sealed, epoch, err := sealPlaintext(w.KeyRing, w.Algorithm, ad, body)
	if err != nil {
		return EventFileResult{}, fmt.Errorf("storage: seal event file: %w", err)
	}

	filename := fmt.Sprintf("%s_%s_%d.evt", kind, hhmmss, sequence)
	finalPath := dir + "/" + filename
	if err := WriteFileAtomic(finalPath, sealed, 0o600); err != nil {
		return EventFileResult{}, err
	}

	firstTS, lastTS := sorted[0].TimestampNS, sorted[0].TimestampNS
	for _, e := range sorted[1:] {
		if e.TimestampNS < firstTS {
			firstTS = e.TimestampNS
		}
		if e.TimestampNS > lastTS {
			lastTS = e.TimestampNS
		}
	}

	return EventFileResult{
		Path:        finalPath,
		Size:        int64(len(sealed)),
		ContentHash: contentHash,
		KeyEpoch:    epoch,
		FirstTSNS:   firstTS,
		LastTSNS:    lastTS,
		RecordCount: int64(len(sorted)),
	}, nil
}

func lessUUID(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// buildBody serializes the schema header, the parquet-encoded row
// groups, a producer_id bloom filter, and the min/max timestamp footer.
// Only the parquet bytes pass through w.Codec, as a single block; the
// header, bloom filter, and footer stay uncompressed, and the caller
// seals the whole body. parquet-go owns row-group boundaries, column
// layout, dictionary encoding, and per-column statistics; w.Codec is
// the pluggable compression stage applied on top of the whole parquet
// body rather than per column, so the codec configuration surface
// (snappy/gzip/lz4/zstd) works the same for every file.
func (w *EventFileWriter) buildBody(kind event.Kind, schemaVersion uint8, sorted []event.Event) ([]byte, error) {
	rows := make([]parquetEventRow, len(sorted))
	for i, e := range sorted {
		rows[i] = parquetEventRow{
			TimestampNS:   e.TimestampNS,
			ProducerID:    e.ProducerID.String(),
			SessionID:     e.SessionID.String(),
			EventID:       e.EventID.String(),
			SchemaVersion: int32(e.SchemaVersion),
			Payload:       e.Payload,
		}
	}

	var parquetBuf bytes.Buffer
	pw := parquet.NewGenericWriter[parquetEventRow](&parquetBuf)
	for start := 0; start < len(rows); start += w.RowGroupSize {
		end := start + w.RowGroupSize
		if end > len(rows) {
			end = len(rows)
		}
		if _, err := pw.Write(rows[start:end]); err != nil {
			return nil, fmt.Errorf("storage: write parquet row group: %w", err)
		}
		if err := pw.Flush(); err != nil {
			return nil, fmt.Errorf("storage: flush parquet row group: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("storage: close parquet writer: %w", err)
	}

	bloomBytes, err := buildProducerBloom(sorted)
	if err != nil {
		return nil, err
	}

	minTS, maxTS := sorted[0].TimestampNS, sorted[0].TimestampNS
	for _, e := range sorted[1:] {
		if e.TimestampNS < minTS {
			minTS = e.TimestampNS
		}
		if e.TimestampNS > maxTS {
			maxTS = e.TimestampNS
		}
	}

	compressed, err := w.Codec.Compress(parquetBuf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("storage: compress event file body: %w", err)
	}

	var buf []byte
	buf = append(buf, eventFileMagic...)
	buf = appendU8(buf, byte(kind))
	buf = appendU8(buf, schemaVersion)
	buf = appendU32(buf, uint32(len(sorted)))
	buf = append(buf, w.Codec.Name()+"\x00"...)
	buf = appendU32(buf, uint32(len(compressed)))
	buf = append(buf, compressed...)
	buf = appendU32(buf, uint32(len(bloomBytes)))
	buf = append(buf, bloomBytes...)
	buf = appendI64(buf, minTS)
	buf = appendI64(buf, maxTS)

	return buf, nil
}

// buildProducerBloom indexes the distinct producer_id values present in
// the batch. It sits alongside the parquet body rather than inside it:
// parquet-go's own bloom filters are a per-row-group column feature
// meant for predicate pushdown during a scan, not a single file-level
// existence check a manifest sweep can consult without opening the
// column index, so the existing willf/bloom sidecar is kept for that
// footer-level question.
func buildProducerBloom(sorted []event.Event) ([]byte, error) {
	seen := make(map[uuid.UUID]bool, len(sorted))
	bf := bloom.NewWithEstimates(uint(len(sorted))+1, 0.01)
	for _, e := range sorted {
		if seen[e.ProducerID] {
			continue
		}
		seen[e.ProducerID] = true
		bf.Add(e.ProducerID[:])
	}
	bloomBytes, err := bf.GobEncode()
	if err != nil {
		return nil, fmt.Errorf("storage: encode bloom filter: %w", err)
	}
	return bloomBytes, nil
}

func appendU8(buf []byte, v byte) []byte { return append(buf, v) }
func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}
func appendI64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}
