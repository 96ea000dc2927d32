package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/parkerjbeard/chronicle/event"
	"github.com/parkerjbeard/chronicle/internal/cryptoenv"
	"github.com/parkerjbeard/chronicle/internal/integrity"
)

// ReadEventFile decrypts and decodes an event file previously produced
// by EventFileWriter.Write, verifying its content hash against what the
// manifest recorded. Only tests call it; the packer's hot path never
// needs to read its own output back.
func ReadEventFile(data []byte, kr *cryptoenv.KeyRing, wantContentHash uint64) ([]event.Event, error) {
	body, err := openSealed(kr, data)
	if err != nil {
		return nil, fmt.Errorf("storage: decrypt event file: %w", err)
	}
	if got := integrity.FileContentHash(body); got != wantContentHash {
		return nil, fmt.Errorf("storage: content hash mismatch: file has %x, manifest expects %x", got, wantContentHash)
	}
	return decodeEventBody(body)
}

func decodeEventBody(buf []byte) ([]event.Event, error) {
	if len(buf) < len(eventFileMagic)+6 || string(buf[:len(eventFileMagic)]) != eventFileMagic {
		return nil, fmt.Errorf("storage: bad event file magic")
	}
	off := len(eventFileMagic)
	kind := event.Kind(buf[off])
	off++
	schemaVersion := buf[off]
	off++
	recordCount := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	codecName, n, err := readCString(buf[off:])
	if err != nil {
		return nil, fmt.Errorf("storage: read codec name: %w", err)
	}
	off += n
	codec, err := CodecByName(codecName)
	if err != nil {
		return nil, err
	}

	if len(buf)-off < 4 {
		return nil, fmt.Errorf("storage: truncated parquet body length")
	}
	compressedLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if len(buf)-off < int(compressedLen) {
		return nil, fmt.Errorf("storage: truncated parquet body")
	}
	compressed := buf[off : off+int(compressedLen)]
	off += int(compressedLen)

	raw, err := codec.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("storage: decompress event file body: %w", err)
	}

	events, err := decodeParquetRows(raw, recordCount, kind, schemaVersion)
	if err != nil {
		return nil, err
	}

	// The bloom filter and timestamp footer that follow are not read or
	// validated here; skipping them keeps this path a single pass over
	// the body.
	return events, nil
}

func decodeParquetRows(raw []byte, recordCount uint32, kind event.Kind, schemaVersion uint8) ([]event.Event, error) {
	pf, err := parquet.OpenFile(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("storage: open parquet body: %w", err)
	}
	reader := parquet.NewGenericReader[parquetEventRow](pf)
	defer reader.Close()

	events := make([]event.Event, 0, recordCount)
	rowBuf := make([]parquetEventRow, 1024)
	for {
		n, err := reader.Read(rowBuf)
		for _, row := range rowBuf[:n] {
			e, decErr := eventFromParquetRow(row, kind)
			if decErr != nil {
				return nil, decErr
			}
			events = append(events, e)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("storage: read parquet rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	_ = schemaVersion // every row already carries its own schema_version column; kept for the header's own self-description
	return events, nil
}

func eventFromParquetRow(row parquetEventRow, kind event.Kind) (event.Event, error) {
	producerID, err := uuid.Parse(row.ProducerID)
	if err != nil {
		return event.Event{}, fmt.Errorf("storage: parse producer_id: %w", err)
	}
	sessionID, err := uuid.Parse(row.SessionID)
	if err != nil {
		return event.Event{}, fmt.Errorf("storage: parse session_id: %w", err)
	}
	eventID, err := uuid.Parse(row.EventID)
	if err != nil {
		return event.Event{}, fmt.Errorf("storage: parse event_id: %w", err)
	}
	return event.Event{
		TimestampNS:     row.TimestampNS,
		Kind:            kind,
		ProducerID:      producerID,
		SessionID:       sessionID,
		EventID:         eventID,
		SchemaVersion:   uint8(row.SchemaVersion),
		Payload:         row.Payload,
		PayloadChecksum: event.ChecksumPayload(row.Payload),
	}, nil
}

func readCString(buf []byte) (string, int, error) {
	end := 0
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	if end == len(buf) {
		return "", 0, fmt.Errorf("storage: unterminated string")
	}
	return string(buf[:end]), end + 1, nil
}
