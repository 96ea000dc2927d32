package event

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Wire envelope layout (all integers little-endian):
//
//	schema_version  u8
//	kind             u8
//	timestamp_ns     i64
//	producer_id      [16]byte
//	session_id       [16]byte
//	event_id         [16]byte
//	payload_checksum u64
//	payload_length   u32
//	payload          payload_length bytes
//
// The envelope itself never changes shape; forward compatibility lives
// one level down, inside payload, which is its own TLV stream (see
// EncodeFields/DecodeFields below). This mirrors the length-prefixed,
// self-describing style friggdb uses for its object envelope, adapted
// from a protobuf payload to a TLV one since schema evolution here must
// work without a shared .proto file between producer and packer
// processes that may be built at different times.
const envelopeFixedSize = 1 + 1 + 8 + 16 + 16 + 16 + 8 + 4

// Encode serializes e into its wire envelope.
func Encode(e Event) []byte {
	buf := make([]byte, envelopeFixedSize+len(e.Payload))
	off := 0
	buf[off] = e.SchemaVersion
	off++
	buf[off] = byte(e.Kind)
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.TimestampNS))
	off += 8
	copy(buf[off:], e.ProducerID[:])
	off += 16
	copy(buf[off:], e.SessionID[:])
	off += 16
	copy(buf[off:], e.EventID[:])
	off += 16
	binary.LittleEndian.PutUint64(buf[off:], e.PayloadChecksum)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Payload)))
	off += 4
	copy(buf[off:], e.Payload)
	return buf
}

// Decode parses the wire envelope produced by Encode. It does not
// validate the payload checksum or route through a per-kind decoder;
// callers that need those call VerifyChecksum and DecodeFields (or
// DecodeEvent, which checks the schema registry) separately, since a frame may
// need to be quarantined rather than fully decoded on checksum failure.
func Decode(b []byte) (Event, error) {
	if len(b) < envelopeFixedSize {
		return Event{}, fmt.Errorf("event: envelope too short: %d bytes", len(b))
	}
	var e Event
	off := 0
	e.SchemaVersion = b[off]
	off++
	e.Kind = Kind(b[off])
	off++
	e.TimestampNS = int64(binary.LittleEndian.Uint64(b[off:]))
	off += 8
	copy(e.ProducerID[:], b[off:off+16])
	off += 16
	copy(e.SessionID[:], b[off:off+16])
	off += 16
	copy(e.EventID[:], b[off:off+16])
	off += 16
	e.PayloadChecksum = binary.LittleEndian.Uint64(b[off:])
	off += 8
	payloadLen := binary.LittleEndian.Uint32(b[off:])
	off += 4
	if uint32(len(b)-off) < payloadLen {
		return Event{}, fmt.Errorf("event: payload length %d exceeds remaining %d bytes", payloadLen, len(b)-off)
	}
	e.Payload = append([]byte(nil), b[off:off+int(payloadLen)]...)
	return e, nil
}

// Field is one TLV entry within a payload: a small integer tag, whose
// meaning is fixed per (Kind, SchemaVersion) by a package-level schema
// table, and its raw value bytes.
type Field struct {
	Tag   uint16
	Value []byte
}

// EncodeFields serializes fields as a TLV stream: each entry is
// [tag u16][length u32][value]. Producers build payloads this way so
// a decoder compiled against an older schema_version can skip fields
// it doesn't recognize instead of failing to parse.
func EncodeFields(fields []Field) []byte {
	size := 0
	for _, f := range fields {
		size += 2 + 4 + len(f.Value)
	}
	buf := make([]byte, size)
	off := 0
	for _, f := range fields {
		binary.LittleEndian.PutUint16(buf[off:], f.Tag)
		off += 2
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(f.Value)))
		off += 4
		copy(buf[off:], f.Value)
		off += len(f.Value)
	}
	return buf
}

// DecodeFields parses a TLV payload into its constituent fields without
// interpreting them; callers such as DecodeEvent decide which tags to
// keep and which to treat as forward-compatible padding. A zero-length
// field decodes with a nil Value.
func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	off := 0
	for off < len(payload) {
		if len(payload)-off < 6 {
			return nil, fmt.Errorf("event: truncated field header at offset %d", off)
		}
		tag := binary.LittleEndian.Uint16(payload[off:])
		off += 2
		length := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		if uint32(len(payload)-off) < length {
			return nil, fmt.Errorf("event: field %d length %d exceeds remaining bytes", tag, length)
		}
		var value []byte
		if length > 0 {
			value = payload[off : off+int(length)]
		}
		fields = append(fields, Field{Tag: tag, Value: value})
		off += int(length)
	}
	return fields, nil
}

// newEventID is a convenience for producers; packer code never
// generates IDs, only consumes them.
func newEventID() uuid.UUID {
	return uuid.New()
}
