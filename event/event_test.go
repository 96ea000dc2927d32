package event

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, kind Kind, version uint8, fields []Field) Event {
	t.Helper()
	e, err := New(1_700_000_000_000_000_000, kind, uuid.New(), uuid.New(), uuid.New(), version, EncodeFields(fields))
	require.NoError(t, err)
	return e
}

func TestEnvelope_RoundTrip(t *testing.T) {
	e := mustEvent(t, KindKeystroke, 1, []Field{{Tag: 1, Value: []byte{0x41}}})

	wire := Encode(e)
	got, err := Decode(wire)
	require.NoError(t, err)

	assert.Equal(t, e.TimestampNS, got.TimestampNS)
	assert.Equal(t, e.Kind, got.Kind)
	assert.Equal(t, e.ProducerID, got.ProducerID)
	assert.Equal(t, e.SessionID, got.SessionID)
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, e.SchemaVersion, got.SchemaVersion)
	assert.Equal(t, e.Payload, got.Payload)
	assert.Equal(t, e.PayloadChecksum, got.PayloadChecksum)
	assert.True(t, got.VerifyChecksum())
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	_, err := New(0, Kind(99), uuid.New(), uuid.New(), uuid.New(), 1, nil)
	assert.Error(t, err)
}

func TestVerifyChecksum_DetectsTamperedPayload(t *testing.T) {
	e := mustEvent(t, KindClipboard, 1, []Field{{Tag: 1, Value: []byte("hash")}, {Tag: 2, Value: []byte{10}}})
	e.Payload[0] ^= 0xFF
	assert.False(t, e.VerifyChecksum())
}

func TestDecodeFields_RoundTrip(t *testing.T) {
	fields := []Field{
		{Tag: 1, Value: []byte("abc")},
		{Tag: 2, Value: []byte{1, 2, 3, 4}},
		{Tag: 7, Value: nil},
	}
	encoded := EncodeFields(fields)
	decoded, err := DecodeFields(encoded)
	require.NoError(t, err)
	if diff := cmp.Diff(fields, decoded); diff != "" {
		t.Errorf("fields round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeFields_TruncatedStream(t *testing.T) {
	_, err := DecodeFields([]byte{1, 0, 0})
	assert.Error(t, err)
}

// Schema forward compatibility: a keystroke v2 payload adds a trailing
// modifier_flags field; a packer whose registry only knows v1 still
// decodes key_code correctly and lands the record under v1, counting
// the trailing field as skipped rather than quarantining it.
func TestSchema_ForwardCompatibleDecode(t *testing.T) {
	RegisterSchema(KindKeystroke, 2, []FieldSpec{
		{Tag: 1, Name: "key_code"},
		{Tag: 2, Name: "modifier_flags"},
	})

	v2Payload := EncodeFields([]Field{
		{Tag: 1, Value: []byte{0x41}},
		{Tag: 2, Value: []byte{0x01}},
	})
	e, err := New(0, KindKeystroke, uuid.New(), uuid.New(), uuid.New(), 2, v2Payload)
	require.NoError(t, err)

	decoded, err := DecodeUnderVersion(e, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x41}, decoded.Known["key_code"])
	assert.Equal(t, 1, decoded.SkippedFields)
}

func TestSchema_UnknownKindOrVersionIsAnError(t *testing.T) {
	e, err := New(0, KindAudio, uuid.New(), uuid.New(), uuid.New(), 99, EncodeFields(nil))
	require.NoError(t, err)
	_, err = DecodeEvent(e)
	assert.Error(t, err)
}

func TestKindPriority(t *testing.T) {
	assert.Equal(t, uint8(1), KindClipboard.PriorityValue())
	assert.Equal(t, uint8(0), KindPointer.PriorityValue())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "keystroke", KindKeystroke.String())
	assert.Contains(t, Kind(200).String(), "kind(")
}
