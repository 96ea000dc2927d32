package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkerjbeard/chronicle/event"
	"github.com/parkerjbeard/chronicle/internal/cryptoenv"
)

func testKeyRing(t *testing.T) *cryptoenv.KeyRing {
	t.Helper()
	key, err := cryptoenv.GenerateKey()
	require.NoError(t, err)
	kr, err := cryptoenv.NewKeyRing(cryptoenv.NoopMemoryLocker{}, cryptoenv.Epoch{Number: 1, Key: key})
	require.NoError(t, err)
	return kr
}

func testEvents(t *testing.T, n int) []event.Event {
	t.Helper()
	producers := []uuid.UUID{uuid.New(), uuid.New()}
	events := make([]event.Event, n)
	for i := 0; i < n; i++ {
		fields := event.EncodeFields([]event.Field{{Tag: 1, Value: []byte{byte(i)}}})
		e, err := event.New(
			1_700_000_000_000_000_000+int64(i)*1_000_000,
			event.KindKeystroke,
			producers[i%len(producers)],
			uuid.New(),
			uuid.New(),
			1,
			fields,
		)
		require.NoError(t, err)
		events[i] = e
	}
	return events
}

func TestCodecByName_RoundTrip(t *testing.T) {
	for _, name := range []string{"snappy", "gzip", "lz4", "zstd", ""} {
		t.Run(name, func(t *testing.T) {
			codec, err := CodecByName(name)
			require.NoError(t, err)
			data := []byte("some moderately repetitive column data data data data")
			compressed, err := codec.Compress(data)
			require.NoError(t, err)
			got, err := codec.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestCodecByName_Unknown(t *testing.T) {
	_, err := CodecByName("bzip2")
	assert.Error(t, err)
}

func TestEventFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	kr := testKeyRing(t)
	codec, err := CodecByName("snappy")
	require.NoError(t, err)

	w := &EventFileWriter{RowGroupSize: 10, Codec: codec, KeyRing: kr, Algorithm: cryptoenv.AlgorithmAESGCM}
	events := testEvents(t, 25)

	result, err := w.Write(dir, "2026/08/01", "030000", event.KindKeystroke, 1, 1, events)
	require.NoError(t, err)
	assert.Equal(t, int64(25), result.RecordCount)
	assert.Equal(t, events[0].TimestampNS, result.FirstTSNS)

	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)

	decoded, err := ReadEventFile(data, kr, result.ContentHash)
	require.NoError(t, err)
	require.Len(t, decoded, 25)

	// sorted by (producer_id, timestamp_ns): verify non-decreasing per producer
	lastByProducer := map[uuid.UUID]int64{}
	for _, e := range decoded {
		if last, ok := lastByProducer[e.ProducerID]; ok {
			assert.GreaterOrEqual(t, e.TimestampNS, last)
		}
		lastByProducer[e.ProducerID] = e.TimestampNS
	}
}

func TestEventFile_WrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	kr := testKeyRing(t)
	codec, _ := CodecByName("snappy")
	w := &EventFileWriter{RowGroupSize: 10, Codec: codec, KeyRing: kr, Algorithm: cryptoenv.AlgorithmAESGCM}

	result, err := w.Write(dir, "2026/08/01", "030000", event.KindKeystroke, 1, 1, testEvents(t, 5))
	require.NoError(t, err)

	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)

	otherKR := testKeyRing(t)
	_, err = ReadEventFile(data, otherKR, result.ContentHash)
	assert.Error(t, err)
}

func TestFrameFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	kr := testKeyRing(t)
	w := &FrameFileWriter{KeyRing: kr, Algorithm: cryptoenv.AlgorithmChaCha20Poly1305}

	rec := FrameRecord{TimestampNS: 42, ProducerID: uuid.New(), ImageBytes: []byte{1, 2, 3, 4, 5}}
	result, err := w.Write(dir, "2026/08/01", "120000", 1, rec)
	require.NoError(t, err)

	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)

	got, err := ReadFrameFile(data, kr, result.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, rec.TimestampNS, got.TimestampNS)
	assert.Equal(t, rec.ProducerID, got.ProducerID)
	assert.Equal(t, rec.ImageBytes, got.ImageBytes)
}

func TestManifest_AppendLoadRemove(t *testing.T) {
	base := t.TempDir()
	m, err := LoadManifest(base)
	require.NoError(t, err)
	require.Empty(t, m.Entries())

	entry := ManifestEntry{Path: filepath.Join(base, "events/2026/08/01/keystroke_030000_1.evt"), Day: "2026/08/01", ContentHash: 123}
	require.NoError(t, m.Append(entry))

	reloaded, err := LoadManifest(base)
	require.NoError(t, err)
	require.Len(t, reloaded.Entries(), 1)
	assert.True(t, reloaded.HasContentHash(123))

	require.NoError(t, reloaded.Remove(entry.Path))
	assert.Empty(t, reloaded.Entries())
}

func TestApplyRetention_DeletesOldArtifacts(t *testing.T) {
	base := t.TempDir()
	m, err := LoadManifest(base)
	require.NoError(t, err)

	oldPath := filepath.Join(base, "events/2026/01/01/keystroke_030000_1.evt")
	require.NoError(t, WriteFileAtomic(oldPath, []byte("x"), 0o600))
	require.NoError(t, m.Append(ManifestEntry{Path: oldPath, Day: "2026/01/01"}))

	newPath := filepath.Join(base, "events/2026/08/01/keystroke_030000_1.evt")
	require.NoError(t, WriteFileAtomic(newPath, []byte("x"), 0o600))
	require.NoError(t, m.Append(ManifestEntry{Path: newPath, Day: "2026/08/01"}))

	now, err := time.Parse("2006/01/02", "2026/08/01")
	require.NoError(t, err)

	result, err := ApplyRetention(m, now, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{oldPath}, result.Deleted)
	assert.Len(t, m.Entries(), 1)
}

func TestFindOrphans(t *testing.T) {
	base := t.TempDir()
	eventsDir := filepath.Join(base, "events")
	framesDir := filepath.Join(base, "frames")

	orphanPath := filepath.Join(eventsDir, "2026/08/01/orphan.evt")
	require.NoError(t, WriteFileAtomic(orphanPath, []byte("x"), 0o600))

	m, err := LoadManifest(base)
	require.NoError(t, err)

	orphans, err := FindOrphans(m, eventsDir, framesDir, time.Now().Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{orphanPath}, orphans)

	removed := RemoveOrphans(orphans)
	assert.Equal(t, orphans, removed)
}
