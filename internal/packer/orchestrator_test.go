package packer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkerjbeard/chronicle/event"
	"github.com/parkerjbeard/chronicle/internal/cryptoenv"
	"github.com/parkerjbeard/chronicle/internal/storage"
	"github.com/parkerjbeard/chronicle/ringbuf"
)

func newOrchestratorForTest(t *testing.T) (*Orchestrator, *ringbuf.Ring, *storage.Manifest) {
	t.Helper()
	base := t.TempDir()
	ringPath := filepath.Join(base, "ring.bin")
	r, err := ringbuf.Open(ringbuf.Config{Path: ringPath, Capacity: 1 << 20, MaxRecord: 1 << 16, CreateNew: true})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	m, err := storage.LoadManifest(base)
	require.NoError(t, err)

	codec, err := storage.CodecByName("snappy")
	require.NoError(t, err)
	key, err := cryptoenv.GenerateKey()
	require.NoError(t, err)
	kr, err := cryptoenv.NewKeyRing(cryptoenv.NoopMemoryLocker{}, cryptoenv.Epoch{Number: 1, Key: key})
	require.NoError(t, err)

	o := New(Config{
		Ring:           r,
		Manifest:       m,
		EventWriter:    &storage.EventFileWriter{RowGroupSize: 1000, Codec: codec, KeyRing: kr, Algorithm: cryptoenv.AlgorithmAESGCM},
		FrameWriter:    &storage.FrameFileWriter{KeyRing: kr, Algorithm: cryptoenv.AlgorithmChaCha20Poly1305},
		EventsDir:      filepath.Join(base, "events"),
		FramesDir:      filepath.Join(base, "frames"),
		QuarantinePath: filepath.Join(base, "quarantine.ndjson"),
		RowGroupSize:   1000,
		Day:            func(tsNS int64) string { return time.Unix(0, tsNS).UTC().Format("2006/01/02") },
		HHMMSS:         func() string { return "090000" },
		MaxRunDuration: 5 * time.Second,
		Metrics:        NewTestMetrics(),
	})
	return o, r, m
}

func TestOrchestrator_StartsIdle(t *testing.T) {
	o, _, _ := newOrchestratorForTest(t)
	state, err := o.State()
	assert.Equal(t, StateIdle, state)
	assert.NoError(t, err)
}

func TestOrchestrator_RunOnceReturnsToIdle(t *testing.T) {
	o, r, m := newOrchestratorForTest(t)

	e, err := event.New(1_700_000_000_000_000_000, event.KindKeystroke, uuid.New(), uuid.New(), uuid.New(), 1, nil)
	require.NoError(t, err)
	envelope := event.Encode(e)
	slot, err := r.Reserve(uint32(len(envelope)), ringbuf.PriorityHigh)
	require.NoError(t, err)
	copy(slot.Bytes(), envelope)
	r.Commit(slot)

	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.EventsRouted)

	state, _ := o.State()
	assert.Equal(t, StateIdle, state)
	assert.Len(t, m.Entries(), 1)
}

func TestOrchestrator_FailedLatchRefusesFurtherRuns(t *testing.T) {
	o, _, _ := newOrchestratorForTest(t)
	o.setState(StateFailed)
	o.mu.Lock()
	o.err = assertTestError
	o.mu.Unlock()

	_, err := o.RunOnce(context.Background())
	assert.Error(t, err)

	state, stateErr := o.State()
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, assertTestError, stateErr)
}

func TestOrchestrator_RotateKeys(t *testing.T) {
	o, _, _ := newOrchestratorForTest(t)
	key, err := cryptoenv.GenerateKey()
	require.NoError(t, err)
	kr, err := cryptoenv.NewKeyRing(cryptoenv.NoopMemoryLocker{}, cryptoenv.Epoch{Number: 1, Key: key})
	require.NoError(t, err)

	next, err := cryptoenv.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, o.RotateKeys(kr, cryptoenv.Epoch{Number: 2, Key: next}))

	current := kr.Current()
	assert.EqualValues(t, 2, current.Number)
}

var assertTestError = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
