package ringbuf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, capacity uint64) *Ring {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ring.dat")
	r, err := Open(Config{
		Path:      path,
		Capacity:  capacity,
		MaxRecord: 4096,
		CreateNew: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func writeRecord(t *testing.T, r *Ring, payload []byte, p Priority) {
	t.Helper()
	slot, err := r.Reserve(uint32(len(payload)), p)
	require.NoError(t, err)
	copy(slot.Bytes(), payload)
	r.Commit(slot)
}

// Single producer, single drain, per the literal scenario: a producer
// writes 1000 records and the packer drains them all in physical order
// with read_cursor catching up to write_cursor.
func TestRing_SingleProducerSingleDrain(t *testing.T) {
	r := newTestRing(t, 1<<20)

	const n = 1000
	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf("record-%04d", i))
		writeRecord(t, r, payload, PriorityHigh)
	}

	for i := 0; i < n; i++ {
		f, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("record-%04d", i), string(f.Bytes))
		r.AdvanceRead(f)
	}

	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrEmpty)

	// AdvanceRead only moves the reader's local position; nothing is
	// released back to producers until the caller checkpoints.
	assert.Less(t, r.Stats().ReadCursor, r.Stats().WriteCursor)

	r.Checkpoint(r.ReadPosition())
	stats := r.Stats()
	assert.Equal(t, stats.WriteCursor, stats.ReadCursor)
	assert.Zero(t, stats.DroppedCount)
}

// Backpressure: once utilization crosses the threshold, low-priority
// reservations are refused and counted, high-priority ones still admit.
func TestRing_Backpressure(t *testing.T) {
	r := newTestRing(t, 1<<16) // small ring to reach threshold quickly
	r.threshold = 0.5

	payload := make([]byte, 256)

	admittedHigh := 0
	droppedLow := 0
	for i := 0; i < 1000; i++ {
		_, err := r.Reserve(uint32(len(payload)), PriorityHigh)
		if err == nil {
			admittedHigh++
			continue
		}
		break
	}
	assert.Greater(t, admittedHigh, 0)

	for i := 0; i < 50; i++ {
		_, err := r.Reserve(uint32(len(payload)), PriorityLow)
		if err != nil {
			droppedLow++
		}
	}
	assert.Greater(t, droppedLow, 0)
	assert.Equal(t, uint64(droppedLow), r.Stats().DroppedCount)
}

// Concurrent producers contend only on the write_cursor CAS; every
// committed record must be drained exactly once, intact.
func TestRing_ConcurrentProducers(t *testing.T) {
	r := newTestRing(t, 4<<20)

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				payload := []byte(fmt.Sprintf("p%03d-%04d", p, i))
				for {
					slot, err := r.Reserve(uint32(len(payload)), PriorityHigh)
					if err == nil {
						copy(slot.Bytes(), payload)
						r.Commit(slot)
						break
					}
				}
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < producers*perProducer; i++ {
		f, err := r.ReadFrame()
		require.NoError(t, err)
		seen[string(f.Bytes)] = true
		r.AdvanceRead(f)
	}
	assert.Len(t, seen, producers*perProducer)
}

// A corrupted frame body is detected by CRC mismatch and does not move
// the reader's local position; the caller then skips it explicitly with
// AdvancePastCorrupt, which only ever affects local progress, not the
// persisted read_cursor Stats reports.
func TestRing_CorruptFrameCRC(t *testing.T) {
	r := newTestRing(t, 1<<16)
	writeRecord(t, r, []byte("good-record"), PriorityHigh)

	before := r.ReadPosition()
	statsBefore := r.Stats().ReadCursor
	r.m.body[frameHeaderSize] ^= 0xFF // flip a byte inside the record region

	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, before, r.ReadPosition())

	r.AdvancePastCorrupt()
	assert.Greater(t, r.ReadPosition(), before)
	assert.Equal(t, statsBefore, r.Stats().ReadCursor)

	r.Checkpoint(r.ReadPosition())
	assert.Greater(t, r.Stats().ReadCursor, statsBefore)
}

// Checkpoint is the sole release of ring space back to producers:
// reading and advancing locally through a record does not, by itself,
// let a later Reserve reuse that space. This is what makes the
// drain-before-commit window crash safe instead of lossy.
func TestRing_CheckpointDefersSpaceRelease(t *testing.T) {
	r := newTestRing(t, 1<<16)
	r.maxRecord = 1 << 16
	payload := make([]byte, 1<<14) // quarter of capacity, so three fit but not four

	writeRecord(t, r, payload, PriorityHigh)
	writeRecord(t, r, payload, PriorityHigh)
	writeRecord(t, r, payload, PriorityHigh)

	f, err := r.ReadFrame()
	require.NoError(t, err)
	r.AdvanceRead(f)

	// Read locally but not checkpointed: the space is still considered
	// used, so a reservation that needs it (a skip frame plus one more
	// record at the physical start) is refused.
	_, err = r.Reserve(uint32(len(payload)), PriorityHigh)
	assert.ErrorIs(t, err, ErrNoSpace)

	r.Checkpoint(r.ReadPosition())
	_, err = r.Reserve(uint32(len(payload)), PriorityHigh)
	assert.NoError(t, err)
}

func TestRing_TooLarge(t *testing.T) {
	r := newTestRing(t, 1<<16)
	_, err := r.Reserve(r.maxRecord+1, PriorityHigh)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestRing_ReopenRejectsCapacityMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.dat")
	r, err := Open(Config{Path: path, Capacity: 1 << 16, MaxRecord: 1024, CreateNew: true})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = Open(Config{Path: path, Capacity: 1 << 17, MaxRecord: 1024})
	assert.Error(t, err)
}

func TestRing_ReopenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.dat")
	require.NoError(t, os.WriteFile(path, make([]byte, HeaderSize+1<<16), 0o600))

	_, err := Open(Config{Path: path, Capacity: 1 << 16, MaxRecord: 1024})
	assert.Error(t, err)
}
