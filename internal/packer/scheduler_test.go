package packer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkerjbeard/chronicle/ringbuf"
)

func newTestRingForScheduler(t *testing.T, capacity uint64) *ringbuf.Ring {
	t.Helper()
	path := t.TempDir() + "/ring.bin"
	r, err := ringbuf.Open(ringbuf.Config{Path: path, Capacity: capacity, MaxRecord: 4096, CreateNew: true})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestScheduler_NextDailyFireRollsToTomorrow(t *testing.T) {
	loc := time.UTC
	s := NewScheduler(SchedulerConfig{DailyAt: 3 * time.Hour, Location: loc}, nil)

	now := time.Date(2026, 8, 1, 10, 0, 0, 0, loc)
	next := s.nextDailyFire(now)
	assert.Equal(t, time.Date(2026, 8, 2, 3, 0, 0, 0, loc), next)
}

func TestScheduler_NextDailyFireLaterToday(t *testing.T) {
	loc := time.UTC
	s := NewScheduler(SchedulerConfig{DailyAt: 3 * time.Hour, Location: loc}, nil)

	now := time.Date(2026, 8, 1, 1, 0, 0, 0, loc)
	next := s.nextDailyFire(now)
	assert.Equal(t, time.Date(2026, 8, 1, 3, 0, 0, 0, loc), next)
}

func TestScheduler_PressureFiresBeforeDaily(t *testing.T) {
	ring := newTestRingForScheduler(t, 8192)

	s := NewScheduler(SchedulerConfig{
		DailyAt:          time.Hour, // irrelevant, far in the future relative to PollInterval
		PollInterval:     10 * time.Millisecond,
		PressureFraction: 0.1,
	}, ring)

	fillRingForScheduler(t, ring, 2000)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	select {
	case reason := <-s.Fire():
		assert.Equal(t, "pressure", reason)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a pressure fire")
	}
}

func fillRingForScheduler(t *testing.T, r *ringbuf.Ring, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		slot, err := r.Reserve(8, ringbuf.PriorityHigh)
		if err != nil {
			return
		}
		copy(slot.Bytes(), []byte("filler!!"))
		r.Commit(slot)
	}
}
