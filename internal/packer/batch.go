package packer

import (
	"github.com/parkerjbeard/chronicle/event"
)

// batchKey groups events the way storage.EventFileWriter expects one
// artifact to be scoped: a single day, event kind, and schema version.
// A drain pass that spans a schema rollover produces two batches for
// the same day rather than mixing rows a reader would have to
// re-validate per record.
type batchKey struct {
	day           string
	kind          event.Kind
	schemaVersion uint8
}

// batch accumulates events for one batchKey until it is flushed into an
// artifact. frames (KindScreenFrame) never accumulate here; the drain
// loop routes them straight to single-record frame files instead.
//
// firstOffset is the ring-relative position of the earliest frame
// backing an event still sitting in this batch. It is the read_cursor
// checkpoint must not pass while this batch remains open: committing
// ring space past it would let a producer overwrite an event this batch
// hasn't written to an artifact yet.
type batch struct {
	key         batchKey
	events      []event.Event
	firstOffset uint64
	hasOffset   bool
}

// batchSet is the drain loop's working set for one run: every batch
// opened so far, plus the per-key sequence counter used to keep
// filenames unique when a key flushes more than once in a run.
type batchSet struct {
	batches  map[batchKey]*batch
	sequence map[batchKey]uint32
	order    []batchKey // insertion order, so flush output is deterministic
}

func newBatchSet() *batchSet {
	return &batchSet{
		batches:  make(map[batchKey]*batch),
		sequence: make(map[batchKey]uint32),
	}
}

// add appends e to its batch, creating one if this is the first event
// seen for that key this run. offset is the ring-relative start
// position of the frame e was decoded from.
func (bs *batchSet) add(day string, e event.Event, offset uint64) {
	key := batchKey{day: day, kind: e.Kind, schemaVersion: e.SchemaVersion}
	b, ok := bs.batches[key]
	if !ok {
		b = &batch{key: key}
		bs.batches[key] = b
		bs.order = append(bs.order, key)
	}
	if !b.hasOffset {
		b.firstOffset = offset
		b.hasOffset = true
	}
	b.events = append(b.events, e)
}

// oldestOpenOffset returns the smallest firstOffset among batches that
// still hold unflushed events, and whether any such batch exists. This
// is the read_cursor checkpoint ceiling: drain must never publish a
// checkpoint past it.
func (bs *batchSet) oldestOpenOffset() (uint64, bool) {
	var (
		min   uint64
		found bool
	)
	for _, key := range bs.order {
		b := bs.batches[key]
		if len(b.events) == 0 {
			continue
		}
		if !found || b.firstOffset < min {
			min = b.firstOffset
			found = true
		}
	}
	return min, found
}

// nextSequence returns the next artifact sequence number for key and
// advances it, so repeated flushes of the same (day, kind, version)
// within one run never collide on disk.
func (bs *batchSet) nextSequence(key batchKey) uint32 {
	n := bs.sequence[key] + 1
	bs.sequence[key] = n
	return n
}

// full reports whether b has reached the configured row group size and
// should be flushed rather than grown further.
func (b *batch) full(rowGroupSize int) bool {
	return rowGroupSize > 0 && len(b.events) >= rowGroupSize
}

// reset clears b's events after a flush, so the next event routed to
// this key starts a fresh firstOffset instead of reusing the just
// flushed span.
func (b *batch) reset() {
	b.events = nil
	b.hasOffset = false
}
