package ringbuf

import (
	"fmt"
	"sync/atomic"
)

// Priority controls what happens to a reservation once ring utilization
// crosses the backpressure threshold. Producers choose a priority for
// each record up front (typically from a static per-event_kind table
// the event package maintains); the ring itself is agnostic to kinds.
type Priority uint8

const (
	// PriorityLow records (e.g. pointer samples) are refused with
	// ErrNoSpace once utilization crosses the threshold, bumping
	// dropped_count instead of admitting.
	PriorityLow Priority = iota
	// PriorityHigh records (e.g. clipboard, window-focus) are admitted
	// unconditionally until the ring is genuinely full.
	PriorityHigh
)

const alignment = 8

func align8(n uint64) uint64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// Config parameterizes a Ring's on-disk layout and admission policy.
type Config struct {
	// Path is the backing file. It is created if CreateNew is set.
	Path string
	// Capacity is the body size in bytes, excluding the header. Must be
	// a multiple of 8 and at most 2^40 (see maxCapacity).
	Capacity uint64
	// MaxRecord bounds a single record's payload length.
	MaxRecord uint32
	// BackpressureThreshold is the utilization fraction (0,1] above
	// which PriorityLow reservations are refused. Zero defaults to 0.8.
	BackpressureThreshold float64
	// CreateNew initializes a new ring file; it fails if Path exists.
	CreateNew bool
}

// Ring is an mmap-backed, wait-free MPSC byte queue. Many producer
// goroutines or processes may call Reserve/Commit concurrently; exactly
// one reader (the packer) calls ReadFrame/AdvanceRead.
//
// localRead tracks the reader's sequential progress through the ring
// and is distinct from the persisted read_cursor in the mmap header.
// The persisted cursor is the durable commit boundary writers check for
// free space; it only moves via Checkpoint, once the caller knows the
// frames up to some point have actually been written to an artifact and
// manifested. localRead moves on every ReadFrame/AdvanceRead so the
// reader can keep making sequential progress through not-yet-committed
// frames without releasing their ring space early. It is touched only
// by the single reader goroutine, so it needs no atomic access.
type Ring struct {
	m         *mapping
	h         header
	capacity  uint64
	maxRecord uint32
	threshold float64
	localRead uint64
}

// Open maps an existing or new ring file per cfg.
func Open(cfg Config) (*Ring, error) {
	if cfg.Capacity == 0 || cfg.Capacity%alignment != 0 || cfg.Capacity > maxCapacity {
		return nil, fmt.Errorf("ringbuf: capacity %d must be a nonzero multiple of %d and <= %d", cfg.Capacity, alignment, maxCapacity)
	}
	threshold := cfg.BackpressureThreshold
	if threshold == 0 {
		threshold = 0.8
	}

	m, err := openMapping(cfg.Path, cfg.Capacity, cfg.CreateNew)
	if err != nil {
		return nil, err
	}
	h := header{buf: m.buf[:HeaderSize]}

	if cfg.CreateNew {
		h.setMagic()
		h.setVersion(Version)
		h.setCapacity(cfg.Capacity)
		h.setMaxRecord(cfg.MaxRecord)
		atomic.StoreUint64(h.writeCursorPtr(), 0)
		atomic.StoreUint64(h.readCursorPtr(), 0)
		atomic.StoreUint64(h.droppedPtr(), 0)
		atomic.StoreUint64(h.generationPtr(), 1)
		if err := m.sync(); err != nil {
			m.close()
			return nil, err
		}
	} else {
		if err := h.validate(); err != nil {
			m.close()
			return nil, err
		}
		if h.capacity() != cfg.Capacity {
			m.close()
			return nil, fmt.Errorf("ringbuf: existing ring capacity %d does not match requested %d", h.capacity(), cfg.Capacity)
		}
	}

	return &Ring{
		m:         m,
		h:         h,
		capacity:  cfg.Capacity,
		maxRecord: h.maxRecord(),
		threshold: threshold,
		localRead: atomic.LoadUint64(h.readCursorPtr()),
	}, nil
}

// Close unmaps the ring. It does not destroy the backing file.
func (r *Ring) Close() error {
	return r.m.close()
}

// Slot is a reserved, not-yet-committed region of the ring body.
// Exactly one Commit call must follow every successful Reserve.
type Slot struct {
	start  uint64 // logical (pre-modulo) record start, i.e. past the header
	length uint32
	body   []byte // the slot's record-byte region, already positioned past the frame header
}

// Reserve claims space for a record of n bytes at the given priority. On
// success the caller must write exactly n bytes into the returned Slot's
// Bytes() and then call Commit. Reserve never blocks.
func (r *Ring) Reserve(n uint32, priority Priority) (Slot, error) {
	if n > r.maxRecord {
		return Slot{}, ErrTooLarge
	}
	frameSize := align8(framedSize(n))

	for {
		cur := atomic.LoadUint64(r.h.writeCursorPtr())
		readCur := atomic.LoadUint64(r.h.readCursorPtr())
		if readCur > cur {
			return Slot{}, ErrInvariant
		}
		used := cur - readCur
		free := r.capacity - used

		physical := cur % r.capacity
		spaceToEnd := r.capacity - physical

		reservation := frameSize
		needSkip := spaceToEnd < frameSize
		if needSkip {
			reservation = spaceToEnd + frameSize
		}

		utilization := float64(used) / float64(r.capacity)
		if utilization >= r.threshold && priority == PriorityLow {
			atomic.AddUint64(r.h.droppedPtr(), 1)
			return Slot{}, ErrNoSpace
		}
		if reservation > free {
			return Slot{}, ErrNoSpace
		}

		newCur := cur + reservation
		if !atomic.CompareAndSwapUint64(r.h.writeCursorPtr(), cur, newCur) {
			continue
		}

		recordStart := cur + (reservation - frameSize)
		if needSkip {
			r.writeSkipFrame(physical, spaceToEnd)
		}

		bodyOff := (recordStart % r.capacity) + frameHeaderSize
		return Slot{
			start:  recordStart,
			length: n,
			body:   r.m.body[bodyOff : bodyOff+uint64(n) : bodyOff+uint64(n)],
		}, nil
	}
}

// Bytes returns the slot's writable record region.
func (s Slot) Bytes() []byte { return s.body }

// writeSkipFrame marks spaceToEnd bytes at physical as a skip placeholder.
// The caller already owns this range exclusively via the CAS that
// produced it, so a plain (non-atomic) header write is safe; readers
// still observe it atomically via the 8-byte combined header load.
func (r *Ring) writeSkipFrame(physical, spaceToEnd uint64) {
	hdr := bytesToUint64Ptr(r.m.body[physical : physical+8])
	atomic.StoreUint64(hdr, combineHeader(skipTag, 0))
	_ = spaceToEnd // the remainder of the pad region is never read; length alone is enough to skip it
}

func combineHeader(length, crc uint32) uint64 {
	return uint64(length) | uint64(crc)<<32
}

func splitHeader(v uint64) (length, crc uint32) {
	return uint32(v), uint32(v >> 32)
}

// Commit finalizes a previously reserved slot: it computes the frame CRC
// over the already-written record bytes and publishes the frame header
// with a single atomic store, which acts as the release barrier readers
// acquire-load against.
func (r *Ring) Commit(s Slot) {
	crc := frameCRC(s.length, s.body)
	physical := s.start % r.capacity
	hdr := bytesToUint64Ptr(r.m.body[physical : physical+8])
	atomic.StoreUint64(hdr, combineHeader(s.length, crc))
}

// Frame is a borrowed view over one drained record. It is valid only
// until the next ReadFrame or AdvanceRead call. Offset is the frame's
// start position in ring-relative (pre-modulo) coordinates, for callers
// that need to track how far back an uncommitted record sits before
// calling Checkpoint.
type Frame struct {
	Bytes     []byte
	Offset    uint64
	frameSize uint64
}

// End returns the ring-relative position immediately past f, i.e. the
// value localRead advances to once f is released via AdvanceRead.
func (f Frame) End() uint64 {
	return f.Offset + f.frameSize
}

// ReadFrame peeks the frame at the reader's current local position. It
// never advances that position or the persisted read_cursor; callers
// must call AdvanceRead after fully consuming the returned frame, and
// Checkpoint once the frame's event is durably committed. Skip
// placeholders are consumed transparently: ReadFrame advances past them
// internally before returning, since they carry no caller-visible
// record and nothing is lost by releasing their span immediately.
func (r *Ring) ReadFrame() (Frame, error) {
	for {
		readCur := r.localRead
		writeCur := atomic.LoadUint64(r.h.writeCursorPtr())
		if readCur > writeCur {
			return Frame{}, ErrInvariant
		}
		if readCur == writeCur {
			return Frame{}, ErrEmpty
		}

		physical := readCur % r.capacity
		hdr := bytesToUint64Ptr(r.m.body[physical : physical+8])
		length, crc := splitHeader(atomic.LoadUint64(hdr))

		if length == skipTag {
			spaceToEnd := r.capacity - physical
			r.localRead = readCur + spaceToEnd
			continue
		}

		frameSize := align8(framedSize(length))
		bodyOff := physical + frameHeaderSize
		body := r.m.body[bodyOff : bodyOff+uint64(length)]
		if frameCRC(length, body) != crc {
			return Frame{}, ErrCorrupt
		}
		return Frame{Bytes: body, Offset: readCur, frameSize: frameSize}, nil
	}
}

// AdvanceRead moves the reader's local position past the most recently
// returned Frame. This does not release the frame's ring space back to
// producers; only Checkpoint does that, once the caller knows the
// frame's event has been durably committed (or, for Corrupt/skip
// handling, abandoned).
func (r *Ring) AdvanceRead(f Frame) {
	r.localRead = f.End()
}

// AdvancePastCorrupt skips the frame at the reader's current local
// position without validating it, for use after a bounded number of
// ErrCorrupt results have been logged and the skip budget allows moving
// on. A corrupt frame carries no recoverable data, so advancing past it
// loses nothing Checkpoint could have preserved.
func (r *Ring) AdvancePastCorrupt() {
	readCur := r.localRead
	physical := readCur % r.capacity
	hdr := bytesToUint64Ptr(r.m.body[physical : physical+8])
	length, _ := splitHeader(atomic.LoadUint64(hdr))
	if length == skipTag {
		r.localRead = readCur + (r.capacity - physical)
		return
	}
	r.localRead = readCur + align8(framedSize(length))
}

// ReadPosition returns the reader's current local position: how far
// ReadFrame/AdvanceRead have progressed through the ring, independent
// of what has actually been checkpointed as durably committed.
func (r *Ring) ReadPosition() uint64 {
	return r.localRead
}

// Checkpoint publishes upTo as the persisted read_cursor, releasing
// ring space up to that point back to producers. Callers must only ever
// checkpoint a position once every frame up to it has been durably
// written to an artifact and manifested (or quarantined, or abandoned
// as corrupt): this is the sole commit boundary between "drained" and
// "durably retired." upTo must never exceed ReadPosition(), and must
// never regress a previous checkpoint; both are the caller's
// responsibility to enforce since the ring has no record of prior
// batch boundaries to check against.
func (r *Ring) Checkpoint(upTo uint64) {
	atomic.StoreUint64(r.h.readCursorPtr(), upTo)
}

// Stats is a point-in-time snapshot of ring state.
type Stats struct {
	Capacity     uint64
	WriteCursor  uint64
	ReadCursor   uint64
	DroppedCount uint64
	Used         uint64
	Utilization  float64
}

func (r *Ring) Stats() Stats {
	w := atomic.LoadUint64(r.h.writeCursorPtr())
	rc := atomic.LoadUint64(r.h.readCursorPtr())
	used := w - rc
	return Stats{
		Capacity:     r.capacity,
		WriteCursor:  w,
		ReadCursor:   rc,
		DroppedCount: atomic.LoadUint64(r.h.droppedPtr()),
		Used:         used,
		Utilization:  float64(used) / float64(r.capacity),
	}
}
