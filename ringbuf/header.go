// Package ringbuf implements Chronicle's mmap-backed, wait-free MPSC
// event pipeline: many producer processes reserve and commit framed
// records into a shared-memory ring; the packer holds the sole read
// cursor and drains frames in physical order.
package ringbuf

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic identifies a Chronicle ring buffer file. Bit-exact per the
// on-mmap format: magic[8], version[u32], capacity[u64], max_record[u32],
// write_cursor[u64], read_cursor[u64], dropped_count[u64],
// producer_generation[u64], reserved to a 4 KiB boundary.
var Magic = [8]byte{'C', 'H', 'R', 'N', 'R', 'B', 0, 0}

const (
	// Version is the on-disk header format version this package writes
	// and the only version it will open without ErrVersionMismatch.
	Version uint32 = 1

	// HeaderSize is the fixed region at the start of the mapping,
	// aligned to a page so the frame body starts on a page boundary.
	HeaderSize = 4096

	magicOff      = 0
	versionOff    = 8
	capacityOff   = 12
	maxRecordOff  = 20
	writeCursorOff = 24
	readCursorOff  = 32
	droppedOff     = 40
	generationOff  = 48

	// maxCapacity bounds capacity so write_cursor, a monotonically
	// increasing byte offset, never wraps numerically within a
	// session's lifetime (spec: capacity <= 2^40).
	maxCapacity uint64 = 1 << 40
)

// header is a typed view over the first HeaderSize bytes of the mapping.
// All multi-byte fields are little-endian. Cursor fields are accessed
// through sync/atomic on the backing mmap region; header itself never
// copies the bytes, it only computes offsets.
type header struct {
	buf []byte
}

func (h header) magic() [8]byte {
	var m [8]byte
	copy(m[:], h.buf[magicOff:magicOff+8])
	return m
}

func (h header) setMagic() {
	copy(h.buf[magicOff:magicOff+8], Magic[:])
}

func (h header) version() uint32 {
	return binary.LittleEndian.Uint32(h.buf[versionOff:])
}

func (h header) setVersion(v uint32) {
	binary.LittleEndian.PutUint32(h.buf[versionOff:], v)
}

func (h header) capacity() uint64 {
	return binary.LittleEndian.Uint64(h.buf[capacityOff:])
}

func (h header) setCapacity(c uint64) {
	binary.LittleEndian.PutUint64(h.buf[capacityOff:], c)
}

func (h header) maxRecord() uint32 {
	return binary.LittleEndian.Uint32(h.buf[maxRecordOff:])
}

func (h header) setMaxRecord(v uint32) {
	binary.LittleEndian.PutUint32(h.buf[maxRecordOff:], v)
}

// writeCursorPtr/readCursorPtr/droppedPtr/generationPtr return pointers
// into the mapped region suitable for sync/atomic operations. HeaderSize
// is page-aligned and every field offset below it is 8-byte aligned, so
// these are valid atomic targets on every platform Go supports.
func (h header) writeCursorPtr() *uint64 { return bytesToUint64Ptr(h.buf[writeCursorOff:]) }
func (h header) readCursorPtr() *uint64  { return bytesToUint64Ptr(h.buf[readCursorOff:]) }
func (h header) droppedPtr() *uint64     { return bytesToUint64Ptr(h.buf[droppedOff:]) }
func (h header) generationPtr() *uint64  { return bytesToUint64Ptr(h.buf[generationOff:]) }

func (h header) validate() error {
	if !bytes.Equal(h.magic()[:], Magic[:]) {
		return fmt.Errorf("ringbuf: bad magic %x, refusing to treat as a ring (run an administrative reset if this is intentional)", h.magic())
	}
	if h.version() != Version {
		return fmt.Errorf("ringbuf: %w: have %d want %d", ErrVersionMismatch, h.version(), Version)
	}
	if h.capacity() == 0 || h.capacity() > maxCapacity {
		return fmt.Errorf("ringbuf: invalid capacity %d", h.capacity())
	}
	return nil
}
