package ringbuf

import "errors"

var (
	// ErrVersionMismatch is returned by Open when an existing ring's
	// header version does not match the version this package writes.
	// The spec treats this as a re-initialize refusal: an operator must
	// explicitly reset the ring.
	ErrVersionMismatch = errors.New("ringbuf: header version mismatch")

	// ErrNoSpace is returned by Reserve when free capacity is below n
	// and the backpressure policy forbids overwrite.
	ErrNoSpace = errors.New("ringbuf: no space")

	// ErrTooLarge is returned by Reserve when n exceeds max_record.
	ErrTooLarge = errors.New("ringbuf: record exceeds max_record")

	// ErrEmpty is returned by ReadFrame when read_cursor has caught up
	// to write_cursor.
	ErrEmpty = errors.New("ringbuf: empty")

	// ErrCorrupt is returned by ReadFrame when a frame's CRC does not
	// match its bytes. The read position is not advanced; the caller
	// skips the frame with AdvancePastCorrupt.
	ErrCorrupt = errors.New("ringbuf: corrupt frame")

	// ErrInvariant flags an impossible cursor relationship
	// (read_cursor > write_cursor) discovered during an operation.
	ErrInvariant = errors.New("ringbuf: invariant violated")
)
