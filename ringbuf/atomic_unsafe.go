package ringbuf

import "unsafe"

// bytesToUint64Ptr reinterprets the first 8 bytes of b as a *uint64 for
// use with sync/atomic. Callers must guarantee 8-byte alignment; every
// caller in this package does so via fixed 8-aligned offsets in the
// page-aligned header, or 8-aligned frame header offsets in the body.
func bytesToUint64Ptr(b []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[0]))
}
