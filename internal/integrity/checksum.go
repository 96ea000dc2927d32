// Package integrity implements Chronicle's three independent
// corruption checks (frame CRC, payload checksum, file content hash)
// and the quarantine mechanism for records that fail validation but
// must not be silently discarded.
package integrity

import (
	"github.com/cespare/xxhash/v2"
)

// FileContentHash computes the artifact-level content hash over the
// compressed, pre-encryption bytes of a storage file. It is stored in
// the manifest and re-verified on read. xxhash is used rather than a
// cryptographic digest for the same reason event.ChecksumPayload does:
// this check defends against storage bit-rot and write bugs, not a
// tampering adversary, which is the AEAD tag's job once the file is
// sealed.
func FileContentHash(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// StreamHasher accumulates a content hash over data written in chunks,
// for use while a file is being written rather than after it is fully
// buffered in memory.
type StreamHasher struct {
	h *xxhash.Digest
}

func NewStreamHasher() *StreamHasher {
	return &StreamHasher{h: xxhash.New()}
}

func (s *StreamHasher) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

func (s *StreamHasher) Sum64() uint64 {
	return s.h.Sum64()
}
