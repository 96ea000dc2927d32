package ringbuf

import (
	"encoding/binary"
	"hash/crc32"
)

// frameHeaderSize is the on-ring prefix before record bytes: u32 length,
// u32 frame_crc.
const frameHeaderSize = 8

// skipTag marks a frame as a skip placeholder: length field carries this
// sentinel instead of a byte count, and there is no body to read. Skip
// frames exist purely to keep a real frame's header from straddling the
// ring's physical wrap boundary.
const skipTag uint32 = 0xFFFFFFFF

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// frameCRC covers the length field and the record bytes, not the CRC
// field itself. It is distinct from the record's payload_checksum: this
// one only certifies the ring's shared-memory bytes weren't torn or
// bit-rotted in place.
func frameCRC(length uint32, record []byte) uint32 {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], length)
	h := crc32.New(crcTable)
	h.Write(lenBuf[:])
	h.Write(record)
	return h.Sum32()
}

// framedSize is the total on-ring footprint of a record payload of n bytes.
func framedSize(n uint32) uint64 {
	return uint64(frameHeaderSize) + uint64(n)
}
