//go:build linux || darwin

package ringbuf

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapping holds the mmap'd regions backing a Ring. The body is mapped
// twice, contiguously, onto the same underlying file pages: buf[:HeaderSize]
// is the header, buf[HeaderSize:HeaderSize+capacity] is the body, and
// buf[HeaderSize+capacity:HeaderSize+2*capacity] is a mirror of the same
// body pages. A frame straddling the physical end of the body therefore
// still appears as a contiguous slice of buf, so readers and writers never
// need a split-write fallback; only the decision of whether a reservation
// needs a skip frame depends on the physical wrap point.
type mapping struct {
	file *os.File
	base uintptr
	size int
	buf  []byte // len == HeaderSize + 2*capacity
	body []byte // buf[HeaderSize : HeaderSize+capacity], the logical ring
}

func openMapping(path string, capacity uint64, create bool) (*mapping, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: open %s: %w", path, err)
	}

	fileSize := int64(HeaderSize) + int64(capacity)
	if create {
		if err := f.Truncate(fileSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("ringbuf: truncate: %w", err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if info.Size() != fileSize {
			f.Close()
			return nil, fmt.Errorf("ringbuf: file size %d does not match header+capacity %d", info.Size(), fileSize)
		}
	}

	m, err := mapDouble(f, capacity)
	if err != nil {
		f.Close()
		return nil, err
	}
	m.file = f
	return m, nil
}

// rawMmap wraps the MMAP syscall directly because golang.org/x/sys/unix's
// Mmap helper does not expose a caller-chosen address, which MAP_FIXED
// overlaying requires.
func rawMmap(addr uintptr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	r0, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return r0, nil
}

func rawMunmap(addr uintptr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// mapDouble reserves a contiguous region of size HeaderSize+2*capacity and
// maps the header+body once and the body again into it, back to back.
func mapDouble(f *os.File, capacity uint64) (*mapping, error) {
	total := int(HeaderSize + 2*capacity)
	bodyLen := int(capacity)

	base, err := rawMmap(0, uintptr(total), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: reserve address space: %w", err)
	}

	fd := int(f.Fd())
	if _, err := rawMmap(base, uintptr(HeaderSize+bodyLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, fd, 0); err != nil {
		rawMunmap(base, uintptr(total))
		return nil, fmt.Errorf("ringbuf: map header+body: %w", err)
	}

	mirrorAddr := base + uintptr(HeaderSize+bodyLen)
	if _, err := rawMmap(mirrorAddr, uintptr(bodyLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, fd, int64(HeaderSize)); err != nil {
		rawMunmap(base, uintptr(total))
		return nil, fmt.Errorf("ringbuf: map body mirror: %w", err)
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(base)), total)
	return &mapping{
		base: base,
		size: total,
		buf:  buf,
		body: buf[HeaderSize : HeaderSize+bodyLen],
	}, nil
}

func (m *mapping) close() error {
	if m.buf != nil {
		if err := rawMunmap(m.base, uintptr(m.size)); err != nil {
			return err
		}
		m.buf = nil
		m.body = nil
	}
	if m.file != nil {
		return m.file.Close()
	}
	return nil
}

func (m *mapping) sync() error {
	return unix.Msync(m.buf[:HeaderSize], unix.MS_SYNC)
}
