//go:build unix

package vmm

import (
	"crabos/kernel"
	"crabos/kernel/mm"
	"unsafe"

	"golang.org/x/sys/unix"
)

var errSlabMap = &kernel.Error{Module: "vmm", Message: "unable to map memory for the page table slab"}

// SlabStore is a TableStore backed by an anonymous memory mapping that
// stands in for a contiguous range of physical memory. A frame's table is
// overlaid on the bytes of that frame, just as the MMU sees it.
type SlabStore struct {
	base   mm.Frame
	frames uint64
	mem    []byte
}

// NewSlabStore maps frames pages of zeroed memory that model the physical
// range starting at base.
func NewSlabStore(base mm.Frame, frames uint64) (*SlabStore, *kernel.Error) {
	if frames == 0 {
		return nil, ErrFrameOutOfRange
	}

	mem, err := unix.Mmap(-1, 0, int(frames<<mm.PageShift), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errSlabMap
	}

	return &SlabStore{base: base, frames: frames, mem: mem}, nil
}

// Table implements TableStore.
func (s *SlabStore) Table(frame mm.Frame) (*Table, *kernel.Error) {
	if s.mem == nil || frame < s.base || uint64(frame-s.base) >= s.frames {
		return nil, ErrFrameOutOfRange
	}

	offset := uintptr(frame-s.base) << mm.PageShift
	return (*Table)(unsafe.Pointer(&s.mem[offset])), nil
}

// Close releases the memory mapping. Tables obtained from the store must
// not be used afterwards.
func (s *SlabStore) Close() *kernel.Error {
	if s.mem == nil {
		return nil
	}

	if err := unix.Munmap(s.mem); err != nil {
		return errSlabMap
	}
	s.mem = nil
	return nil
}
