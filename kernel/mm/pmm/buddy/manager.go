package buddy

import (
	"crabos/kernel"
	"crabos/kernel/kfmt"
	"crabos/kernel/mm"
)

var (
	// ErrUnknownRegion is returned when a block is released to a manager
	// that does not own an allocator for the block address.
	ErrUnknownRegion = &kernel.Error{Module: "buddy", Message: "address does not belong to any managed region"}

	// ErrNoRegions is returned by NewManager if the region source did not
	// yield any region that can back an allocator.
	ErrNoRegions = &kernel.Error{Module: "buddy", Message: "no usable memory regions"}
)

// RegionSource yields power-of-two sized memory regions until the
// available memory is exhausted.
type RegionSource interface {
	NextRegion() (mm.Region, bool)
}

// Manager owns one Allocator per region obtained from a RegionSource and
// routes requests between them.
type Manager struct {
	limit      uintptr
	allocators []*Allocator
}

// NewManager drains src and creates an allocator for each region it yields.
// Regions smaller than limit are skipped. limit must be a power of two no
// smaller than mm.PageSize; Deallocate routes by page so a sub-page block in
// the last frame of a region could never be returned.
func NewManager(src RegionSource, limit uintptr) (*Manager, *kernel.Error) {
	if limit < mm.PageSize || limit&(limit-1) != 0 {
		return nil, ErrInvalidLimit
	}

	m := &Manager{limit: limit}
	for {
		region, ok := src.NextRegion()
		if !ok {
			break
		}

		alloc, err := New(region, limit)
		if err != nil {
			kfmt.Printf("[buddy] skipping region 0x%x (%d frames): %s\n", region.StartAddress(), region.FrameCount, err.Message)
			continue
		}

		m.allocators = append(m.allocators, alloc)
	}

	if len(m.allocators) == 0 {
		return nil, ErrNoRegions
	}

	kfmt.Printf("[buddy] managing %d regions, %d KB\n", len(m.allocators), uint64(m.TotalBytes()/1024))
	return m, nil
}

// Limit returns the order 0 block size shared by all allocators.
func (m *Manager) Limit() uintptr { return m.limit }

// Regions returns the allocators in the order their regions were obtained.
func (m *Manager) Regions() []*Allocator { return m.allocators }

// TotalBytes returns the combined size of all managed regions.
func (m *Manager) TotalBytes() uintptr {
	var total uintptr
	for _, a := range m.allocators {
		total += a.Region().Size()
	}
	return total
}

// FreeBytes returns the combined size of all free blocks.
func (m *Manager) FreeBytes() uintptr {
	var free uintptr
	for _, a := range m.allocators {
		free += a.FreeBytes()
	}
	return free
}

// Allocate tries each allocator in turn and returns the first block that
// satisfies the request.
func (m *Manager) Allocate(size, alignment uintptr) (uintptr, *kernel.Error) {
	for _, a := range m.allocators {
		addr, err := a.Allocate(size, alignment)
		switch err {
		case nil:
			return addr, nil
		case ErrExhausted, ErrTooLarge:
			continue
		default:
			return 0, err
		}
	}

	return 0, ErrExhausted
}

// Deallocate releases a block to the allocator whose region contains addr.
func (m *Manager) Deallocate(addr, size, alignment uintptr) *kernel.Error {
	for _, a := range m.allocators {
		if a.Contains(addr) {
			return a.Deallocate(addr, size, alignment)
		}
	}

	kfmt.Printf("[buddy] warning: release of unmanaged address 0x%x ignored\n", addr)
	return ErrUnknownRegion
}

// AllocFrame implements mm.FrameAllocator.
func (m *Manager) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := m.Allocate(mm.PageSize, mm.PageSize)
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(addr), nil
}

// FreeFrame implements mm.FrameFreer.
func (m *Manager) FreeFrame(f mm.Frame) *kernel.Error {
	return m.Deallocate(f.Address(), mm.PageSize, mm.PageSize)
}

// PrintStats prints the free lists of every managed allocator.
func (m *Manager) PrintStats() {
	kfmt.Printf("[buddy] free: %d/%d KB\n", uint64(m.FreeBytes()/1024), uint64(m.TotalBytes()/1024))
	for _, a := range m.allocators {
		a.PrintFreeLists()
	}
}
