// Package buddy implements the binary buddy allocator that serves physical
// memory allocations once the kernel has been bootstrapped.
package buddy

import (
	"crabos/kernel"
	"crabos/kernel/kfmt"
	"crabos/kernel/mm"
	"math/bits"
)

var (
	// ErrExhausted is returned when no free block is large enough to
	// satisfy an allocation request.
	ErrExhausted = &kernel.Error{Module: "buddy", Message: "out of memory"}

	// ErrTooLarge is returned when a request exceeds the capacity of the
	// whole region or the natural alignment of the region start.
	ErrTooLarge = &kernel.Error{Module: "buddy", Message: "requested block exceeds region capacity"}

	// ErrInvalidRequest is returned for zero sized requests and for
	// alignments that are not a power of two.
	ErrInvalidRequest = &kernel.Error{Module: "buddy", Message: "size must be non-zero and alignment a power of two"}

	// ErrInvalidFree is returned when a block that was not allocated from
	// this allocator is released.
	ErrInvalidFree = &kernel.Error{Module: "buddy", Message: "address does not refer to an allocated block"}

	// ErrRegionNotPowerOfTwo is returned by New for regions whose size is
	// not a power of two multiple of the allocation limit.
	ErrRegionNotPowerOfTwo = &kernel.Error{Module: "buddy", Message: "region size must be a power of two multiple of the block limit"}

	// ErrInvalidLimit is returned by New if the minimum block size is not
	// a power of two and by NewManager if it is also smaller than a page.
	ErrInvalidLimit = &kernel.Error{Module: "buddy", Message: "block limit must be a power of two"}
)

// Allocator manages a single power-of-two sized physical region.
//
// Blocks of order k are limit<<k bytes long. Block index b at order k
// starts b*(limit<<k) bytes into the region. Only orders whose block size
// divides the region start address are served, so every returned address is
// aligned to its block size in absolute terms. Two blocks b and b^1 of the
// same order are buddies and merge into block b>>1 of order k+1 when both
// are free.
type Allocator struct {
	region mm.Region

	// limit is the size in bytes of an order 0 block.
	limit uintptr

	maxOrder uint8

	// alignedSize is the largest block size whose blocks are naturally
	// aligned physical addresses.
	alignedSize uintptr

	// freeLists[k] holds the indices of the free blocks of order k.
	freeLists [][]uint64
}

// New creates an Allocator that owns region. limit is the smallest block
// size in bytes; it is usually mm.PageSize.
func New(region mm.Region, limit uintptr) (*Allocator, *kernel.Error) {
	if limit == 0 || limit&(limit-1) != 0 {
		return nil, ErrInvalidLimit
	}

	size := region.Size()
	if !region.IsPowerOfTwo() || size < limit {
		return nil, ErrRegionNotPowerOfTwo
	}

	maxOrder := uint8(bits.TrailingZeros64(uint64(size / limit)))
	a := &Allocator{
		region:      region,
		limit:       limit,
		maxOrder:    maxOrder,
		alignedSize: size,
		freeLists:   make([][]uint64, maxOrder+1),
	}

	// A region starting at address 0 is aligned to any block size
	if start := region.StartAddress(); start != 0 {
		if startAlign := uintptr(1) << bits.TrailingZeros64(uint64(start)); startAlign < size {
			a.alignedSize = startAlign
		}
	}
	a.freeLists[maxOrder] = append(a.freeLists[maxOrder], 0)

	return a, nil
}

// Region returns the region managed by the allocator.
func (a *Allocator) Region() mm.Region { return a.region }

// Limit returns the size of an order 0 block.
func (a *Allocator) Limit() uintptr { return a.limit }

// MaxOrder returns the order of the block that spans the entire region.
func (a *Allocator) MaxOrder() uint8 { return a.maxOrder }

// AlignedSize returns the size of the largest block the allocator hands out.
// It is smaller than the region size when the region start is not aligned to
// the region size.
func (a *Allocator) AlignedSize() uintptr { return a.alignedSize }

// Contains returns true if addr lies inside the managed region.
func (a *Allocator) Contains(addr uintptr) bool { return a.region.Contains(addr) }

// BlockSize returns the size in bytes of a block of the given order.
func (a *Allocator) BlockSize(order uint8) uintptr { return a.limit << order }

// Order returns the smallest order whose block size is at least size bytes.
// It returns false if size exceeds the capacity of the region.
func (a *Allocator) Order(size uintptr) (uint8, bool) {
	if size > a.limit<<a.maxOrder {
		return 0, false
	}

	var order uint8
	for a.limit<<order < size {
		order++
	}
	return order, true
}

// requestOrder validates an allocation or release request and returns the
// order of the block that serves it.
func (a *Allocator) requestOrder(size, alignment uintptr) (uint8, *kernel.Error) {
	if size == 0 || alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, ErrInvalidRequest
	}

	if alignment > size {
		size = alignment
	}

	order, ok := a.Order(size)
	if !ok || a.BlockSize(order) > a.alignedSize {
		return 0, ErrTooLarge
	}
	return order, nil
}

// Allocate reserves a block of at least max(size, alignment) bytes and
// returns its physical address. Free blocks of higher orders are split as
// needed.
func (a *Allocator) Allocate(size, alignment uintptr) (uintptr, *kernel.Error) {
	order, err := a.requestOrder(size, alignment)
	if err != nil {
		return 0, err
	}

	// Find the smallest order that has a free block
	from := order
	for ; from <= a.maxOrder && len(a.freeLists[from]) == 0; from++ {
	}

	if from > a.maxOrder {
		return 0, ErrExhausted
	}

	block := a.pop(from)

	// Split down to the requested order keeping the lower half and
	// releasing the upper half to the free list of the order below.
	for ; from > order; from-- {
		block <<= 1
		a.freeLists[from-1] = append(a.freeLists[from-1], block+1)
	}

	return a.region.StartAddress() + uintptr(block)*a.BlockSize(order), nil
}

// Deallocate releases a block previously returned by Allocate with the same
// size and alignment and merges it with its free buddies.
func (a *Allocator) Deallocate(addr, size, alignment uintptr) *kernel.Error {
	order, err := a.requestOrder(size, alignment)
	if err != nil {
		return err
	}

	blockSize := a.BlockSize(order)
	start := a.region.StartAddress()
	if addr < start || addr >= a.region.EndAddress() || (addr-start)%blockSize != 0 {
		return ErrInvalidFree
	}

	block := uint64((addr - start) / blockSize)

	// Reject double frees: neither the block nor any block containing it
	// may already be free.
	for o := order; o <= a.maxOrder; o++ {
		if indexOf(a.freeLists[o], block>>(o-order)) >= 0 {
			return ErrInvalidFree
		}
	}

	for ; order < a.maxOrder; order++ {
		pos := indexOf(a.freeLists[order], block^1)
		if pos < 0 {
			break
		}

		a.freeLists[order] = removeAt(a.freeLists[order], pos)
		block >>= 1
	}

	a.freeLists[order] = append(a.freeLists[order], block)
	return nil
}

// FreeBlocks returns a copy of the free block indices for order.
func (a *Allocator) FreeBlocks(order uint8) []uint64 {
	if order > a.maxOrder {
		return nil
	}
	return append([]uint64(nil), a.freeLists[order]...)
}

// FreeBytes returns the total size of all free blocks.
func (a *Allocator) FreeBytes() uintptr {
	var free uintptr
	for order, list := range a.freeLists {
		free += uintptr(len(list)) * a.BlockSize(uint8(order))
	}
	return free
}

// PrintFreeLists prints the number of free blocks at each order.
func (a *Allocator) PrintFreeLists() {
	kfmt.Printf("[buddy] region 0x%x - 0x%x (max order %d)\n", a.region.StartAddress(), a.region.EndAddress(), a.maxOrder)
	for order, list := range a.freeLists {
		if len(list) == 0 {
			continue
		}
		kfmt.Printf("\torder %2d (%10d bytes): %d free\n", order, uint64(a.BlockSize(uint8(order))), len(list))
	}
}

func (a *Allocator) pop(order uint8) uint64 {
	list := a.freeLists[order]
	block := list[len(list)-1]
	a.freeLists[order] = list[:len(list)-1]
	return block
}

func indexOf(list []uint64, block uint64) int {
	for i, b := range list {
		if b == block {
			return i
		}
	}
	return -1
}

func removeAt(list []uint64, pos int) []uint64 {
	last := len(list) - 1
	list[pos] = list[last]
	return list[:last]
}
