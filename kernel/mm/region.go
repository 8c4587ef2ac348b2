package mm

import "math/bits"

// Region describes a contiguous run of physical frames. Regions handed to a
// buddy allocator always have a power of two frame count.
type Region struct {
	// StartFrame is the first frame of the region.
	StartFrame Frame

	// FrameCount is the number of frames in the region.
	FrameCount uint64
}

// StartAddress returns the physical address of the first byte in the region.
func (r Region) StartAddress() uintptr {
	return r.StartFrame.Address()
}

// EndAddress returns the physical address just past the last byte in the region.
func (r Region) EndAddress() uintptr {
	return r.StartAddress() + r.Size()
}

// Size returns the region size in bytes.
func (r Region) Size() uintptr {
	return uintptr(r.FrameCount) << PageShift
}

// IsPowerOfTwo returns true if the region frame count is a non-zero power of two.
func (r Region) IsPowerOfTwo() bool {
	return r.FrameCount != 0 && r.FrameCount&(r.FrameCount-1) == 0
}

// Order returns log2 of the frame count. It is only meaningful for regions
// whose frame count is a power of two.
func (r Region) Order() uint8 {
	return uint8(bits.TrailingZeros64(r.FrameCount))
}

// Contains returns true if addr falls inside the region. The final frame is
// matched by its start address only, so an address in [end-PageSize+1, end)
// is not contained.
func (r Region) Contains(addr uintptr) bool {
	if r.FrameCount == 0 {
		return false
	}
	return r.StartAddress() <= addr && addr <= r.EndAddress()-PageSize
}
