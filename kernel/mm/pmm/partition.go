// Package pmm splits the firmware memory map into power-of-two sized
// physical regions and provides the sequential frame allocator that is used
// while bootstrapping the kernel, before any buddy allocator exists.
package pmm

import (
	"crabos/kernel"
	"crabos/kernel/hal/multiboot"
	"crabos/kernel/kfmt"
	"crabos/kernel/mm"
)

var (
	// ErrBootAllocOutOfMemory is returned by AllocFrame when every usable
	// frame has already been handed out.
	ErrBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

	// ErrBootAllocSealed is returned by AllocFrame once region
	// partitioning has started.
	ErrBootAllocSealed = &kernel.Error{Module: "boot_mem_alloc", Message: "allocator sealed; frames are now owned by the region partitioner"}
)

// frameSpan is a run of usable frames [start, end).
type frameSpan struct {
	start, end mm.Frame
}

// Partitioner hands out the usable physical memory reported by the firmware.
//
// Before any region is requested, AllocFrame returns usable frames one at a
// time, walking each firmware range in ascending order and the ranges in the
// order the firmware reported them. The first call to NextRegion seals the
// sequential allocator; from that point on NextRegion decomposes the
// remaining usable memory of each firmware range into power-of-two sized
// regions, one per set bit of the range's frame count starting from the
// least significant bit. Regions tile the unconsumed part of each range
// without gaps or overlaps.
//
// Frames occupied by the loaded kernel image are never handed out.
type Partitioner struct {
	memMap multiboot.MemoryMap
	spans  []frameSpan

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame

	// allocCount tracks the total number of frames returned by AllocFrame.
	allocCount uint64

	// bootSpan and bootNext point to the next frame AllocFrame returns.
	bootSpan int
	bootNext mm.Frame

	sealed bool

	// Region cursor: the span being decomposed, the first frame of the
	// next region, the frame count being decomposed and the next bit to
	// examine.
	regionSpan  int
	regionStart mm.Frame
	regionCount uint64
	regionBit   uint
}

// NewPartitioner creates a Partitioner for the usable entries of memMap.
// The frames covering the kernel image [kernelStart, kernelEnd) are
// excluded; pass equal values if the image does not live in usable memory.
func NewPartitioner(memMap multiboot.MemoryMap, kernelStart, kernelEnd uintptr) *Partitioner {
	p := &Partitioner{
		memMap:          memMap,
		kernelStartAddr: kernelStart,
		kernelEndAddr:   kernelEnd,
	}

	// round down kernel start to the nearest page and round up kernel end
	// to the nearest page.
	pageSizeMinus1 := mm.PageSize - 1
	p.kernelStartFrame = mm.Frame((kernelStart & ^pageSizeMinus1) >> mm.PageShift)
	p.kernelEndFrame = mm.Frame(((kernelEnd + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)

	memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		// Ignore reserved regions and regions smaller than a single page
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		start := mm.Frame((uintptr(region.PhysAddress) + pageSizeMinus1) >> mm.PageShift)
		end := mm.Frame(uintptr(region.End()) >> mm.PageShift)
		p.addSpan(start, end)
		return true
	})

	if len(p.spans) != 0 {
		p.bootNext = p.spans[0].start
	}

	return p
}

// addSpan records [start, end) minus the frames used by the kernel image.
func (p *Partitioner) addSpan(start, end mm.Frame) {
	if start >= end {
		return
	}

	if p.kernelStartFrame >= p.kernelEndFrame || p.kernelEndFrame <= start || p.kernelStartFrame >= end {
		p.spans = append(p.spans, frameSpan{start, end})
		return
	}

	if start < p.kernelStartFrame {
		p.spans = append(p.spans, frameSpan{start, p.kernelStartFrame})
	}
	if p.kernelEndFrame < end {
		p.spans = append(p.spans, frameSpan{p.kernelEndFrame, end})
	}
}

// AllocFrame returns the next never-before-returned usable frame. It
// returns ErrBootAllocOutOfMemory once all usable frames have been returned
// and ErrBootAllocSealed after NextRegion has been called.
func (p *Partitioner) AllocFrame() (mm.Frame, *kernel.Error) {
	if p.sealed {
		return mm.InvalidFrame, ErrBootAllocSealed
	}

	for p.bootSpan < len(p.spans) {
		if p.bootNext < p.spans[p.bootSpan].end {
			frame := p.bootNext
			p.bootNext++
			p.allocCount++
			return frame, nil
		}

		// Spans keep the firmware order, which need not be ascending.
		p.bootSpan++
		if p.bootSpan < len(p.spans) {
			p.bootNext = p.spans[p.bootSpan].start
		}
	}

	return mm.InvalidFrame, ErrBootAllocOutOfMemory
}

// FramesAllocated returns the number of frames handed out by AllocFrame.
func (p *Partitioner) FramesAllocated() uint64 {
	return p.allocCount
}

// NextRegion returns the next power-of-two sized region of unused physical
// memory or false once all usable memory has been distributed.
func (p *Partitioner) NextRegion() (mm.Region, bool) {
	if !p.sealed {
		p.seal()
	}

	for p.regionSpan < len(p.spans) {
		for p.regionBit < 64 && p.regionCount>>p.regionBit != 0 {
			size := uint64(1) << p.regionBit
			p.regionBit++

			if p.regionCount&size == 0 {
				continue
			}

			region := mm.Region{StartFrame: p.regionStart, FrameCount: size}
			p.regionStart += mm.Frame(size)
			return region, true
		}

		p.regionSpan++
		p.resetRegionCursor(mm.InvalidFrame)
	}

	return mm.Region{}, false
}

// seal stops the sequential allocator and positions the region cursor at
// the first frame it has not handed out. bootNext always lies inside the
// span at bootSpan, or at its end once that span is used up.
func (p *Partitioner) seal() {
	p.sealed = true
	p.regionSpan = p.bootSpan
	p.resetRegionCursor(p.bootNext)
}

// resetRegionCursor prepares the decomposition of the current span starting
// at from, or at the span start if from lies before it.
func (p *Partitioner) resetRegionCursor(from mm.Frame) {
	p.regionBit = 0
	p.regionCount = 0
	if p.regionSpan >= len(p.spans) {
		return
	}

	span := p.spans[p.regionSpan]
	p.regionStart = span.start
	if from != mm.InvalidFrame && from > span.start {
		p.regionStart = from
	}

	// A span that has been fully consumed yields no regions
	if p.regionStart < span.end {
		p.regionCount = uint64(span.end - p.regionStart)
	}
}

// PrintMemoryMap prints out the system's memory map and the location of the
// kernel image.
func (p *Partitioner) PrintMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	p.memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.End(), region.Length, region.Type.String())
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", p.memMap.AvailableBytes()/1024)
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", p.kernelStartAddr, p.kernelEndAddr)

	var reserved uint64
	if p.kernelEndFrame > p.kernelStartFrame {
		reserved = uint64(p.kernelEndFrame - p.kernelStartFrame)
	}
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(p.kernelEndAddr-p.kernelStartAddr),
		reserved,
	)
}
