// Package kmem wires the physical and virtual memory managers together and
// exposes them to the rest of the kernel through a single Context.
package kmem

import (
	"crabos/kernel"
	"crabos/kernel/cpu"
	"crabos/kernel/hal/multiboot"
	"crabos/kernel/kfmt"
	"crabos/kernel/mm"
	"crabos/kernel/mm/pmm"
	"crabos/kernel/mm/pmm/buddy"
	"crabos/kernel/mm/vmm"
	"crabos/kernel/sync"
)

var errMisalignedHeap = &kernel.Error{Module: "kmem", Message: "heap start address must be page-aligned"}

// Context owns the buddy manager and the page table mapper. Each of them is
// guarded by its own interrupt-safe lock; when both are needed the mapper
// lock is always taken first.
type Context struct {
	managerLock *sync.IRQSpinlock
	manager     *buddy.Manager

	mapperLock *sync.IRQSpinlock
	mapper     *vmm.Mapper

	cfg Config
}

// Init builds the memory subsystem from the firmware memory map.
//
// The bootstrap allocator supplies the root page table and the tables
// needed to map the kernel image both at cfg.PhysOffset and at its physical
// load address. The remaining memory
// is then handed to a buddy manager, the heap window is backed with frames
// from it and the new root table is loaded.
func Init(cfg Config, memMap multiboot.MemoryMap, proc cpu.Processor) (*Context, *kernel.Error) {
	if cfg.HeapStart&(mm.PageSize-1) != 0 {
		return nil, errMisalignedHeap
	}

	part := pmm.NewPartitioner(memMap, cfg.KernelStart, cfg.KernelEnd)
	part.PrintMemoryMap()

	root, err := part.AllocFrame()
	if err != nil {
		return nil, err
	}

	store := cfg.Tables
	if store == nil {
		store = vmm.NewSparseStore()
	}

	mapper, err := vmm.NewMapper(root, store, cfg.PhysOffset, proc)
	if err != nil {
		return nil, err
	}

	if cfg.KernelEnd > cfg.KernelStart {
		kernelFrame := mm.FrameFromAddress(cfg.KernelStart)
		kernelSize := cfg.KernelEnd - kernelFrame.Address()
		kernelPage := mm.PageFromAddress(mapper.PhysToVirt(kernelFrame.Address()))
		if err = mapper.MapRegion(kernelPage, kernelFrame, kernelSize, part, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return nil, err
		}

		// The code that loads the new root still runs from the physical
		// load address so the image must stay reachable there as well.
		if cfg.PhysOffset != 0 {
			if _, err = mapper.IdentityMapRegion(kernelFrame, kernelSize, part, vmm.FlagPresent|vmm.FlagRW); err != nil {
				return nil, err
			}
		}
	}

	kfmt.Printf("[kmem] bootstrap allocator handed out %d frames\n", part.FramesAllocated())

	manager, err := buddy.NewManager(part, cfg.BlockSize)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		managerLock: sync.NewIRQSpinlock(proc),
		manager:     manager,
		mapperLock:  sync.NewIRQSpinlock(proc),
		mapper:      mapper,
		cfg:         cfg,
	}

	if cfg.HeapPages != 0 {
		if err = ctx.Mmap(cfg.HeapStart, uintptr(cfg.HeapPages)<<mm.PageShift, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return nil, err
		}
		kfmt.Printf("[kmem] heap: %d pages at 0x%x\n", cfg.HeapPages, cfg.HeapStart)
	}

	mapper.LoadRoot()
	return ctx, nil
}

// Config returns the configuration the context was built with.
func (c *Context) Config() Config { return c.cfg }

// RootFrame returns the frame holding the top-level page table.
func (c *Context) RootFrame() mm.Frame { return c.mapper.Root() }

// Kmalloc reserves a physically contiguous block of at least
// max(size, alignment) bytes and returns its physical address.
func (c *Context) Kmalloc(size, alignment uintptr) (uintptr, *kernel.Error) {
	if err := c.managerLock.Acquire(); err != nil {
		return 0, err
	}
	defer c.managerLock.Release()

	return c.manager.Allocate(size, alignment)
}

// Kfree releases a block obtained from Kmalloc. size and alignment must match
// the values passed to Kmalloc.
func (c *Context) Kfree(addr, size, alignment uintptr) *kernel.Error {
	if err := c.managerLock.Acquire(); err != nil {
		return err
	}
	defer c.managerLock.Release()

	return c.manager.Deallocate(addr, size, alignment)
}

// AllocFrame implements mm.FrameAllocator on top of Kmalloc.
func (c *Context) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := c.Kmalloc(mm.PageSize, mm.PageSize)
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(addr), nil
}

// FreeFrame implements mm.FrameFreer on top of Kfree.
func (c *Context) FreeFrame(frame mm.Frame) *kernel.Error {
	return c.Kfree(frame.Address(), mm.PageSize, mm.PageSize)
}

// Kmap maps the page containing virt to the frame containing phys. Any page
// tables that need to be created are allocated with Kmalloc.
func (c *Context) Kmap(virt, phys uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
	if err := c.mapperLock.Acquire(); err != nil {
		return err
	}
	defer c.mapperLock.Release()

	return c.mapper.Map(mm.PageFromAddress(virt), mm.FrameFromAddress(phys), c, flags)
}

// Translate returns the physical address that virt maps to. It returns false
// if virt is not mapped or if the page tables are currently locked.
func (c *Context) Translate(virt uintptr) (uintptr, bool) {
	if err := c.mapperLock.Acquire(); err != nil {
		return 0, false
	}
	defer c.mapperLock.Release()

	phys, err := c.mapper.Translate(virt)
	return phys, err == nil
}

// UpdatePageAccess replaces the flags of every page overlapping
// [start, start+length). It stops at the first page that is not mapped.
func (c *Context) UpdatePageAccess(start, length uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
	if length == 0 {
		return nil
	}

	if err := c.mapperLock.Acquire(); err != nil {
		return err
	}
	defer c.mapperLock.Release()

	last := mm.PageFromAddress(start + length - 1)
	for page := mm.PageFromAddress(start); page <= last; page++ {
		if err := c.mapper.UpdateFlags(page, flags); err != nil {
			return err
		}
	}

	return nil
}

// Mmap backs every page overlapping [virt, virt+length) with a newly
// allocated frame. If any page cannot be mapped, the pages mapped so far
// are unmapped and their frames released.
func (c *Context) Mmap(virt, length uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
	if length == 0 {
		return nil
	}

	if err := c.mapperLock.Acquire(); err != nil {
		return err
	}
	defer c.mapperLock.Release()

	first := mm.PageFromAddress(virt)
	last := mm.PageFromAddress(virt + length - 1)
	for page := first; page <= last; page++ {
		frame, err := c.AllocFrame()
		if err == nil {
			if err = c.mapper.Map(page, frame, c, flags); err != nil {
				_ = c.FreeFrame(frame)
			}
		}

		if err != nil {
			c.unmapFrom(first, page)
			return err
		}
	}

	return nil
}

// unmapFrom unmaps the pages in [first, end) and releases their frames. It
// must be called with the mapper lock held.
func (c *Context) unmapFrom(first, end mm.Page) {
	for page := first; page < end; page++ {
		phys, err := c.mapper.Translate(page.Address())
		if err != nil {
			continue
		}

		_ = c.mapper.Unmap(page)
		_ = c.FreeFrame(mm.FrameFromAddress(phys))
	}
}

// FreeBytes returns the amount of physical memory that can still be
// allocated.
func (c *Context) FreeBytes() uintptr {
	if err := c.managerLock.Acquire(); err != nil {
		return 0
	}
	defer c.managerLock.Release()

	return c.manager.FreeBytes()
}

// TotalBytes returns the amount of physical memory managed by the buddy
// allocators.
func (c *Context) TotalBytes() uintptr {
	if err := c.managerLock.Acquire(); err != nil {
		return 0
	}
	defer c.managerLock.Release()

	return c.manager.TotalBytes()
}

// PrintStats logs the state of the buddy free lists.
func (c *Context) PrintStats() {
	if err := c.managerLock.Acquire(); err != nil {
		kfmt.Printf("[kmem] unable to print stats: %s\n", err.Message)
		return
	}
	defer c.managerLock.Release()

	c.manager.PrintStats()
}
