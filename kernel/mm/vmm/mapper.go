// Package vmm implements a 4-level page table mapper that installs, updates
// and resolves virtual to physical translations.
package vmm

import (
	"crabos/kernel"
	"crabos/kernel/cpu"
	"crabos/kernel/kfmt"
	"crabos/kernel/mm"
)

// Mapper manipulates the page table hierarchy rooted at a single top-level
// (P4) table. Tables are reached through a TableStore so the mapper never
// dereferences physical addresses directly.
type Mapper struct {
	root       mm.Frame
	store      TableStore
	physOffset uintptr
	mmu        cpu.MMU
}

// NewMapper returns a Mapper for the hierarchy rooted at root. If root is
// not the table currently loaded by the MMU, NewMapper assumes it is a new
// table and clears it.
//
// physOffset is the virtual address at which the kernel sees physical
// address 0.
func NewMapper(root mm.Frame, store TableStore, physOffset uintptr, mmu cpu.MMU) (*Mapper, *kernel.Error) {
	m := &Mapper{
		root:       root,
		store:      store,
		physOffset: physOffset,
		mmu:        mmu,
	}

	if mmu.ActivePDT() == root.Address() {
		return m, nil
	}

	table, err := store.Table(root)
	if err != nil {
		return nil, err
	}
	*table = Table{}

	return m, nil
}

// Root returns the frame holding the top-level table.
func (m *Mapper) Root() mm.Frame { return m.root }

// PhysToVirt returns the virtual address through which the kernel can
// access the given physical address.
func (m *Mapper) PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + m.physOffset
}

// LoadRoot makes the mapper's top-level table the active one. This flushes
// all non-global TLB entries.
func (m *Mapper) LoadRoot() {
	kfmt.Printf("[vmm] loading page table root 0x%x\n", m.root.Address())
	m.mmu.SwitchPDT(m.root.Address())
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing tables at each paging level are allocated from alloc and
// cleared. Any existing mapping for page is overwritten.
//
// If a table cannot be allocated, the entries installed by this call are
// cleared and, if alloc implements mm.FrameFreer, their frames are returned.
func (m *Mapper) Map(page mm.Page, frame mm.Frame, alloc mm.FrameAllocator, flags PageTableEntryFlag) *kernel.Error {
	var (
		mapErr *kernel.Error

		// entries and table frames installed by this call
		installed   [pageLevels - 1]*pageTableEntry
		tableFrames [pageLevels - 1]mm.Frame
		count       int
	)

	walkErr := m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			m.mmu.FlushTLBEntry(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			mapErr = ErrNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := alloc.AllocFrame()
			if allocErr != nil {
				mapErr = allocErr
				return false
			}
			tableFrames[count] = newTableFrame

			table, tableErr := m.store.Table(newTableFrame)
			if tableErr != nil {
				m.releaseFrame(alloc, newTableFrame)
				mapErr = tableErr
				return false
			}
			*table = Table{}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(intermediateTableFlags)
			installed[count] = pte
			count++
		}

		return true
	})

	if walkErr != nil {
		mapErr = walkErr
	}

	if mapErr != nil {
		for i := count - 1; i >= 0; i-- {
			*installed[i] = 0
			m.releaseFrame(alloc, tableFrames[i])
		}
		return mapErr
	}

	return nil
}

func (m *Mapper) releaseFrame(alloc mm.FrameAllocator, frame mm.Frame) {
	freer, ok := alloc.(mm.FrameFreer)
	if !ok {
		return
	}

	if err := freer.FreeFrame(frame); err != nil {
		kfmt.Printf("[vmm] unable to release table frame 0x%x: %s\n", frame.Address(), err.Message)
	}
}

// MapRegion maps size bytes of physical memory starting at frame to
// consecutive pages starting at startPage. The size argument is always
// rounded up to the nearest page boundary. On failure, pages mapped by
// this call are unmapped again.
func (m *Mapper) MapRegion(startPage mm.Page, frame mm.Frame, size uintptr, alloc mm.FrameAllocator, flags PageTableEntryFlag) *kernel.Error {
	pageCount := mm.Page(((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift)

	for page := mm.Page(0); page < pageCount; page++ {
		if err := m.Map(startPage+page, frame+mm.Frame(page), alloc, flags); err != nil {
			for ; page > 0; page-- {
				_ = m.Unmap(startPage + page - 1)
			}
			return err
		}
	}

	return nil
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start.
func (m *Mapper) IdentityMapRegion(startFrame mm.Frame, size uintptr, alloc mm.FrameAllocator, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	if err := m.MapRegion(startPage, startFrame, size, alloc, flags); err != nil {
		return 0, err
	}

	return startPage, nil
}

// Unmap removes a mapping previously installed via a call to Map.
func (m *Mapper) Unmap(page mm.Page) *kernel.Error {
	pte, err := m.pteForAddress(page.Address())
	if err != nil {
		return err
	}

	pte.ClearFlags(FlagPresent)
	m.mmu.FlushTLBEntry(page.Address())
	return nil
}

// UpdateFlags replaces the flags of an existing mapping while keeping the
// frame it points to. FlagPresent is always kept; use Unmap to remove a
// mapping.
func (m *Mapper) UpdateFlags(page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	pte, err := m.pteForAddress(page.Address())
	if err != nil {
		return err
	}

	frame := pte.Frame()
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagPresent)
	m.mmu.FlushTLBEntry(page.Address())
	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := m.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	physAddr := pte.Frame().Address() + PageOffset(virtAddr)
	return physAddr, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
