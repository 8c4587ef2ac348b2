package vmm

import (
	"crabos/kernel"
	"crabos/kernel/mm"
)

// ErrFrameOutOfRange is returned by table stores when asked for a frame
// that lies outside the physical memory they model.
var ErrFrameOutOfRange = &kernel.Error{Module: "vmm", Message: "frame is outside the physical memory backing page tables"}

// Table is the in-memory layout of a page table at any paging level.
type Table [entriesPerTable]pageTableEntry

// TableStore provides access to the page table stored in a physical frame.
// Each frame holds exactly one table and the returned pointer stays valid
// for the lifetime of the store.
type TableStore interface {
	Table(frame mm.Frame) (*Table, *kernel.Error)
}

// SparseStore is a TableStore that materializes a zeroed table the first
// time a frame is accessed.
type SparseStore struct {
	tables map[mm.Frame]*Table
}

// NewSparseStore returns an empty SparseStore.
func NewSparseStore() *SparseStore {
	return &SparseStore{tables: make(map[mm.Frame]*Table)}
}

// Table implements TableStore.
func (s *SparseStore) Table(frame mm.Frame) (*Table, *kernel.Error) {
	if !frame.Valid() {
		return nil, ErrFrameOutOfRange
	}

	table, ok := s.tables[frame]
	if !ok {
		table = new(Table)
		s.tables[frame] = table
	}
	return table, nil
}

// Len returns the number of frames that have been accessed.
func (s *SparseStore) Len() int {
	return len(s.tables)
}
