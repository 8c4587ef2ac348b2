//go:build unix

package vmm

import (
	"crabos/kernel/cpu"
	"crabos/kernel/mm"
	"testing"
)

func TestSlabStore(t *testing.T) {
	base := mm.Frame(0x100)
	store, err := NewSlabStore(base, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	m, err := NewMapper(base, store, 0, cpu.NewEmulator(0))
	if err != nil {
		t.Fatal(err)
	}

	alloc := &testFrameAllocator{next: base + 1, budget: -1}
	if err = m.Map(mm.PageFromAddress(0xffff800000042000), 0x900, alloc, FlagPresent|FlagRW); err != nil {
		t.Fatal(err)
	}

	got, err := m.Translate(0xffff800000042abc)
	if err != nil || got != 0x900abc {
		t.Fatalf("expected translation to 0x900abc; got 0x%x, %v", got, err)
	}

	// The P4 entry lives in the bytes of the root frame
	root, _ := store.Table(base)
	if pte := root[256]; pte.Frame() != base+1 || !pte.HasFlags(intermediateTableFlags) {
		t.Fatalf("unexpected root entry 0x%x", uintptr(pte))
	}

	for _, frame := range []mm.Frame{base - 1, base + 16, mm.InvalidFrame} {
		if _, err = store.Table(frame); err != ErrFrameOutOfRange {
			t.Errorf("expected ErrFrameOutOfRange for frame 0x%x; got %v", frame, err)
		}
	}

	// Frames outside the slab cannot hold tables
	alloc.next = 0x1000
	if err = m.Map(mm.PageFromAddress(0x1000), 0x901, alloc, FlagPresent); err != ErrFrameOutOfRange {
		t.Fatalf("expected ErrFrameOutOfRange; got %v", err)
	}

	if err = store.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err = store.Table(base); err != ErrFrameOutOfRange {
		t.Fatalf("expected closed store to reject lookups; got %v", err)
	}
	if err = store.Close(); err != nil {
		t.Fatalf("expected second Close to be a no-op; got %v", err)
	}

	if _, err = NewSlabStore(base, 0); err != ErrFrameOutOfRange {
		t.Fatalf("expected empty slab to be rejected; got %v", err)
	}
}
