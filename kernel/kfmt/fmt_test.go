package kfmt

import (
	"bytes"
	"testing"
)

type memType uint8

func (m memType) String() string {
	if m == 1 {
		return "available"
	}
	return "reserved"
}

func TestPrintf(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{
			func() { printfn("[boot_mem_alloc] system memory map:\n") },
			"[boot_mem_alloc] system memory map:\n",
		},
		// memory map dump
		{
			func() {
				printfn("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", uint64(0x100000), uint64(0x900000), uint64(0x800000), memType(1))
			},
			"\t[0x0000100000 - 0x0000900000], size:    8388608, type: available\n",
		},
		{
			func() {
				printfn("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", uint64(0x9fc00), uint64(0xa0000), uint64(0x400), memType(2))
			},
			"\t[0x000009fc00 - 0x00000a0000], size:       1024, type: reserved\n",
		},
		// buddy free lists
		{
			func() { printfn("\torder %2d (%10d bytes): %d free\n", 3, uint64(32768), 1) },
			"\torder  3 (     32768 bytes): 1 free\n",
		},
		{
			func() { printfn("\torder %2d (%10d bytes): %d free\n", 12, uint64(16777216), 2) },
			"\torder 12 (  16777216 bytes): 2 free\n",
		},
		{
			func() { printfn("[buddy] free: %d/%d KB\n", uint64(0), uint64(32768)) },
			"[buddy] free: 0/32768 KB\n",
		},
		{
			func() {
				printfn("[buddy] skipping region 0x%x (%d frames): %s\n", uintptr(0x10000), uint64(1), "region too small")
			},
			"[buddy] skipping region 0x10000 (1 frames): region too small\n",
		},
		// strings and byte slices
		{
			func() { printfn("[kmain] booted by %s\n", []byte("memsim")) },
			"[kmain] booted by memsim\n",
		},
		{
			func() { printfn("[%5s] ready", "vmm") },
			"[  vmm] ready",
		},
		{
			func() { printfn("[%2s] ready", "buddy") },
			"[buddy] ready",
		},
		// unsigned values
		{
			func() { printfn("[vmm] loading page table root 0x%x\n", uintptr(0x104000)) },
			"[vmm] loading page table root 0x104000\n",
		},
		{
			func() { printfn("[vmm] pte 0x%16x", uintptr(0x8000000000500003)) },
			"[vmm] pte 0x8000000000500003",
		},
		{
			func() { printfn("[vmm] pte 0x%16x", uint32(0x500003)) },
			"[vmm] pte 0x0000000000500003",
		},
		{
			func() { printfn("[vmm] table index %3x", uint16(0x1ff)) },
			"[vmm] table index 1ff",
		},
		{
			func() { printfn("[vmm] entry mode 0%o", uint16(0403)) },
			"[vmm] entry mode 0403",
		},
		{
			func() { printfn("[vmm] entry mode %4o", uint8(7)) },
			"[vmm] entry mode 0007",
		},
		{
			func() { printfn("[memsim] kmalloc(%d, %d) = 0x%x", uint(16384), uint64(65536), uintptr(0x210000)) },
			"[memsim] kmalloc(16384, 65536) = 0x210000",
		},
		// signed values
		{
			func() { printfn("[kmem] free frames changed by %d", int8(-3)) },
			"[kmem] free frames changed by -3",
		},
		{
			func() { printfn("[kmem] free bytes changed by '%10d'", int64(-12288)) },
			"[kmem] free bytes changed by '    -12288'",
		},
		{
			func() { printfn("[kmem] offset %6x", int(-0xc)) },
			"[kmem] offset -0000c",
		},
		{
			func() { printfn("[kmem] offset %x", int32(-0x1000)) },
			"[kmem] offset -1000",
		},
		{
			func() { printfn("[kmem] order %o", int16(8)) },
			"[kmem] order 10",
		},
		// bool values
		{
			func() { printfn("[cpu] interrupts enabled: %t", true) },
			"[cpu] interrupts enabled: true",
		},
		{
			func() { printfn("[cpu] interrupts enabled: %41t", false) },
			"[cpu] interrupts enabled: false",
		},
		// literal percent and multiple arguments
		{
			func() { printfn("[buddy] %d%% of %s free", 50, "region 0") },
			"[buddy] 50% of region 0 free",
		},
		// errors
		{
			func() { printfn("[buddy] out of memory", uint64(1), "x") },
			"[buddy] out of memory%!(EXTRA)%!(EXTRA)",
		},
		{
			func() { printfn("[buddy] managing %d regions") },
			"[buddy] managing (MISSING) regions",
		},
		{
			func() { printfn("[vmm] bad verb %Q") },
			"[vmm] bad verb %!(NOVERB)",
		},
		{
			func() { printfn("[cpu] enabled %t", 1) },
			"[cpu] enabled %!(WRONGTYPE)",
		},
		{
			func() { printfn("[buddy] order %d", "three") },
			"[buddy] order %!(WRONGTYPE)",
		},
		{
			func() { printfn("[kmain] booted by %s", 0x2badb002) },
			"[kmain] booted by %!(WRONGTYPE)",
		},
		{
			func() { printfn("[kmem] 100%") },
			"[kmem] 100%!(NOVERB)",
		},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.expOutput, got)
		}
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	outputSink = nil
	earlyPrintBuffer.rIndex = 0
	earlyPrintBuffer.wIndex = 0

	// Boot messages logged before a console is attached are replayed in
	// order once the sink is set.
	Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(130559))
	Printf("[buddy] managing %d regions, %d KB\n", 4, uint64(130040))
	exp := "[boot_mem_alloc] available memory: 130559Kb\n[buddy] managing 4 regions, 130040 KB\n"

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected SetOutputSink to flush %q; got %q", exp, got)
	}

	Printf("[vmm] loading page table root 0x%x\n", uintptr(0x104000))
	if exp += "[vmm] loading page table root 0x104000\n"; buf.String() != exp {
		t.Fatalf("expected output to go straight to the sink; got %q", buf.String())
	}

	if earlyPrintBuffer.rIndex != earlyPrintBuffer.wIndex {
		t.Fatal("expected the early buffer to stay empty once a sink is attached")
	}
}
