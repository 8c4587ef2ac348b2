// Command memsim boots the memory subsystem against a synthetic firmware
// memory map on an emulated processor and exercises the allocation and
// mapping paths. Kernel output goes to stdout or to a serial tty.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"crabos/kernel/cpu"
	"crabos/kernel/hal/multiboot"
	"crabos/kernel/kfmt"
	"crabos/kernel/kmain"
	"crabos/kernel/mm"
	"crabos/kernel/mm/vmm"

	tty "github.com/mattn/go-tty"
)

const (
	kernelStart = uintptr(0x100000)
	kernelEnd   = uintptr(0x200000)

	// scratchWindow is the virtual address used by the exercise run.
	scratchWindow = uintptr(0xffffd00000000000)
)

type options struct {
	memMiB     uint64
	physOffset uint64
	cmdLine    string
	serial     string
	prefix     string
	slab       bool
}

var errBootFailed = errors.New("kernel memory initialization failed")

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memsim] error: %s\n", err.Error())
	os.Exit(1)
}

// memoryMap returns a PC-like memory map with memMiB of RAM above 1M.
func memoryMap(memMiB uint64) multiboot.MemoryMap {
	return multiboot.MemoryMap{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: 0xf0000, Length: 0x10000, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: memMiB << 20, Type: multiboot.MemAvailable},
		{PhysAddress: 0xfffc0000, Length: 0x40000, Type: multiboot.MemReserved},
	}
}

func run(opts options, out io.Writer) error {
	if opts.memMiB < 2 {
		return fmt.Errorf("at least 2 MiB of memory are required; got %d", opts.memMiB)
	}

	if opts.prefix != "" {
		out = &kfmt.PrefixWriter{Sink: out, Prefix: []byte(opts.prefix)}
	}

	kfmt.SetOutputSink(out)
	defer kfmt.SetOutputSink(nil)

	args := kmain.BootArgs{
		MultibootInfo: multiboot.Encode(&multiboot.Info{
			MemoryMap:      memoryMap(opts.memMiB),
			CmdLine:        opts.cmdLine,
			BootLoaderName: "memsim",
		}),
		KernelStart: kernelStart,
		KernelEnd:   kernelEnd,
		PhysOffset:  uintptr(opts.physOffset),
	}

	if opts.slab {
		frames := uint64(0x100000+(opts.memMiB<<20)) >> mm.PageShift
		store, err := vmm.NewSlabStore(0, frames)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		args.Tables = store
	}

	proc := cpu.NewEmulator(0)
	ctx := kmain.Kmain(args, proc)
	if ctx == nil {
		return errBootFailed
	}

	for _, req := range []struct{ size, alignment uintptr }{
		{mm.PageSize, mm.PageSize},
		{3 * mm.PageSize, mm.PageSize},
		{16 * 1024, 64 * 1024},
	} {
		addr, err := ctx.Kmalloc(req.size, req.alignment)
		if err != nil {
			return err
		}
		kfmt.Printf("[memsim] kmalloc(%d, %d) = 0x%x\n", uint64(req.size), uint64(req.alignment), addr)

		blockSize := req.alignment
		for blockSize < req.size {
			blockSize <<= 1
		}
		if addr%blockSize != 0 {
			return fmt.Errorf("kmalloc(%d, %d) returned 0x%x which is not aligned to 0x%x", req.size, req.alignment, addr, blockSize)
		}

		if err = ctx.Kfree(addr, req.size, req.alignment); err != nil {
			return err
		}
	}

	const windowPages = 8
	if err := ctx.Mmap(scratchWindow, windowPages*mm.PageSize, vmm.FlagPresent|vmm.FlagRW); err != nil {
		return err
	}
	for i := uintptr(0); i < windowPages; i++ {
		virt := scratchWindow + i*mm.PageSize
		phys, ok := ctx.Translate(virt)
		if !ok {
			return fmt.Errorf("page 0x%x not mapped after mmap", virt)
		}
		kfmt.Printf("[memsim] 0x%x -> 0x%x\n", virt, phys)
	}

	if err := ctx.UpdatePageAccess(scratchWindow, windowPages*mm.PageSize, vmm.FlagPresent|vmm.FlagNoExecute); err != nil {
		return err
	}
	kfmt.Printf("[memsim] window 0x%x marked read-only\n", scratchWindow)

	ctx.PrintStats()
	return nil
}

func main() {
	var opts options
	flag.Uint64Var(&opts.memMiB, "mem", 64, "MiB of usable RAM above 1MiB")
	flag.Uint64Var(&opts.physOffset, "offset", 0xffff800000000000, "virtual address where physical memory is mapped")
	flag.StringVar(&opts.cmdLine, "cmdline", "", "kernel command line (e.g. kmem.heap_pages=32)")
	flag.StringVar(&opts.serial, "serial", "", "tty device that receives kernel output instead of stdout")
	flag.StringVar(&opts.prefix, "prefix", "cpu0| ", "prefix added to every line of kernel output")
	flag.BoolVar(&opts.slab, "slab", false, "keep page tables in an mmap-backed model of physical memory")
	flag.Parse()

	var out io.Writer = os.Stdout
	if opts.serial != "" {
		console, err := tty.OpenDevice(opts.serial)
		if err != nil {
			exit(err)
		}
		defer func() { _ = console.Close() }()
		out = console.Output()
	}

	if err := run(opts, out); err != nil {
		exit(err)
	}
}
