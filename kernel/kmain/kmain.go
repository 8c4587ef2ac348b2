package kmain

import (
	"crabos/kernel"
	"crabos/kernel/cpu"
	"crabos/kernel/hal/multiboot"
	"crabos/kernel/kfmt"
	"crabos/kernel/kmem"
	"crabos/kernel/mm/vmm"
)

var (
	// kmemInitFn is used by tests to override the memory subsystem
	// initialization.
	kmemInitFn = kmem.Init
)

// BootArgs holds the values handed to the kernel by the boot loader.
type BootArgs struct {
	// MultibootInfo is the multiboot2 information payload.
	MultibootInfo []byte

	// KernelStart and KernelEnd are the physical extents of the kernel
	// image.
	KernelStart, KernelEnd uintptr

	// PhysOffset is the virtual address where physical memory is mapped.
	PhysOffset uintptr

	// Tables backs the page tables. A sparse in-memory store is used if
	// nil.
	Tables vmm.TableStore
}

// Kmain parses the boot information, configures the memory subsystem from
// the firmware memory map and the kernel command line and returns the
// initialized memory context.
//
// Any error during initialization is unrecoverable: Kmain reports it via
// kfmt.Panic, which halts proc, and returns nil.
func Kmain(args BootArgs, proc cpu.Processor) *kmem.Context {
	kfmt.SetHalter(proc)

	ctx, err := boot(args, proc)
	if err != nil {
		kfmt.Panic(err)
		return nil
	}

	kfmt.Printf("[kmain] memory subsystem ready: %d/%d KB free\n", uint64(ctx.FreeBytes()/1024), uint64(ctx.TotalBytes()/1024))
	return ctx
}

func boot(args BootArgs, proc cpu.Processor) (*kmem.Context, *kernel.Error) {
	info, err := multiboot.Parse(args.MultibootInfo)
	if err != nil {
		return nil, err
	}

	if info.BootLoaderName != "" {
		kfmt.Printf("[kmain] booted by %s\n", info.BootLoaderName)
	}

	cfg, err := kmem.ConfigFromCmdLine(kmem.DefaultConfig(), info.CmdLineKV())
	if err != nil {
		return nil, err
	}

	cfg.KernelStart = args.KernelStart
	cfg.KernelEnd = args.KernelEnd
	cfg.PhysOffset = args.PhysOffset
	cfg.Tables = args.Tables

	return kmemInitFn(cfg, info.MemoryMap, proc)
}
