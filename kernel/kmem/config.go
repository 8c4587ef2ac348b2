package kmem

import (
	"crabos/kernel"
	"crabos/kernel/mm"
	"crabos/kernel/mm/vmm"
	"strconv"
)

const (
	// DefaultHeapStart is the virtual address of the kernel heap window.
	DefaultHeapStart = uintptr(0xffffc00000000000)

	// DefaultHeapPages is the number of pages mapped at DefaultHeapStart
	// during initialization.
	DefaultHeapPages = 16
)

var (
	errBadConfigValue = &kernel.Error{Module: "kmem", Message: "malformed numeric value in boot command line"}
	errBadBlockSize   = &kernel.Error{Module: "kmem", Message: "block size must be a power of two no smaller than a page"}
)

// Config controls the initialization of the memory subsystem.
type Config struct {
	// BlockSize is the smallest block handed out by the buddy
	// allocators. It must be a power of two of at least mm.PageSize.
	BlockSize uintptr

	// HeapStart and HeapPages describe the virtual window that Init
	// backs with freshly allocated frames.
	HeapStart uintptr
	HeapPages uint64

	// PhysOffset is the virtual address at which physical memory is
	// mapped. The kernel image is mapped at PhysOffset+KernelStart.
	PhysOffset uintptr

	// KernelStart and KernelEnd are the physical extents of the loaded
	// kernel image. Frames in this range are never allocated.
	KernelStart uintptr
	KernelEnd   uintptr

	// Tables holds the page tables. A SparseStore is used if nil.
	Tables vmm.TableStore
}

// DefaultConfig returns the configuration used when the boot command line
// does not override any setting.
func DefaultConfig() Config {
	return Config{
		BlockSize: mm.PageSize,
		HeapStart: DefaultHeapStart,
		HeapPages: DefaultHeapPages,
	}
}

// ConfigFromCmdLine overrides the fields of cfg with the kmem.* keys found in
// the boot command line key/value map. Numbers may be given in decimal or
// in hex with a 0x prefix.
func ConfigFromCmdLine(cfg Config, kv map[string]string) (Config, *kernel.Error) {
	for key, dst := range map[string]*uint64{
		"kmem.heap_pages": &cfg.HeapPages,
	} {
		if v, ok := kv[key]; ok {
			n, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				return cfg, errBadConfigValue
			}
			*dst = n
		}
	}

	for key, dst := range map[string]*uintptr{
		"kmem.block_size": &cfg.BlockSize,
		"kmem.heap_start": &cfg.HeapStart,
	} {
		if v, ok := kv[key]; ok {
			n, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				return cfg, errBadConfigValue
			}
			*dst = uintptr(n)
		}
	}

	if cfg.BlockSize < mm.PageSize || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return cfg, errBadBlockSize
	}

	return cfg, nil
}
