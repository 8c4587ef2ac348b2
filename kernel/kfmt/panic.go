package kfmt

import (
	"crabos/kernel"
	"crabos/kernel/cpu"
)

var (
	// cpuHaltFn is invoked by Panic after printing the diagnostic banner.
	cpuHaltFn func()

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetHalter registers the processor that Panic halts.
func SetHalter(h cpu.Halter) {
	if h == nil {
		cpuHaltFn = nil
		return
	}
	cpuHaltFn = h.Halt
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Once the processor is halted nothing else runs; with an emulated
// processor the call returns after the halt hook completes.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if cpuHaltFn != nil {
		cpuHaltFn()
	}
}
