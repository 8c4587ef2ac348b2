// Package cpu models the processor state that the memory subsystem
// manipulates: the translation-base register (CR3), the TLB, the interrupt
// flag and the halt instruction.
package cpu

import "sync/atomic"

// MMU is implemented by processors that can load a root page table and
// invalidate cached translations.
type MMU interface {
	// ActivePDT returns the physical address of the currently active page table.
	ActivePDT() uintptr

	// SwitchPDT sets the root page table directory to point to the
	// specified physical address and flushes all non-global TLB entries.
	SwitchPDT(pdtPhysAddr uintptr)

	// FlushTLBEntry flushes a TLB entry for a particular virtual address.
	FlushTLBEntry(virtAddr uintptr)
}

// InterruptController is implemented by processors that can mask
// interrupt delivery.
type InterruptController interface {
	// DisableInterrupts masks interrupts and reports whether they were
	// enabled before the call.
	DisableInterrupts() bool

	// EnableInterrupts unmasks interrupts.
	EnableInterrupts()
}

// Halter is implemented by processors that can stop executing instructions.
type Halter interface {
	Halt()
}

// Processor combines all processor facilities used by the kernel.
type Processor interface {
	MMU
	InterruptController
	Halter
}

// Emulator is a software Processor. It keeps the register state in memory
// and records TLB maintenance so that it can be inspected.
type Emulator struct {
	cr3        uintptr
	interrupts uint32
	halted     uint32

	// FlushedEntries lists the virtual addresses passed to FlushTLBEntry
	// since the last call to SwitchPDT.
	FlushedEntries []uintptr

	// PDTSwitches counts calls to SwitchPDT.
	PDTSwitches int

	// OnHalt, if set, is invoked by Halt after the processor is flagged
	// as halted.
	OnHalt func()
}

// NewEmulator returns an Emulator with interrupts enabled and CR3 pointing
// to activePDT.
func NewEmulator(activePDT uintptr) *Emulator {
	return &Emulator{cr3: activePDT, interrupts: 1}
}

// ActivePDT implements MMU.
func (e *Emulator) ActivePDT() uintptr { return e.cr3 }

// SwitchPDT implements MMU.
func (e *Emulator) SwitchPDT(pdtPhysAddr uintptr) {
	e.cr3 = pdtPhysAddr
	e.FlushedEntries = e.FlushedEntries[:0]
	e.PDTSwitches++
}

// FlushTLBEntry implements MMU.
func (e *Emulator) FlushTLBEntry(virtAddr uintptr) {
	e.FlushedEntries = append(e.FlushedEntries, virtAddr)
}

// DisableInterrupts implements InterruptController.
func (e *Emulator) DisableInterrupts() bool {
	return atomic.SwapUint32(&e.interrupts, 0) == 1
}

// EnableInterrupts implements InterruptController.
func (e *Emulator) EnableInterrupts() {
	atomic.StoreUint32(&e.interrupts, 1)
}

// InterruptsEnabled returns true if interrupt delivery is not masked.
func (e *Emulator) InterruptsEnabled() bool {
	return atomic.LoadUint32(&e.interrupts) == 1
}

// Halt implements Halter.
func (e *Emulator) Halt() {
	atomic.StoreUint32(&e.halted, 1)
	if e.OnHalt != nil {
		e.OnHalt()
	}
}

// Halted returns true once Halt has been invoked.
func (e *Emulator) Halted() bool {
	return atomic.LoadUint32(&e.halted) == 1
}
