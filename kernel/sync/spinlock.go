// Package sync provides synchronization primitive implementations for spinlocks.
package sync

import (
	"crabos/kernel"
	"crabos/kernel/cpu"
	"sync/atomic"
)

var (
	// ErrReentrantAcquire is returned by IRQSpinlock.Acquire when the lock
	// is already held. With a single active core and interrupts masked the
	// holder can never run again, so waiting would deadlock.
	ErrReentrantAcquire = &kernel.Error{Module: "sync", Message: "re-entrant lock acquisition"}
)

// Spinlock is a test-and-set lock word. Callers decide what to do when
// TryToAcquire fails; IRQSpinlock rejects the attempt instead of spinning.
type Spinlock struct {
	state uint32
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IRQSpinlock is a Spinlock that masks interrupts for the duration of the
// critical section. It is meant for state that interrupt handlers may also
// touch on a single active core: instead of spinning on a lock that its
// holder can never release, Acquire rejects the attempt.
type IRQSpinlock struct {
	lock Spinlock
	irq  cpu.InterruptController

	// restoreIRQ records whether interrupts were enabled when the lock
	// was acquired.
	restoreIRQ bool
}

// NewIRQSpinlock returns an IRQSpinlock that masks interrupts using irq.
func NewIRQSpinlock(irq cpu.InterruptController) *IRQSpinlock {
	return &IRQSpinlock{irq: irq}
}

// Acquire masks interrupts and takes the lock. If the lock is already held
// the previous interrupt state is restored and ErrReentrantAcquire is
// returned.
func (l *IRQSpinlock) Acquire() *kernel.Error {
	wasEnabled := l.irq.DisableInterrupts()
	if !l.lock.TryToAcquire() {
		if wasEnabled {
			l.irq.EnableInterrupts()
		}
		return ErrReentrantAcquire
	}

	l.restoreIRQ = wasEnabled
	return nil
}

// Release drops the lock and re-enables interrupts if they were enabled
// when the lock was acquired.
func (l *IRQSpinlock) Release() {
	restore := l.restoreIRQ
	l.restoreIRQ = false
	l.lock.Release()

	if restore {
		l.irq.EnableInterrupts()
	}
}
