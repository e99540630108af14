// Package thread implements the thread context and userspace entry
// trampoline contract of spec.md C8: register-store initialisation,
// the enter_userspace handoff, IRQ preemption signalling, and
// reference-counted teardown.
//
// Grounded on biscuit's proc.Thread_t/Tnote_t (kernel/proc/proc.go) for
// the register-store-plus-status shape and the "dropping the last
// thread is fatal" accounting discipline, and on
// golang.org/x/arch/arm64/arm64asm for decoding the faulting
// instruction when a thread traps with an unexpected ThreadStatus —
// the same way biscuit's trap handlers log the faulting instruction
// bytes for diagnostics, retargeted from x86 to AArch64 disassembly.
package thread

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/arch/arm64/arm64asm"

	"aarch64kernel/defs"
	"aarch64kernel/paging"
	"aarch64kernel/physaddr"
)

// initialSPSREL0 is the initial SPSR value for a thread entering at
// EL0 with IRQs unmasked (spec.md §4.7 "the initial program-status
// value for EL0").
const initialSPSREL0 = 0x0000_0000

// liveThreads counts every thread in the system; dropping the last
// one is fatal by design (spec.md §4.7).
var liveThreads atomic.Int64

// Thread holds one schedulable unit's saved context.
type Thread struct {
	Process      *paging.PageTable
	WakeTime     uint64 // microseconds, valid only while Sleeping
	Priority     uint8
	Spsr         uint64
	Elr          uint64
	Registers    [32]uint64
	SavedTime    uint64
	dropped      atomic.Bool
}

// New creates a thread ready to run entryPoint with argument in x0 and
// a stack pointer at the top of a freshly reserved zero-fill-lazy
// range of at least maxStack bytes (spec.md §4.7).
func New(proc *paging.PageTable, entryPoint, argument uint64, maxStack physaddr.Addr, priority uint8) (*Thread, defs.Err_t) {
	t := &Thread{
		Process:  proc,
		Priority: priority,
		Spsr:     initialSPSREL0,
		Elr:      entryPoint,
	}
	t.Registers[0] = argument

	// Requesting a 0-byte stack yields a thread whose stack pointer is
	// zero (spec.md §8): no range is reserved at all, rather than a
	// zero-sized MapZeroed call that would still hand back a nonzero
	// bump-allocated address.
	if maxStack > 0 {
		stackBase, err := proc.MapZeroed(nil, maxStack)
		if err != defs.EOK {
			return nil, err
		}
		t.Registers[31] = uint64(stackBase) + uint64(maxStack)
	}

	liveThreads.Add(1)
	return t, defs.EOK
}

// Trampoline is the architecture-specific handoff spec.md §4.7 calls
// enter_userspace: it saves kernel state, restores the thread's
// registers, runs until the thread traps back, and reports the status
// byte together with the CPU's refreshed spsr/elr.
type Trampoline interface {
	EnterUserspace(pt *paging.PageTable, spsr, elr uint64, trampolineStackPtr uint64, t *Thread) (defs.ThreadStatus, uint64, uint64)
}

// Run executes one dispatch of t on the current CPU via tr, refreshing
// t's spsr/elr from what the CPU reports on return (spec.md §4.7).
func Run(tr Trampoline, t *Thread, trampolineStackPtr uint64) defs.ThreadStatus {
	status, spsr, elr := tr.EnterUserspace(t.Process, t.Spsr, t.Elr, trampolineStackPtr, t)
	t.Spsr = spsr
	t.Elr = elr
	return status
}

// PreemptFlags is consulted by the IRQ handler on every interrupt
// taken in userspace: non-zero means the scheduling timer fired and
// the handler should request preemption (spec.md §4.7). It is a single
// per-CPU flag; callers index it by CPU id.
type PreemptFlags struct {
	flags []atomic.Bool
}

func NewPreemptFlags(cpuCount int) *PreemptFlags {
	return &PreemptFlags{flags: make([]atomic.Bool, cpuCount)}
}

func (p *PreemptFlags) Request(cpu int)        { p.flags[cpu].Store(true) }
func (p *PreemptFlags) TakeAndClear(cpu int) bool {
	return p.flags[cpu].Swap(false)
}

// Drop decrements the live-thread counter. Dropping the last thread in
// the system is fatal by design (spec.md §4.7): there is no supervisor
// to hand control back to.
func (t *Thread) Drop() {
	if !t.dropped.CompareAndSwap(false, true) {
		return
	}
	if liveThreads.Add(-1) == 0 {
		panic("thread: dropped the last thread in the system")
	}
}

// LiveCount reports the number of threads that have not yet been
// dropped, for tests.
func LiveCount() int64 { return liveThreads.Load() }

// DisassembleFault decodes the instruction at pc for fault diagnostics
// (spec.md §7's "detailed error codes are not exposed" still leaves
// room for kernel-log diagnostics).
func DisassembleFault(code []byte, pc uint64) string {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf("pc=%#x <undecodable: %v>", pc, err)
	}
	return fmt.Sprintf("pc=%#x %s", pc, arm64asm.GNUSyntax(inst))
}
