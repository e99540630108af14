// Package slab implements the constant-time fixed-size block
// allocator of spec.md C2: a power-of-two ring of slot values, with an
// allocation cursor guarded by a mutex and a free cursor advanced
// atomically, so the two never cross (spec.md §4.1).
//
// Grounded on biscuit's mem.Physmem_t free-list allocator
// (_phys_new/_phys_insert: mutex-guarded cursor plus sync/atomic
// refcounting), adapted from a singly-linked free list to the
// slot-ring spec.md specifies.
package slab

import (
	"fmt"
	"sync"
	"sync/atomic"

	"aarch64kernel/defs"
	"aarch64kernel/physaddr"
)

// inUse is the sentinel written into a slot while its slab is on
// loan; spec.md §3 calls it "all-ones".
const inUse = ^uint64(0)

// Allocator hands out fixed-size slabs from a fixed arena in constant
// time (spec.md §4.1).
type Allocator struct {
	arenaBase physaddr.Addr
	slabSize  physaddr.Addr
	slots     []atomic.Uint64

	headMu sync.Mutex
	head   uint64
	tail   atomic.Uint64
}

// New creates an Allocator over an arena of arenaBase..arenaBase+
// slabSize*slotCount, divided into slotCount slabs of slabSize bytes
// each. slotCount must be a power of two (spec.md §3 invariant).
func New(arenaBase physaddr.Addr, slabSize physaddr.Addr, slotCount int) (*Allocator, error) {
	if slotCount <= 0 || slotCount&(slotCount-1) != 0 {
		return nil, fmt.Errorf("slab: slot count %d is not a power of two", slotCount)
	}
	if slabSize <= 0 {
		return nil, fmt.Errorf("slab: slab size must be positive")
	}
	a := &Allocator{
		arenaBase: arenaBase,
		slabSize:  slabSize,
		slots:     make([]atomic.Uint64, slotCount),
	}
	for i := range a.slots {
		a.slots[i].Store(uint64(arenaBase) + uint64(i)*uint64(slabSize))
	}
	return a, nil
}

// SlotCount returns the number of slabs the arena is divided into.
func (a *Allocator) SlotCount() int { return len(a.slots) }

// SlabSize returns the size in bytes of each slab.
func (a *Allocator) SlabSize() physaddr.Addr { return a.slabSize }

// TryAlloc hands out one slab, or reports Empty if the arena is fully
// on loan, or Locked if another allocation is in flight and the
// caller should spin/yield (spec.md §4.1's retry contract).
func (a *Allocator) TryAlloc() (physaddr.Addr, defs.Err_t) {
	if !a.headMu.TryLock() {
		return 0, defs.EALLOCLOCKED
	}
	defer a.headMu.Unlock()
	idx := a.head % uint64(len(a.slots))

	prev := a.slots[idx].Swap(inUse)
	if prev == inUse {
		// The slot at head has not been refilled by Free yet, so every
		// slab is on loan. head stays where it is, so the next call
		// retries this slot once Free has refilled it.
		return 0, defs.ESLABEMPTY
	}
	a.head++
	return physaddr.Addr(prev), defs.EOK
}

// Free returns a previously allocated slab. It panics if base is not a
// slab base of this allocator, or if the free list would overflow
// (i.e. a double free), matching spec.md §4.1's "slab allocator
// overflowed" assertion — this is an invariant violation, not a
// retryable runtime error (spec.md §7).
func (a *Allocator) Free(base physaddr.Addr) {
	off := int64(base) - int64(a.arenaBase)
	if off < 0 || off%int64(a.slabSize) != 0 || off/int64(a.slabSize) >= int64(len(a.slots)) {
		panic(fmt.Sprintf("slab: %#x is not a slab base of this allocator", base))
	}

	idx := a.tail.Add(1) - 1
	idx %= uint64(len(a.slots))
	if !a.slots[idx].CompareAndSwap(inUse, uint64(base)) {
		panic("slab allocator overflowed")
	}
}

// Live reports the set of slab indices currently on loan, for testing
// the round-trip invariant in spec.md §8 ("the set of live bases
// equals {arena_base + i*s | i in S_live}").
func (a *Allocator) Live() []int {
	free := make(map[uint64]bool, len(a.slots))
	for i := range a.slots {
		if v := a.slots[i].Load(); v != inUse {
			free[v] = true
		}
	}
	var live []int
	for i := range a.slots {
		if !free[uint64(a.arenaBase)+uint64(i)*uint64(a.slabSize)] {
			live = append(live, i)
		}
	}
	return live
}
