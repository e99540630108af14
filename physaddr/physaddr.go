// Package physaddr provides type-safe physical addresses and owning
// blocks of physical memory (spec.md C1). A PhysAddr is never
// implicitly dereferenced: turning one into bytes requires an explicit
// RAM view (see ram.go), mirroring spec.md §3's "conversion to a
// virtual reference is explicit."
//
// Grounded on biscuit's mem.Pa_t (a bare uintptr physical address) and
// mem.Physmem_t's direct-map translation; generalized here into a
// phantom-typed wrapper so callers can't mix, say, a page-table
// PhysAddr[Pmap] with a data PhysAddr[byte] without a cast.
package physaddr

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Addr is a raw physical address, address-space agnostic.
type Addr uintptr

// PhysAddr is a phantom-typed physical address of an element of type
// T. The zero value is the null sentinel (spec.md §3), which IsNull
// reports; no accessor here checks for it, and address 0 is read and
// written like any other address.
type PhysAddr[T any] struct {
	addr Addr
}

// Null returns the null sentinel PhysAddr for T.
func Null[T any]() PhysAddr[T] { return PhysAddr[T]{} }

// New constructs a PhysAddr[T], rejecting addresses that are not
// aligned to T's size (spec.md §3 invariant: "address modulo element
// alignment is zero").
func New[T any](a Addr) (PhysAddr[T], error) {
	var zero T
	sz := Addr(unsafe.Sizeof(zero))
	if sz != 0 && a%sz != 0 {
		return PhysAddr[T]{}, fmt.Errorf("physaddr: address %#x is not aligned to element size %d", a, sz)
	}
	return PhysAddr[T]{addr: a}, nil
}

// MustNew is New but panics on misalignment; used at call sites where
// the address is derived from an already-validated source (e.g. a page
// boundary).
func MustNew[T any](a Addr) PhysAddr[T] {
	p, err := New[T](a)
	if err != nil {
		panic(err)
	}
	return p
}

// IsNull reports whether p is the null sentinel.
func (p PhysAddr[T]) IsNull() bool { return p.addr == 0 }

// Raw returns the underlying address.
func (p PhysAddr[T]) Raw() Addr { return p.addr }

// Add returns p advanced by elems elements (elems*sizeof(T) bytes).
func (p PhysAddr[T]) Add(elems Addr) PhysAddr[T] {
	var zero T
	sz := Addr(unsafe.Sizeof(zero))
	if sz == 0 {
		sz = 1
	}
	return PhysAddr[T]{addr: p.addr + elems*sz}
}

// AddBytes returns p advanced by a raw byte offset, without an
// alignment check; used by callers (loader, paging) that compute
// sub-element offsets deliberately.
func (p PhysAddr[T]) AddBytes(off Addr) PhysAddr[T] {
	return PhysAddr[T]{addr: p.addr + off}
}

func (p PhysAddr[T]) String() string { return fmt.Sprintf("%#x", uintptr(p.addr)) }

// Allocation is implemented by whatever allocator produced a Block's
// backing storage; Release is called at most once, when the last
// reference to the block goes away.
type Allocation interface {
	Release(base Addr, n Addr) error
}

// Block is an owning handle over a run of n elements of T starting at
// base (spec.md §3). A Block with a nil backing is a borrowed,
// non-owning view (e.g. of kernel-reserved memory never freed);
// releasing such a block is a no-op.
//
// Block is safe to hand to exactly one goroutine at a time (it is
// "Send but not Sync" in spec.md's terms: Go has no type-level
// enforcement of this, so callers must not share a *Block across
// goroutines without external synchronization — MMIOBlock below is
// the exception, since device memory is externally synchronized by
// the device itself).
type Block[T any] struct {
	base     PhysAddr[T]
	n        Addr
	backing  Allocation
	released atomic.Bool
}

// NewBlock constructs an owning Block. backing may be nil for a
// borrowed view.
func NewBlock[T any](base PhysAddr[T], n Addr, backing Allocation) *Block[T] {
	b := &Block[T]{base: base, n: n, backing: backing}
	runtime.SetFinalizer(b, func(b *Block[T]) {
		if !b.released.Load() {
			// A leak: the owner forgot to Close. Best-effort release
			// rather than losing the region permanently.
			_ = b.Close()
		}
	})
	return b
}

// Base returns the block's starting address.
func (b *Block[T]) Base() PhysAddr[T] { return b.base }

// Len returns the number of elements the block owns.
func (b *Block[T]) Len() Addr { return b.n }

// Close releases the block's backing allocation exactly once. Calling
// it more than once is a no-op, matching "on drop" semantics where a
// value can only be dropped once.
func (b *Block[T]) Close() error {
	if !b.released.CompareAndSwap(false, true) {
		return nil
	}
	runtime.SetFinalizer(b, nil)
	if b.backing == nil {
		return nil
	}
	return b.backing.Release(b.base.Raw(), b.n)
}

// MMIOBlock is a Block over device memory. Unlike a plain Block, it is
// safe to share across goroutines because the hardware device, not
// the kernel, serializes accesses to it (spec.md §3).
type MMIOBlock[T any] struct {
	*Block[T]
}

// NewMMIOBlock wraps an existing block as an MMIO block.
func NewMMIOBlock[T any](b *Block[T]) MMIOBlock[T] { return MMIOBlock[T]{Block: b} }
