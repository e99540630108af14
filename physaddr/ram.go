package physaddr

import (
	"fmt"
	"sync"
)

// RAM is a host-simulated backing store for physical memory: since
// this repository runs as an ordinary Go process rather than on bare
// metal, "physical memory" is a fixed byte arena and every PhysAddr is
// an offset into it. This keeps C1's contract (typed, explicit-deref
// addresses) fully testable without real hardware, the same way
// gVisor's pgalloc and gopher-os's pmm model physical frames as
// offsets into a host-backed store rather than literal DRAM.
type RAM struct {
	mu  sync.RWMutex
	buf []byte
}

// NewRAM allocates a simulated physical address space of size bytes.
func NewRAM(size Addr) *RAM {
	return &RAM{buf: make([]byte, size)}
}

// NewRAMFromBuffer wraps an already-allocated byte slice as simulated
// physical memory, without copying it. devtree's host-simulated MMIO
// window (backed by a real unix.Mmap anonymous mapping) uses this so
// that a claimed device's register window is genuine mapped memory,
// not a plain make([]byte, ...) arena.
func NewRAMFromBuffer(buf []byte) *RAM {
	return &RAM{buf: buf}
}

// Size returns the simulated RAM's total byte size.
func (r *RAM) Size() Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Addr(len(r.buf))
}

// Bytes returns a slice view of n bytes of simulated RAM starting at
// addr. The returned slice aliases the backing array; callers that
// need a snapshot must copy it out explicitly (the same rule
// ustr.UserspaceStr follows for userspace memory).
func (r *RAM) Bytes(addr Addr, n Addr) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr < 0 || n < 0 || int64(addr)+int64(n) > int64(len(r.buf)) {
		return nil, fmt.Errorf("physaddr: range [%#x, %#x) out of bounds of %d-byte RAM", addr, addr+n, len(r.buf))
	}
	return r.buf[addr : addr+n], nil
}

// View returns a slice over the element range owned by a Block.
func View[T any](r *RAM, b *Block[T]) ([]T, error) {
	var zero T
	sz := Addr(sizeofT(zero))
	if sz == 0 {
		return nil, nil
	}
	raw, err := r.Bytes(b.Base().Raw(), b.Len()*sz)
	if err != nil {
		return nil, err
	}
	return bytesAsSlice[T](raw), nil
}
