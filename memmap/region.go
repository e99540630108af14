// Package memmap implements the physical memory region catalogue
// (spec.md C3): a sorted, non-overlapping, coalesced sequence of
// regions, populated at boot from a flattened device-tree blob (see
// fdt.go).
//
// Grounded on biscuit's mem.Physmem_t for the invariant-by-panic style
// of a region/page bookkeeping structure; the region type itself has
// no direct biscuit analogue (biscuit has no device-tree-driven
// region catalogue — it boots from a fixed E820-style map), so the
// sorted/coalescing region list is built fresh from spec.md §3/§4.2.
package memmap

import (
	"fmt"
	"sort"
	"sync"

	"aarch64kernel/defs"
	"aarch64kernel/physaddr"
	"aarch64kernel/util"
)

// Region describes one span of the physical address space (spec.md
// §3).
type Region struct {
	Base         physaddr.Addr
	Size         physaddr.Addr
	Type         defs.RegionType
	Hotpluggable bool
	Present      bool
}

func (r Region) end() physaddr.Addr { return r.Base + r.Size }

func (r Region) overlaps(base, size physaddr.Addr) bool {
	return r.Present && r.Base < base+size && base < r.end()
}

func (r Region) sameClass(other Region) bool {
	return r.Type == other.Type && r.Hotpluggable == other.Hotpluggable
}

// heldRange marks a byte range currently on loan to a live Block
// handle; Remove refuses to touch any region overlapping one of
// these (spec.md §4.2: "remove fails only if any affected region is
// currently held by a Block handle").
type heldRange struct {
	base, size physaddr.Addr
}

// Map is the sorted region catalogue.
type Map struct {
	mu      sync.Mutex
	regions []Region
	held    []heldRange
}

// NewMap returns an empty map.
func NewMap() *Map { return &Map{} }

// Hold marks [base, base+size) as owned by a live Block, blocking
// Remove over that range until Release is called.
func (m *Map) Hold(base, size physaddr.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = append(m.held, heldRange{base, size})
}

// Release undoes a prior Hold.
func (m *Map) Release(base, size physaddr.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range m.held {
		if h.base == base && h.size == size {
			m.held = append(m.held[:i], m.held[i+1:]...)
			return
		}
	}
}

// TryReserve atomically holds [base, base+size) if no overlapping
// range is already held, returning false otherwise. This is the "at
// most one holder per address range" guarantee the MMIO bus relies on
// (spec.md §4.5).
func (m *Map) TryReserve(base, size physaddr.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isHeld(base, size) {
		return false
	}
	m.held = append(m.held, heldRange{base, size})
	return true
}

func (m *Map) isHeld(base, size physaddr.Addr) bool {
	end := base + size
	for _, h := range m.held {
		if h.base < end && base < h.base+h.size {
			return true
		}
	}
	return false
}

// Add inserts a region and coalesces it with any present neighbour of
// the same (type, hotpluggable) class (spec.md §3 invariant i). The
// part of any Unusable region it overlaps is replaced by the new
// region, so re-adding a removed range undoes the Remove.
func (m *Map) Add(base, size physaddr.Addr, t defs.RegionType, hot bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(Region{Base: base, Size: size, Type: t, Hotpluggable: hot, Present: true})
}

func (m *Map) insertLocked(r Region) {
	var kept []Region
	for _, o := range m.regions {
		if o.Type != defs.Unusable || !o.overlaps(r.Base, r.Size) {
			kept = append(kept, o)
			continue
		}
		if o.Base < r.Base {
			kept = append(kept, Region{Base: o.Base, Size: r.Base - o.Base, Type: o.Type, Present: true})
		}
		if o.end() > r.end() {
			kept = append(kept, Region{Base: r.end(), Size: o.end() - r.end(), Type: o.Type, Present: true})
		}
	}
	m.regions = append(kept, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
	m.coalesceLocked()
}

func (m *Map) coalesceLocked() {
	out := m.regions[:0]
	for _, r := range m.regions {
		if n := len(out); n > 0 && out[n-1].Present && r.Present &&
			out[n-1].end() == r.Base && out[n-1].sameClass(r) {
			out[n-1].Size += r.Size
			continue
		}
		out = append(out, r)
	}
	m.regions = out
}

// Remove subtracts [base, base+size) from the map, splitting any
// overlapping region so the middle portion becomes Unusable (spec.md
// §4.2). It fails if any affected region is held by a live Block.
func (m *Map) Remove(base, size physaddr.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isHeld(base, size) {
		return fmt.Errorf("memmap: range [%#x,%#x) is held by a live block", base, base+size)
	}

	var next []Region
	for _, r := range m.regions {
		if !r.overlaps(base, size) {
			next = append(next, r)
			continue
		}
		end := base + size
		if r.Base < base {
			next = append(next, Region{Base: r.Base, Size: base - r.Base, Type: r.Type, Hotpluggable: r.Hotpluggable, Present: true})
		}
		midBase := util.Max(r.Base, base)
		midEnd := util.Min(r.end(), end)
		if midEnd > midBase {
			next = append(next, Region{Base: midBase, Size: midEnd - midBase, Type: defs.Unusable, Present: true})
		}
		if r.end() > end {
			next = append(next, Region{Base: end, Size: r.end() - end, Type: r.Type, Hotpluggable: r.Hotpluggable, Present: true})
		}
	}
	m.regions = next
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
	m.coalesceLocked()
	return nil
}

// Present returns a snapshot of every present region, in base order.
func (m *Map) Present() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Region, 0, len(m.regions))
	for _, r := range m.regions {
		if r.Present {
			out = append(out, r)
		}
	}
	return out
}
