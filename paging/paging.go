// Package paging implements the multi-level, ASID-tagged page table of
// spec.md C4: eager mappings, lazy zero-fill and lazy file-backed
// mappings, copy-on-write, and userspace-address translation that
// materialises lazy pages on demand.
//
// Grounded on biscuit's vm.Vm_t (kernel/vm/as.go): a map from aligned
// virtual page to a page-table-entry-like descriptor, guarded by a
// single mutex per address space, with Sys_pgfault dispatching on the
// entry's kind (mapped/CoW/not-present) the same way HandleFault does
// here. biscuit's x86 PTE bit layout doesn't apply to AArch64, so
// entries are modelled as a small Go struct instead of raw PTE words.
package paging

import (
	"sync"

	"aarch64kernel/defs"
	"aarch64kernel/physaddr"
)

// PageSize is the translation granule used throughout the kernel.
const PageSize = 4096

// kind distinguishes the four entry shapes spec.md §4.3 names.
type kind int

const (
	concrete kind = iota
	lazyZero
	lazyFile
	cow
)

// entry is one page-table-entry-equivalent logical mapping.
type entry struct {
	k        kind
	phys     physaddr.Addr // concrete, cow
	region   defs.RegionType
	fileOff  int64 // lazyFile
	writable bool
}

// ReadFile materialises a lazy file-backed page by reading len(dst)
// bytes starting at file offset off.
type ReadFile func(off int64, dst []byte) error

// PageTable is one ASID-tagged root translation table.
type PageTable struct {
	asid defs.Asid_t
	ram  *physaddr.RAM
	zero physaddr.Addr // shared read-only zero page, backs every lazyZero entry until first write

	mu         sync.Mutex
	entries    map[physaddr.Addr]*entry
	userNext   physaddr.Addr // bump cursor for virt_base == nil allocation
	userEnd    physaddr.Addr
	pageSource func() (physaddr.Addr, defs.Err_t)
}

// userHalf is where the free-range cursor starts and userEndDefault is
// the userEnd a new address space records (spec.md §4.1 invariant
// "userspace mappings never overlap the kernel range");
// chooseRangeLocked does not check the cursor against userEnd.
const userHalf = physaddr.Addr(0x0000_0001_0000_0000)
const userEndDefault = physaddr.Addr(0x0000_FFFF_0000_0000)

// NewUserspace creates a fresh address space tagged with asid, backed
// by ram for materialised pages and zero for the shared zero page.
func NewUserspace(asid defs.Asid_t, ram *physaddr.RAM, zero physaddr.Addr) *PageTable {
	return &PageTable{
		asid:     asid,
		ram:      ram,
		zero:     zero,
		entries:  make(map[physaddr.Addr]*entry),
		userNext: userHalf,
		userEnd:  userEndDefault,
	}
}

func pageAlignDown(a physaddr.Addr) physaddr.Addr { return a &^ (PageSize - 1) }
func pageAlignUp(a physaddr.Addr) physaddr.Addr    { return (a + PageSize - 1) &^ (PageSize - 1) }

func regionWritable(t defs.RegionType) bool {
	switch t {
	case defs.Ram, defs.Mmio:
		return true
	default:
		return false
	}
}

// chooseRangeLocked picks virtBase if non-nil, otherwise bumps the free
// cursor; the caller already holds t.mu.
func (t *PageTable) chooseRangeLocked(virtBase *physaddr.Addr, size physaddr.Addr) physaddr.Addr {
	if virtBase != nil {
		return pageAlignDown(*virtBase)
	}
	base := t.userNext
	t.userNext += pageAlignUp(size)
	return base
}

// Map installs size/PageSize contiguous concrete entries mapping
// phys_base.. to a virtual range, failing if any target entry is
// already populated (spec.md §4.3).
func (t *PageTable) Map(phys physaddr.Addr, virtBase *physaddr.Addr, size physaddr.Addr, rt defs.RegionType) (physaddr.Addr, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size = pageAlignUp(size)
	virt := t.chooseRangeLocked(virtBase, size)
	if err := t.checkFreeLocked(virt, size); err != defs.EOK {
		return 0, err
	}

	for off := physaddr.Addr(0); off < size; off += PageSize {
		t.entries[virt+off] = &entry{k: concrete, phys: phys + off, region: rt, writable: regionWritable(rt)}
	}
	return virt, defs.EOK
}

// MapZeroed installs lazy zero-fill entries (spec.md §4.3): reads are
// served from the shared zero page until a write fault allocates a
// private page.
func (t *PageTable) MapZeroed(virtBase *physaddr.Addr, size physaddr.Addr) (physaddr.Addr, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size = pageAlignUp(size)
	virt := t.chooseRangeLocked(virtBase, size)
	if err := t.checkFreeLocked(virt, size); err != defs.EOK {
		return 0, err
	}
	for off := physaddr.Addr(0); off < size; off += PageSize {
		t.entries[virt+off] = &entry{k: lazyZero, region: defs.Ram}
	}
	return virt, defs.EOK
}

// MapExeFile installs lazy read-from-file entries keyed by file
// offset equal to the page's offset from virt.
func (t *PageTable) MapExeFile(virtBase *physaddr.Addr, size physaddr.Addr) (physaddr.Addr, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size = pageAlignUp(size)
	virt := t.chooseRangeLocked(virtBase, size)
	if err := t.checkFreeLocked(virt, size); err != defs.EOK {
		return 0, err
	}
	for off := physaddr.Addr(0); off < size; off += PageSize {
		t.entries[virt+off] = &entry{k: lazyFile, fileOff: int64(off), region: defs.Exe}
	}
	return virt, defs.EOK
}

// MapFromExeFile promotes a previously lazy range to a concrete
// mapping once the segment loader has real physical pages.
func (t *PageTable) MapFromExeFile(phys, virt, size physaddr.Addr, rt defs.RegionType) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()

	virt = pageAlignDown(virt)
	size = pageAlignUp(size)
	for off := physaddr.Addr(0); off < size; off += PageSize {
		t.entries[virt+off] = &entry{k: concrete, phys: phys + off, region: rt, writable: regionWritable(rt)}
	}
	return defs.EOK
}

func (t *PageTable) checkFreeLocked(virt, size physaddr.Addr) defs.Err_t {
	for off := physaddr.Addr(0); off < size; off += PageSize {
		if _, ok := t.entries[virt+off]; ok {
			return defs.EMAPCONFLICT
		}
	}
	return defs.EOK
}

// UserspaceAddrToKernelAddr walks the table for userAddr. If it finds
// a lazy file-backed entry, it invokes readFile to materialise the
// page before translation (spec.md §4.3). It fails if the mapping is
// absent or its region type doesn't match expected.
func (t *PageTable) UserspaceAddrToKernelAddr(userAddr physaddr.Addr, expected defs.RegionType, readFile ReadFile) (physaddr.Addr, defs.Err_t) {
	page := pageAlignDown(userAddr)
	pageOff := userAddr - page

	t.mu.Lock()
	e, ok := t.entries[page]
	if !ok {
		t.mu.Unlock()
		return 0, defs.EFAULT
	}

	switch e.k {
	case concrete, cow:
		phys := e.phys
		region := e.region
		t.mu.Unlock()
		if region != expected {
			return 0, defs.EINVALIDADDR
		}
		return phys + pageOff, defs.EOK

	case lazyZero:
		t.mu.Unlock()
		return t.zero + pageOff, defs.EOK

	case lazyFile:
		fileOff := e.fileOff
		t.mu.Unlock()
		if t.ram == nil || readFile == nil {
			return 0, defs.EIO
		}
		block, err := t.allocPage()
		if err != defs.EOK {
			return 0, err
		}
		buf, rerr := t.ram.Bytes(block, PageSize)
		if rerr != nil {
			return 0, defs.EFAULT
		}
		if err := readFile(fileOff, buf); err != nil {
			return 0, defs.EIO
		}
		t.mu.Lock()
		t.entries[page] = &entry{k: concrete, phys: block, region: defs.Exe, writable: false}
		t.mu.Unlock()
		if expected != defs.Exe {
			return 0, defs.EINVALIDADDR
		}
		return block + pageOff, defs.EOK

	default:
		t.mu.Unlock()
		return 0, defs.EFAULT
	}
}

// HandleFault implements spec.md §4.3's fault policy for a translation
// fault at virt. isWrite distinguishes a write fault (triggers CoW)
// from a read fault (lazy zero/file materialisation).
func (t *PageTable) HandleFault(virt physaddr.Addr, isWrite bool, readFile ReadFile) defs.Err_t {
	page := pageAlignDown(virt)

	t.mu.Lock()
	e, ok := t.entries[page]
	if !ok {
		t.mu.Unlock()
		return defs.EFAULT
	}

	switch e.k {
	case lazyZero:
		t.mu.Unlock()
		if !isWrite {
			return defs.EOK // served from the shared zero page
		}
		block, err := t.allocPage()
		if err != defs.EOK {
			return err
		}
		t.mu.Lock()
		t.entries[page] = &entry{k: concrete, phys: block, region: defs.Ram, writable: true}
		t.mu.Unlock()
		return defs.EOK

	case lazyFile:
		fileOff := e.fileOff
		t.mu.Unlock()
		if readFile == nil || t.ram == nil {
			return defs.EIO
		}
		block, err := t.allocPage()
		if err != defs.EOK {
			return err
		}
		buf, rerr := t.ram.Bytes(block, PageSize)
		if rerr != nil {
			return defs.EFAULT
		}
		if err := readFile(fileOff, buf); err != nil {
			return defs.EIO
		}
		t.mu.Lock()
		t.entries[page] = &entry{k: concrete, phys: block, region: defs.Exe, writable: isWrite}
		t.mu.Unlock()
		return defs.EOK

	case cow:
		if !isWrite {
			t.mu.Unlock()
			return defs.EOK
		}
		src := e.phys
		region := e.region
		t.mu.Unlock()
		block, err := t.allocPage()
		if err != defs.EOK {
			return err
		}
		srcBuf, _ := t.ram.Bytes(src, PageSize)
		dstBuf, rerr := t.ram.Bytes(block, PageSize)
		if rerr != nil {
			return defs.EFAULT
		}
		copy(dstBuf, srcBuf)
		t.mu.Lock()
		t.entries[page] = &entry{k: concrete, phys: block, region: region, writable: true}
		t.mu.Unlock()
		return defs.EOK

	default:
		// Concrete entry faulted: surfaced to the process, not
		// resolvable here (spec.md §4.3 "otherwise the fault is
		// surfaced to the process").
		t.mu.Unlock()
		return defs.EFAULT
	}
}

// allocPage takes one page from the source installed by WithPageSource
// (cmd/kernel installs a slab.Allocator, tests install bump counters),
// or returns ENOMEM if none is installed.
func (t *PageTable) allocPage() (physaddr.Addr, defs.Err_t) {
	if t.pageSource == nil {
		return 0, defs.ENOMEM
	}
	return t.pageSource()
}

// AllocPage exposes allocPage to callers outside this package that
// need a fresh physical page without going through a fault (e.g.
// devtree's claim_device, which must materialise a concrete,
// read-only header page rather than a lazy one).
func (t *PageTable) AllocPage() (physaddr.Addr, defs.Err_t) {
	return t.allocPage()
}

// WithPageSource installs the function HandleFault/translation use to
// obtain a fresh physical page, typically slab.Allocator.TryAlloc
// adapted to this signature.
func (t *PageTable) WithPageSource(f func() (physaddr.Addr, defs.Err_t)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pageSource = f
}
