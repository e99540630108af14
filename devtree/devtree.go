// Package devtree implements the device tree, bus enumeration, and
// cross-privilege claim protocol of spec.md C6: a Root/Mmio/Device
// tree, exclusive per-bus resource reservation, VirtIO MMIO probing,
// and claim_device.
//
// Grounded on tinyrange-cc's internal/devices/virtio-mmio.go for the
// MMIO register table and magic-value probing idiom (VIRTIO_MMIO_MAGIC
// value + device-type register read), and on biscuit's
// mem.Physmem_t-style "reserve via the allocator, fail on conflict"
// contract for the bus's exclusivity guarantee (here backed by
// memmap.Map.TryReserve rather than biscuit's free list, since the
// resource being reserved is an MMIO range, not a RAM page).
package devtree

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync/atomic"

	"aarch64kernel/defs"
	"aarch64kernel/memmap"
	"aarch64kernel/paging"
	"aarch64kernel/physaddr"
)

// VirtIO MMIO register layout (tinyrange-cc's constant table).
const (
	virtioMMIOMagic      = 0x74726976
	regMagicValue        = 0x000
	regDeviceID          = 0x008
	mmioProbeWindow      = 0x200 // conservative per-device register window
)

// ResourceBus identifies the owning bus of a Resource (spec.md §4.9's
// wire layout: bus 0 == MMIO).
type ResourceBus uint8

const BusMMIO ResourceBus = 0

// Resource is one reserved address range (spec.md §3).
type Resource struct {
	Bus  ResourceBus
	Base physaddr.Addr
	Size physaddr.Addr
}

// Bus is the small capability every concrete bus type exposes (spec.md
// §9: "a tagged variant over concrete bus types is simpler ... than a
// trait-object table here" — in Go this is a one-method interface
// satisfied by exactly one concrete type for now).
type Bus interface {
	Reserve(base, size physaddr.Addr) (Resource, error)
}

// MMIOBus reserves MMIO ranges by holding them exclusively in the
// physical region catalogue.
type MMIOBus struct {
	mm *memmap.Map
}

func NewMMIOBus(mm *memmap.Map) *MMIOBus { return &MMIOBus{mm: mm} }

func (b *MMIOBus) Reserve(base, size physaddr.Addr) (Resource, error) {
	if !b.mm.TryReserve(base, size) {
		return Resource{}, fmt.Errorf("devtree: mmio range [%#x,%#x) already reserved", base, base+size)
	}
	return Resource{Bus: BusMMIO, Base: base, Size: size}, nil
}

// Device is a leaf of the tree: a claimable unit with one or more
// reserved resources (spec.md §3).
type Device struct {
	Name      string
	claimed   atomic.Bool
	Resources []Resource
}

// TryClaim CASes claimed from false to true, returning false if
// another caller beat this one to it.
func (d *Device) TryClaim() bool { return d.claimed.CompareAndSwap(false, true) }

// Mmio is an enumerated MMIO bus node holding its probed devices.
type Mmio struct {
	Bus     *MMIOBus
	Devices []*Device
}

// Root is the top of the device tree.
type Root struct {
	Mmio *Mmio
}

func NewRoot(mm *memmap.Map) *Root {
	return &Root{Mmio: &Mmio{Bus: NewMMIOBus(mm)}}
}

// ProbeMMIO scans [start, start+count*stride) for VirtIO MMIO devices
// (spec.md §4.5): read the magic register, and if it matches, read the
// device-type register and — if nonzero — reserve [base, base+stride)
// on the bus and add a Device named "virtio-<type>".
func (r *Root) ProbeMMIO(ram *physaddr.RAM, start physaddr.Addr, count int, stride physaddr.Addr) error {
	for i := 0; i < count; i++ {
		base := start + physaddr.Addr(i)*stride
		regs, err := ram.Bytes(base, mmioProbeWindow)
		if err != nil {
			continue
		}
		magic := binary.LittleEndian.Uint32(regs[regMagicValue:])
		if magic != virtioMMIOMagic {
			continue
		}
		devType := binary.LittleEndian.Uint32(regs[regDeviceID:])
		if devType == 0 {
			continue
		}
		res, err := r.Mmio.Bus.Reserve(base, stride)
		if err != nil {
			return err
		}
		r.Mmio.Devices = append(r.Mmio.Devices, &Device{
			Name:      fmt.Sprintf("virtio-%d", devType),
			Resources: []Resource{res},
		})
	}
	return nil
}

// PathSource is the minimal contract claim_device needs to walk an
// untrusted path one byte at a time without trusting its length or
// termination (spec.md §4.10); ustr.Cursor implements this over a
// ustr.UserspaceStr.
type PathSource interface {
	MatchAndAdvance(prefix string) bool
	Exhausted() bool
}

// DeviceContents is the header mapped read-only into the caller's
// address space after a successful claim (spec.md §4.9's wire layout).
type DeviceContents struct {
	ResourcesCount uint64
	Resources      []Resource
}

// deviceContentsResourceSize is the wire size of one serialised
// Resource: bus (padded to a full word) + base + size, 8 bytes each
// (spec.md §4.9).
const deviceContentsResourceSize = 24

// deviceContentsSize is the wire size of a DeviceContents header with
// n resources: an 8-byte resources_count followed by n resource
// entries.
func deviceContentsSize(n int) physaddr.Addr {
	return physaddr.Addr(8 + n*deviceContentsResourceSize)
}

// writeDeviceContents serialises contents into buf per spec.md §4.9's
// wire layout, so that a userspace reader at the mapped header
// address sees the real resource table, not zeros.
func writeDeviceContents(buf []byte, contents *DeviceContents) {
	binary.LittleEndian.PutUint64(buf[0:8], contents.ResourcesCount)
	for i, res := range contents.Resources {
		off := 8 + i*deviceContentsResourceSize
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(res.Bus))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(res.Base))
		binary.LittleEndian.PutUint64(buf[off+16:off+24], uint64(res.Size))
	}
}

// ClaimDevice walks path (e.g. "mmio/virtio-18"), CASes the matching
// device's claimed flag, and maps its resources plus a read-only
// DeviceContents header into pt. The header is serialised into a real
// physical page and mapped as a concrete, non-writable entry — not a
// lazy-zero range — so a userspace reader at the returned address sees
// the actual resource table (spec.md §4.5, §4.9). It returns
// EINVALIDADDR for an unknown path, ERESOURCEBUSY if already claimed,
// ENOHEAP if the header doesn't fit a single page, EFAULT if the header
// page lies outside ram, or the error from allocating or mapping a page
// (for example EMAPCONFLICT or ENOMEM).
func (r *Root) ClaimDevice(path PathSource, pt *paging.PageTable, ram *physaddr.RAM) (*DeviceContents, physaddr.Addr, defs.Err_t) {
	if !path.MatchAndAdvance("mmio/") {
		return nil, 0, defs.EINVALIDADDR
	}

	// Longer names are tried first: a name that is a prefix of another
	// ("virtio-1" of "virtio-18") would otherwise consume the path
	// before the longer name is compared.
	candidates := append([]*Device(nil), r.Mmio.Devices...)
	sort.SliceStable(candidates, func(i, j int) bool { return len(candidates[i].Name) > len(candidates[j].Name) })
	var found *Device
	for _, d := range candidates {
		if path.MatchAndAdvance(d.Name) {
			if path.Exhausted() {
				found = d
			}
			break
		}
	}
	if found == nil {
		return nil, 0, defs.EINVALIDADDR
	}
	if !found.TryClaim() {
		return nil, 0, defs.ERESOURCEBUSY
	}

	contents := &DeviceContents{ResourcesCount: uint64(len(found.Resources)), Resources: found.Resources}

	for _, res := range found.Resources {
		if _, err := pt.Map(res.Base, nil, res.Size, devRegionType(res)); err != defs.EOK {
			return nil, 0, err
		}
	}

	headerSize := deviceContentsSize(len(found.Resources))
	if headerSize > paging.PageSize {
		return nil, 0, defs.ENOHEAP
	}

	headerPhys, err := pt.AllocPage()
	if err != defs.EOK {
		return nil, 0, err
	}
	buf, rerr := ram.Bytes(headerPhys, paging.PageSize)
	if rerr != nil {
		return nil, 0, defs.EFAULT
	}
	for i := range buf {
		buf[i] = 0
	}
	writeDeviceContents(buf, contents)

	headerVirt, err := pt.Map(headerPhys, nil, headerSize, defs.Rom)
	if err != defs.EOK {
		return nil, 0, err
	}
	return contents, headerVirt, defs.EOK
}

// devRegionType applies spec.md §4.5's page-alignment policy: a
// resource whose size is not a whole number of pages is left without
// the USER bit (modelled here as Rom, which paging.regionWritable
// treats as non-writable and which callers must proxy through a
// kernel fault handler); a page-aligned resource is mapped as
// ordinary device memory.
func devRegionType(res Resource) defs.RegionType {
	if res.Size%paging.PageSize != 0 {
		return defs.Rom
	}
	return defs.Mmio
}
