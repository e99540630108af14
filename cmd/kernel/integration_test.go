package main

import (
	"bytes"
	"encoding/binary"
	"testing"

	"aarch64kernel/abi"
	"aarch64kernel/defs"
	"aarch64kernel/devtree"
	"aarch64kernel/loader"
	"aarch64kernel/memmap"
	"aarch64kernel/paging"
	"aarch64kernel/physaddr"
	"aarch64kernel/slab"
	"aarch64kernel/thread"
	"aarch64kernel/ustr"
)

const (
	ptLoad = 1
	pfX    = 1
	pfR    = 4
)

// buildSyntheticELF assembles a minimal ET_EXEC AArch64 ELF64 image
// with one PT_LOAD segment, standing in for a real userspace binary
// loaded off disk — there is no retained binary here to boot for
// real, but the wiring that would load one is the same.
func buildSyntheticELF() []byte {
	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /*64*/, 1 /*LSB*/, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(2))   // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(183)) // e_machine = EM_AARCH64
	binary.Write(&buf, binary.LittleEndian, uint32(1))   // e_version
	binary.Write(&buf, binary.LittleEndian, uint64(0x40_0000)) // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(64))        // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))         // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))         // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(64))        // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(56))        // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(1))         // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))         // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))         // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))         // e_shstrndx

	binary.Write(&buf, binary.LittleEndian, uint32(ptLoad))
	binary.Write(&buf, binary.LittleEndian, uint32(pfR|pfX))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))    // p_offset
	binary.Write(&buf, binary.LittleEndian, uint64(0x40_0000)) // p_vaddr
	binary.Write(&buf, binary.LittleEndian, uint64(0x40_0000)) // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(0x800))     // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))    // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))    // p_align

	for buf.Len() < 0x1000 {
		buf.WriteByte(0)
	}
	for i := 0; i < 0x800; i++ {
		buf.WriteByte(byte(i))
	}
	return buf.Bytes()
}

// TestBootPathLoadsExecAndClaimsDevice drives the two C5/C6 components
// main's own RunCPUs loop never reaches by itself — loading a real
// executable image and claiming an enumerated MMIO device — through
// the same wiring cmd/kernel's boot sequence uses, end to end rather
// than in package-local isolation.
func TestBootPathLoadsExecAndClaimsDevice(t *testing.T) {
	ram := physaddr.NewRAM(1 << 20)

	pageAllocator, err := slab.New(physaddr.Addr(paging.PageSize), paging.PageSize, 64)
	if err != nil {
		t.Fatalf("slab.New: %v", err)
	}
	pt := paging.NewUserspace(defs.Asid_t(1), ram, 0)
	pt.WithPageSource(pageSourceFromSlab(pageAllocator))

	elfBytes := buildSyntheticELF()
	img, loadErr := loader.ReadExe(bytes.NewReader(elfBytes), pt, false)
	if loadErr != defs.EOK {
		t.Fatalf("loader.ReadExe: %v", loadErr)
	}
	if img.Entry != 0x40_0000 {
		t.Fatalf("unexpected entry %#x", img.Entry)
	}

	block, pieceErr := img.LoadSegmentPiece(ram, func() (physaddr.Addr, defs.Err_t) { return pageAllocator.TryAlloc() }, 0x40_0000, paging.PageSize)
	if pieceErr != defs.EOK {
		t.Fatalf("LoadSegmentPiece: %v", pieceErr)
	}
	segBytes, _ := ram.Bytes(block, paging.PageSize)
	for i := 0; i < 0x800; i++ {
		if segBytes[i] != byte(i) {
			t.Fatalf("segment byte %d = %d, want %d", i, segBytes[i], byte(i))
		}
	}

	// Dropping the system's last thread is fatal by design (thread.Drop),
	// so this thread is deliberately left live for the test's duration
	// rather than torn down.
	th, threadErr := thread.New(pt, uint64(img.Entry), 0, paging.PageSize, 1)
	if threadErr != defs.EOK {
		t.Fatalf("thread.New: %v", threadErr)
	}
	if th.Elr != uint64(img.Entry) {
		t.Fatalf("thread elr = %#x, want loaded entry %#x", th.Elr, img.Entry)
	}

	// Place a synthetic VirtIO MMIO device well past the slab arena
	// and the loaded segment's physical page, and enumerate/claim it
	// exactly as cmd/kernel's main would for a real device tree.
	const mmioBase = physaddr.Addr(0x0006_0000)
	mmioRegs, mmioErr := ram.Bytes(mmioBase, physaddr.Addr(abi.DeviceStride))
	if mmioErr != nil {
		t.Fatalf("ram.Bytes(mmio window): %v", mmioErr)
	}
	binary.LittleEndian.PutUint32(mmioRegs[abi.RegMagicValue:], abi.VirtIOMagic)
	binary.LittleEndian.PutUint32(mmioRegs[abi.RegDeviceID:], 18)

	root := devtree.NewRoot(memmap.NewMap())
	if err := root.ProbeMMIO(ram, mmioBase, 1, physaddr.Addr(abi.DeviceStride)); err != nil {
		t.Fatalf("ProbeMMIO: %v", err)
	}
	if len(root.Mmio.Devices) != 1 {
		t.Fatalf("expected 1 probed device, got %d", len(root.Mmio.Devices))
	}

	// Write the claim path into a page of the same address space, then
	// read it back through ustr.UserspaceStr the way a real
	// claim_device syscall handler would, rather than handing
	// ClaimDevice a trusted Go string.
	const pathPhys = physaddr.Addr(0x0007_0000)
	const path = "mmio/virtio-18"
	pathBuf, pathErr := ram.Bytes(pathPhys, paging.PageSize)
	if pathErr != nil {
		t.Fatalf("ram.Bytes(path page): %v", pathErr)
	}
	copy(pathBuf, path)
	pathVirt, mapErr := pt.Map(pathPhys, nil, paging.PageSize, defs.Ram)
	if mapErr != defs.EOK {
		t.Fatalf("mapping claim path: %v", mapErr)
	}
	view, viewErr := ustr.New(pt, ram, nil, pathVirt, len(path))
	if viewErr != defs.EOK {
		t.Fatalf("ustr.New: %v", viewErr)
	}

	contents, headerVirt, claimErr := root.ClaimDevice(ustr.NewCursor(view), pt, ram)
	if claimErr != defs.EOK {
		t.Fatalf("ClaimDevice: %v", claimErr)
	}
	if headerVirt == 0 || contents.ResourcesCount != 1 {
		t.Fatalf("unexpected claim result: addr=%#x contents=%+v", headerVirt, contents)
	}
}
