package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"aarch64kernel/defs"
	"aarch64kernel/paging"
	"aarch64kernel/physaddr"
)

const (
	ptLoad = 1
	pfX    = 1
	pfR    = 4
)

// buildELF assembles a minimal ET_EXEC AArch64 ELF64 with a single
// PT_LOAD segment: vaddr=0x40_0000, file_off=0x1000, file_sz=0x1800,
// mem_sz=0x3000, flags=R+X — the exact layout of spec.md §8 scenario 3.
func buildELF(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /*64*/, 1 /*LSB*/, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(2))   // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(183))  // e_machine = EM_AARCH64
	binary.Write(&buf, binary.LittleEndian, uint32(1))    // e_version
	binary.Write(&buf, binary.LittleEndian, uint64(0x40_1000)) // e_entry, inside the segment
	binary.Write(&buf, binary.LittleEndian, uint64(64))   // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))    // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))    // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(64))   // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(56))   // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(1))    // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))    // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))    // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))    // e_shstrndx

	binary.Write(&buf, binary.LittleEndian, uint32(ptLoad))
	binary.Write(&buf, binary.LittleEndian, uint32(pfR|pfX))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))    // p_offset
	binary.Write(&buf, binary.LittleEndian, uint64(0x40_0000)) // p_vaddr
	binary.Write(&buf, binary.LittleEndian, uint64(0x40_0000)) // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(0x1800))    // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint64(0x3000))    // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))    // p_align

	for buf.Len() < 0x1000 {
		buf.WriteByte(0)
	}
	for i := 0; i < 0x1800; i++ {
		buf.WriteByte(byte(i))
	}
	return buf.Bytes()
}

func TestReadExeValidatesAndBuildsSegments(t *testing.T) {
	elfBytes := buildELF(t)
	ram := physaddr.NewRAM(1 << 20)
	pt := paging.NewUserspace(1, ram, 0)

	img, err := ReadExe(bytes.NewReader(elfBytes), pt, false)
	if err != defs.EOK {
		t.Fatalf("ReadExe: %v", err)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(img.Segments))
	}
	if img.Entry != 0x40_1000 {
		t.Fatalf("unexpected entry %#x", img.Entry)
	}
}

func TestLoadSegmentPieceFileBacked(t *testing.T) {
	elfBytes := buildELF(t)
	ram := physaddr.NewRAM(1 << 20)
	pt := paging.NewUserspace(1, ram, 0)
	img, err := ReadExe(bytes.NewReader(elfBytes), pt, false)
	if err != defs.EOK {
		t.Fatalf("ReadExe: %v", err)
	}

	var next physaddr.Addr = paging.PageSize
	alloc := func() (physaddr.Addr, defs.Err_t) {
		p := next
		next += paging.PageSize
		return p, defs.EOK
	}

	block, err := img.LoadSegmentPiece(ram, alloc, 0x40_0000, 0x1000)
	if err != defs.EOK {
		t.Fatalf("LoadSegmentPiece: %v", err)
	}
	got, _ := ram.Bytes(block, 0x1000)
	for i := 0; i < 0x1000; i++ {
		if got[i] != byte(i) {
			t.Fatalf("byte %d: got %d want %d", i, got[i], byte(i))
		}
	}
}

func TestLoadSegmentPieceBssIsZeroFilled(t *testing.T) {
	elfBytes := buildELF(t)
	ram := physaddr.NewRAM(1 << 20)
	pt := paging.NewUserspace(1, ram, 0)
	img, err := ReadExe(bytes.NewReader(elfBytes), pt, false)
	if err != defs.EOK {
		t.Fatalf("ReadExe: %v", err)
	}

	var next physaddr.Addr = paging.PageSize
	alloc := func() (physaddr.Addr, defs.Err_t) {
		p := next
		next += paging.PageSize
		return p, defs.EOK
	}

	// 0x40_2000 is past file_sz (0x1800 bytes from vaddr 0x40_0000 ends
	// at 0x40_1800) but still within mem_sz (ends at 0x40_3000).
	block, err := img.LoadSegmentPiece(ram, alloc, 0x40_2000, 0x1000)
	if err != defs.EOK {
		t.Fatalf("LoadSegmentPiece: %v", err)
	}
	got, _ := ram.Bytes(block, 0x1000)
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d not zero: %d", i, b)
		}
	}
}

func TestReadExeRejectsWrongMachine(t *testing.T) {
	elfBytes := buildELF(t)
	elfBytes[18] = 0x3e // EM_X86_64 low byte
	ram := physaddr.NewRAM(1 << 20)
	pt := paging.NewUserspace(1, ram, 0)
	if _, err := ReadExe(bytes.NewReader(elfBytes), pt, false); err != defs.EELFINVALID {
		t.Fatalf("expected EELFINVALID, got %v", err)
	}
}
