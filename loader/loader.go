// Package loader implements the executable image loader of spec.md
// C5: ELF header validation, a sorted non-overlapping segment table,
// and on-demand segment materialisation via lazy paging.
//
// Grounded on biscuit's kernel/main.go chentry (the header-validation
// checklist: class, endianness, machine, type, phentsize, entry point
// contained in a loaded segment) retargeted from EM_X86_64/ET_EXEC to
// EM_AARCH64, and on vm.Vmadd_file's lazy-file-page path for
// load_segment_piece's zero-fill/seek/read/CoW branching. No ELF
// *reader* library exists anywhere in the retrieval pack (the two ELF
// files under other_examples/ are dynamic-linker *writers*), so this
// stays on stdlib debug/elf the way chentry does.
package loader

import (
	"debug/elf"
	"io"
	"sort"
	"sync"

	"aarch64kernel/defs"
	"aarch64kernel/paging"
	"aarch64kernel/physaddr"
	"aarch64kernel/util"
)

// Segment is one loaded program header, kept in vaddr order.
type Segment struct {
	Vaddr   physaddr.Addr
	FileOff int64
	FileSz  physaddr.Addr
	MemSz   physaddr.Addr
	Flags   elf.ProgFlag
}

func (s Segment) writable() bool { return s.Flags&elf.PF_W != 0 }

// ExeImage is the loaded image shared by every thread in a process
// (spec.md §3 "Exec image"): the reader is held under a mutex so
// load_segment_piece can try-lock it rather than block a faulting
// thread indefinitely.
type ExeImage struct {
	readerMu sync.Mutex
	reader   io.ReaderAt

	Entry      physaddr.Addr
	PageTable  *paging.PageTable
	Segments   []Segment
	alreadyInterp bool
}

// ReadExe validates r as an AArch64 executable ELF, builds its sorted
// segment table, and installs a lazy file-backed mapping for every
// PT_LOAD segment in pt. alreadyInterp must be true only when this
// call is loading the PT_INTERP target of another image, enforcing
// spec.md §4.4's one-level interpreter recursion cap.
func ReadExe(r io.ReaderAt, pt *paging.PageTable, alreadyInterp bool) (*ExeImage, defs.Err_t) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, defs.EELFINVALID
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_AARCH64 {
		return nil, defs.EELFINVALID
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, defs.EELFINVALID
	}

	var loads []Segment
	var interpPath string
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			loads = append(loads, Segment{
				Vaddr:   physaddr.Addr(p.Vaddr),
				FileOff: int64(p.Off),
				FileSz:  physaddr.Addr(p.Filesz),
				MemSz:   physaddr.Addr(p.Memsz),
				Flags:   p.Flags,
			})
		case elf.PT_INTERP:
			if alreadyInterp {
				return nil, defs.EINTERPINTERP
			}
			buf := make([]byte, p.Filesz)
			if _, err := r.ReadAt(buf, int64(p.Off)); err == nil {
				interpPath = string(buf)
			}
		}
	}
	_ = interpPath // the interpreter path is read and discarded: ReadExe does not load an interpreter, and PT_INTERP only matters through the alreadyInterp check above.

	sort.Slice(loads, func(i, j int) bool { return loads[i].Vaddr < loads[j].Vaddr })
	for i := 1; i < len(loads); i++ {
		if loads[i].Vaddr < loads[i-1].Vaddr+loads[i-1].MemSz {
			return nil, defs.ESEGMENTOVERLAP
		}
	}

	entryFound := false
	for _, s := range loads {
		if physaddr.Addr(f.Entry) >= s.Vaddr && physaddr.Addr(f.Entry) < s.Vaddr+s.MemSz {
			entryFound = true
			break
		}
	}
	if !entryFound {
		return nil, defs.EENTRYNOTINSEG
	}

	img := &ExeImage{
		reader:        r,
		Entry:         physaddr.Addr(f.Entry),
		PageTable:     pt,
		Segments:      loads,
		alreadyInterp: alreadyInterp,
	}

	// Nothing is read from the file until demand: install a lazy
	// range per segment (spec.md §4.4).
	for _, s := range loads {
		vb := s.Vaddr
		if _, err := pt.MapExeFile(&vb, s.MemSz); err != defs.EOK {
			return nil, err
		}
	}
	return img, defs.EOK
}

// segmentFor returns the loaded segment containing base, if any.
func (img *ExeImage) segmentFor(base physaddr.Addr) (Segment, bool) {
	for _, s := range img.Segments {
		if base >= s.Vaddr && base < s.Vaddr+s.MemSz {
			return s, true
		}
	}
	return Segment{}, false
}

// LoadSegmentPiece materialises [base, base+size) on demand (spec.md
// §4.4). base and base+size are first aligned to the page. If the
// piece lies entirely past file_sz it is .bss-like: a fresh block is
// allocated via alloc, zero-filled and returned, and the caller owns
// it (the shared zero page is not used). Otherwise a fresh block is
// allocated, zero-padded outside the file-backed intersection, and
// filled from the reader under a
// try-lock — contention returns EWOULDBLOCK for the caller to retry;
// any other read error is fatal to the thread.
func (img *ExeImage) LoadSegmentPiece(ram *physaddr.RAM, alloc func() (physaddr.Addr, defs.Err_t), base, size physaddr.Addr) (physaddr.Addr, defs.Err_t) {
	base = base &^ (paging.PageSize - 1)
	end := (base + size + paging.PageSize - 1) &^ (paging.PageSize - 1)
	size = end - base

	seg, ok := img.segmentFor(base)
	if !ok {
		return 0, defs.EFAULT
	}

	if base >= seg.Vaddr+seg.FileSz {
		// Entirely past file_sz: .bss-like, backed by a freshly
		// allocated, zero-filled private block.
		block, err := alloc()
		if err != defs.EOK {
			return 0, err
		}
		buf, rerr := ram.Bytes(block, size)
		if rerr != nil {
			return 0, defs.EFAULT
		}
		for i := range buf {
			buf[i] = 0
		}
		return block, defs.EOK
	}

	if !img.readerMu.TryLock() {
		return 0, defs.EWOULDBLOCK
	}
	defer img.readerMu.Unlock()

	block, err := alloc()
	if err != defs.EOK {
		return 0, err
	}
	buf, rerr := ram.Bytes(block, size)
	if rerr != nil {
		return 0, defs.EFAULT
	}
	for i := range buf {
		buf[i] = 0
	}

	fileIntersectStart := util.Max(base, seg.Vaddr)
	fileIntersectEnd := util.Min(end, seg.Vaddr+seg.FileSz)
	if fileIntersectEnd > fileIntersectStart {
		fileOff := seg.FileOff + int64(fileIntersectStart-seg.Vaddr)
		dst := buf[fileIntersectStart-base : fileIntersectEnd-base]
		n, rerr := img.reader.ReadAt(dst, fileOff)
		if rerr != nil && rerr != io.EOF {
			return 0, defs.EIO
		}
		if n < len(dst) && rerr != io.EOF {
			return 0, defs.EIO
		}
	}

	return block, defs.EOK
}
