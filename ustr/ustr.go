// Package ustr implements the userspace string accessor of spec.md
// C11: a TOCTOU-safe byte-at-a-time view into another address space's
// string, resolved through the page table rather than a raw pointer
// dereference.
//
// Grounded on biscuit's Ustr type (kernel/fs/fs.go's path-matching
// helpers): head()/tail() style prefix walking over an untrusted path,
// generalised here to re-resolve its kernel pointer at every page
// boundary via paging.PageTable.UserspaceAddrToKernelAddr instead of
// biscuit's direct process-memory slice (which Go cannot offer for a
// simulated address space).
package ustr

import (
	"aarch64kernel/defs"
	"aarch64kernel/paging"
	"aarch64kernel/physaddr"
)

// UserspaceStr is an immutable view of len bytes starting at user_base
// in the address space owned by rootPageTable (spec.md §4.10). Copies
// are cheap (it carries no allocation of its own) and two views never
// alias mutable state, so re-slicing via Tail never has to reacquire
// the page table lock more than once per page crossing.
type UserspaceStr struct {
	root     *paging.PageTable
	ram      *physaddr.RAM
	readFile paging.ReadFile
	userBase physaddr.Addr
	length   int
	kernel   physaddr.Addr // kernel address backing userBase, valid for this page
	pageSize physaddr.Addr
}

// New resolves the first page backing [userBase, userBase+length) and
// returns a view over it.
func New(root *paging.PageTable, ram *physaddr.RAM, readFile paging.ReadFile, userBase physaddr.Addr, length int) (UserspaceStr, defs.Err_t) {
	u := UserspaceStr{root: root, ram: ram, readFile: readFile, userBase: userBase, length: length, pageSize: paging.PageSize}
	if length == 0 {
		return u, defs.EOK
	}
	kaddr, err := root.UserspaceAddrToKernelAddr(userBase, defs.Ram, readFile)
	if err != defs.EOK {
		return UserspaceStr{}, err
	}
	u.kernel = kaddr
	return u, defs.EOK
}

// Head returns the first byte of the view. It panics on an empty view
// (spec.md §4.10).
func (u UserspaceStr) Head() byte {
	if u.length == 0 {
		panic("ustr: Head of empty UserspaceStr")
	}
	buf, err := u.ram.Bytes(u.kernel, 1)
	if err != nil {
		panic("ustr: kernel address no longer valid")
	}
	return buf[0]
}

// Tail returns the view advanced by one byte, re-resolving the kernel
// pointer if that crosses a page boundary. It panics on an empty view.
func (u UserspaceStr) Tail() UserspaceStr {
	if u.length == 0 {
		panic("ustr: Tail of empty UserspaceStr")
	}
	next := u
	next.userBase++
	next.length--
	next.kernel++

	if next.length > 0 && next.userBase%next.pageSize == 0 {
		kaddr, err := next.root.UserspaceAddrToKernelAddr(next.userBase, defs.Ram, next.readFile)
		if err != defs.EOK {
			panic("ustr: failed to resolve next page")
		}
		next.kernel = kaddr
	}
	return next
}

// MatchAndAdvance consumes len(prefix) bytes if they match exactly,
// returning the advanced view and true; otherwise it returns the
// receiver unchanged and false. Cursor wraps this to implement
// devtree.PathSource.
func (u UserspaceStr) MatchAndAdvance(prefix string) (UserspaceStr, bool) {
	cur := u
	for i := 0; i < len(prefix); i++ {
		if cur.length == 0 || cur.Head() != prefix[i] {
			return u, false
		}
		cur = cur.Tail()
	}
	return cur, true
}

func (u UserspaceStr) Exhausted() bool { return u.length == 0 }
func (u UserspaceStr) Len() int        { return u.length }

// Cursor adapts the value-semantic UserspaceStr to devtree.PathSource,
// which needs a mutating MatchAndAdvance(prefix string) bool: each
// call either advances the cursor past prefix or leaves it untouched.
type Cursor struct {
	cur UserspaceStr
}

func NewCursor(u UserspaceStr) *Cursor { return &Cursor{cur: u} }

func (c *Cursor) MatchAndAdvance(prefix string) bool {
	next, ok := c.cur.MatchAndAdvance(prefix)
	if !ok {
		return false
	}
	c.cur = next
	return true
}

func (c *Cursor) Exhausted() bool { return c.cur.Exhausted() }
