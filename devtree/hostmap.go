package devtree

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"aarch64kernel/physaddr"
)

// HostMMIOWindow is a host-simulated VirtIO MMIO register window: on
// real hardware a bus probe reads device registers directly out of
// physical memory, but this repository runs as an ordinary process,
// so the window is backed by a genuine anonymous unix.Mmap mapping
// rather than a plain byte slice. That keeps claim_device's "map the
// physical range into the caller's address space" step (spec.md
// §4.5) exercising real page-granular mmap/munmap semantics, the same
// way canonical-snapd and smoynes-elsie lean on golang.org/x/sys/unix
// for host-side device/memory simulation instead of hand-rolled
// byte buffers.
type HostMMIOWindow struct {
	data []byte
}

// NewHostMMIOWindow mmaps an anonymous, zeroed region of size bytes
// (rounded up to the host page size by the kernel) to back simulated
// MMIO register space; RAM exposes it with physical address 0 at the
// start of the mapping.
func NewHostMMIOWindow(size int) (*HostMMIOWindow, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("devtree: mmap host mmio window: %w", err)
	}
	return &HostMMIOWindow{data: data}, nil
}

// Close munmaps the window. A second call finds the window already
// unmapped and returns nil.
func (w *HostMMIOWindow) Close() error {
	if w.data == nil {
		return nil
	}
	err := unix.Munmap(w.data)
	w.data = nil
	return err
}

// RAM exposes the window as a physaddr.RAM so ProbeMMIO and
// claim_device's mapping step can address it like any other physical
// range.
func (w *HostMMIOWindow) RAM() *physaddr.RAM { return physaddr.NewRAMFromBuffer(w.data) }

// WriteVirtIOHeader stamps the magic value and device-type registers
// a real VirtIO MMIO device exposes at the start of its window, for
// host-side simulation of the probe sequence ProbeMMIO runs.
func (w *HostMMIOWindow) WriteVirtIOHeader(deviceType uint32) {
	binary.LittleEndian.PutUint32(w.data[regMagicValue:], virtioMMIOMagic)
	binary.LittleEndian.PutUint32(w.data[regDeviceID:], deviceType)
}
