// Package abi holds the small closed vocabulary that crosses the
// kernel/userspace boundary: syscall numbers, the claim_device path
// grammar, VirtIO MMIO register offsets, and the device-tree blob
// format range (spec.md §6).
//
// Grounded on tinyrange-cc's internal/devices/virtio-mmio.go for the
// named, offset-commented const block convention the register table
// below follows, and on biscuit's caller.Callerdump
// (kernel/caller/caller.go) for Dump, a runtime.Callers-based
// stack-trace helper for diagnostics.
package abi

import (
	"fmt"
	"runtime"
	"strings"
)

// Syscall numbers (aarch64 svc immediate), spec.md §6.
const (
	SysThreadExit   uint16 = 0x0000
	SysThreadSleep  uint16 = 0x0001
	SysThreadSpawn  uint16 = 0x0002
	SysClaimDevice  uint16 = 0x00ff
	SysPanic        uint16 = 0xaaaa
	SysPutchar      uint16 = 0xff00
)

// VirtIO MMIO layout (spec.md §6): base is platform-dependent, 32
// devices each DeviceStride bytes.
const (
	VirtIOMagic       uint32 = 0x74726976 // "virt"
	RegMagicValue            = 0x000
	RegDeviceID              = 0x008
	DeviceStride      uint64 = 0x200
	MaxMMIODevices           = 32
)

// Device-tree blob format range (spec.md §6).
const (
	FDTMagic       uint32 = 0xd00dfeed
	FDTMinVersion  uint32 = 0x01
	FDTMaxVersion  uint32 = 0x11
)

// ClaimGrammarSeparator separates the "bus_type/device_name" path grammar
// (spec.md §6); no wildcards in this version.
const ClaimGrammarSeparator = "/"

// SplitClaimPath validates and splits a claim_device path into its bus
// and device components.
func SplitClaimPath(path string) (bus, device string, ok bool) {
	i := strings.IndexByte(path, '/')
	if i < 0 || i == 0 || i == len(path)-1 {
		return "", "", false
	}
	if strings.ContainsRune(path[i+1:], '/') {
		return "", "", false // no wildcards/nesting in this version
	}
	return path[:i], path[i+1:], true
}

// Dump renders a short stack trace of its caller, skipping skip
// frames, for diagnostics; adapted from biscuit's caller.Callerdump.
// No package in this module calls it.
func Dump(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return b.String()
}
