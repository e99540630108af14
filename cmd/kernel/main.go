// Command kernel is the boot entry point: it parses a device-tree
// blob, builds the physical memory map, enumerates the MMIO bus for
// VirtIO devices, and brings up one scheduler goroutine per CPU.
//
// Grounded on biscuit's mem.Phys_init boot sequence
// (biscuit/src/mem/mem.go): reserve pages, build the physical
// allocator, print a summary, then hand off to the scheduler. Real
// hardware boot (a9/a10 reset vector, MMU enable, stack setup) and the
// architecture trampoline assembly are outside this module's scope
// (spec.md §1 scopes "hosted/semihost I/O" and boot assembly out);
// this command assembles every in-scope subsystem and documents the
// one seam (thread.Trampoline) a real port must supply.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"aarch64kernel/abi"
	"aarch64kernel/defs"
	"aarch64kernel/devtree"
	"aarch64kernel/memmap"
	"aarch64kernel/paging"
	"aarch64kernel/physaddr"
	"aarch64kernel/sched"
	"aarch64kernel/slab"
	"aarch64kernel/thread"
)

func main() {
	dtbPath := flag.String("dtb", "", "path to a flattened device-tree blob")
	cpus := flag.Int("cpus", runtime.NumCPU(), "number of scheduler CPUs to bring up")
	mmioBase := flag.Uint64("mmio-base", 0x0a00_0000, "VirtIO MMIO bus base address (qemu-virt default)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	mm, err := loadMemoryMap(*dtbPath)
	if err != nil {
		logger.Error("failed to build physical memory map", "error", err)
		os.Exit(1)
	}

	ramSize := highestPresentEnd(mm)
	fmt.Printf("booting: %d present region(s), ram size %#x (%d MiB)\n", len(mm.Present()), uint64(ramSize), uint64(ramSize)>>20)

	ram := physaddr.NewRAM(ramSize)

	// The zero page (spec.md §9: "shared immutable state with
	// lifetime = process lifetime of the whole kernel; allocate it
	// once at boot") is reserved directly out of page 0, before the
	// slab allocator claims the rest of the arena.
	const zeroPage = physaddr.Addr(0)
	if buf, err := ram.Bytes(zeroPage, paging.PageSize); err == nil {
		for i := range buf {
			buf[i] = 0
		}
	}

	pageAllocator, err := slab.New(paging.PageSize, paging.PageSize, slotCountFor(ramSize))
	if err != nil {
		logger.Error("failed to build boot page allocator", "error", err)
		os.Exit(1)
	}
	logger.Info("boot page allocator ready", "slots", pageAllocator.SlotCount())

	kpt := paging.NewUserspace(defs.KernelASID, ram, zeroPage)
	kpt.WithPageSource(pageSourceFromSlab(pageAllocator))

	root := devtree.NewRoot(mm)
	if err := root.ProbeMMIO(ram, physaddr.Addr(*mmioBase), abi.MaxMMIODevices, physaddr.Addr(abi.DeviceStride)); err != nil {
		logger.Warn("mmio probe incomplete", "error", err)
	}
	logger.Info("device tree enumerated", "mmio_devices", len(root.Mmio.Devices))

	now := bootClock()
	scheduler := sched.New(*cpus, now)
	logger.Info("scheduler configured", "cpus", *cpus)

	preempt := thread.NewPreemptFlags(*cpus)
	tr := &bootTrampoline{preempt: preempt, logger: logger}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	stopCh := make(chan struct{})
	go func() {
		defer close(done)
		if err := scheduler.RunCPUs(tr, 0, stopCh); err != nil {
			logger.Error("scheduler loop exited with error", "error", err)
		}
	}()

	<-ctx.Done()
	close(stopCh)
	<-done
	fmt.Println("kernel: shutdown complete")
}

// loadMemoryMap parses dtbPath if given, otherwise returns an empty
// map (a no-op boot useful for -cpus smoke testing without a real
// device tree blob).
func loadMemoryMap(dtbPath string) (*memmap.Map, error) {
	if dtbPath == "" {
		return memmap.NewMap(), nil
	}
	blob, err := os.ReadFile(dtbPath)
	if err != nil {
		return nil, fmt.Errorf("cmd/kernel: read %s: %w", dtbPath, err)
	}
	return memmap.ParseBlob(blob)
}

func highestPresentEnd(mm *memmap.Map) physaddr.Addr {
	var max physaddr.Addr
	for _, r := range mm.Present() {
		if end := r.Base + r.Size; end > max {
			max = end
		}
	}
	if max == 0 {
		max = 16 << 20 // minimum RAM for a dtb-less smoke boot
	}
	return max
}

// slotCountFor returns the largest power-of-two slab count that fits
// in ramSize pages after reserving the zero page, per slab.New's
// power-of-two invariant (spec.md §3).
func slotCountFor(ramSize physaddr.Addr) int {
	pages := int64(ramSize/paging.PageSize) - 1
	if pages < 1 {
		return 1
	}
	n := 1
	for n*2 <= int(pages) {
		n *= 2
	}
	return n
}

// pageSourceFromSlab adapts a slab.Allocator to the
// func() (physaddr.Addr, defs.Err_t) signature paging.PageTable's
// page source wants: EAllocLocked is spun through (spec.md §4.1 says
// it's retryable), any other error (ESlabEmpty, meaning the arena is
// exhausted) is passed straight through as the fault's result.
func pageSourceFromSlab(a *slab.Allocator) func() (physaddr.Addr, defs.Err_t) {
	return func() (physaddr.Addr, defs.Err_t) {
		for {
			addr, err := a.TryAlloc()
			if err == defs.EALLOCLOCKED {
				runtime.Gosched()
				continue
			}
			return addr, err
		}
	}
}

// bootClock is the microsecond clock sched.New wants; a real port
// reads the architectural timer, this stands in with the host
// monotonic clock.
func bootClock() func() uint64 {
	start := nowMicros()
	return func() uint64 { return nowMicros() - start }
}

// bootTrampoline is a placeholder thread.Trampoline: real hardware
// entry (restoring the thread's register file and dropping to EL0)
// is architecture-specific assembly outside this module's scope
// (spec.md §1). Every thread it "runs" reports Terminated immediately,
// which is enough to exercise the scheduler's dispatch/load-balance
// loop end-to-end without real userspace binaries.
type bootTrampoline struct {
	preempt *thread.PreemptFlags
	logger  *slog.Logger
}

func (t *bootTrampoline) EnterUserspace(pt *paging.PageTable, spsr, elr uint64, trampolineStackPtr uint64, th *thread.Thread) (defs.ThreadStatus, uint64, uint64) {
	t.logger.Debug("enter_userspace placeholder", "elr", fmt.Sprintf("%#x", elr), "spsr", fmt.Sprintf("%#x", spsr))
	return defs.Terminated, spsr, elr
}

func nowMicros() uint64 { return uint64(time.Now().UnixMicro()) }
