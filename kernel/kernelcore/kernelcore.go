// Package kernelcore re-exposes the memory subsystem that package bringup
// assembled during early boot to the rest of the kernel: the active page
// directory (with the direct-mapping offset the committed VMLayout settled
// on), allocation entry points wrapping the bitmap allocator, and a
// bump-style sub-allocator over a dedicated "kernel unmanaged" region for
// mappings made once at boot and never freed (ACPI tables, APIC MMIO,
// module images).
//
// The package is a single process-wide instance with a one-shot Init:
// calling Init twice is a mistake the caller made, not a recoverable
// condition, so it returns an error the bring-up sequence is expected to
// treat as fatal; every other accessor panics if called before Init, except
// ReserveUnmanaged with a zero size, which returns the null address at once.
package kernelcore

import (
	"sync"

	"github.com/ophion-os/ophion/kernel"
	"github.com/ophion-os/ophion/kernel/bringup"
	"github.com/ophion-os/ophion/kernel/mem/addr"
	"github.com/ophion-os/ophion/kernel/mem/kaslr"
	"github.com/ophion-os/ophion/kernel/mem/pmm"
	"github.com/ophion-os/ophion/kernel/mem/vmm"
)

var (
	// ErrAlreadyInitialized is returned by Init if it is called more than
	// once in a boot.
	ErrAlreadyInitialized = &kernel.Error{Module: "kernelcore", Message: "kernelcore.Init called more than once"}

	// errNotInitialized backs the panic every other accessor raises if
	// called before Init.
	errNotInitialized = &kernel.Error{Module: "kernelcore", Message: "kernelcore accessed before Init"}

	// ErrVirtualRangeExhausted is returned by ReserveUnmanaged when the
	// kernel unmanaged region has no room left for the request.
	ErrVirtualRangeExhausted = &kernel.Error{Module: "kernelcore", Message: "kernel unmanaged virtual region exhausted"}
)

// unmanagedRegionSize bounds the kernel unmanaged region: ample room for
// the ACPI tables, APIC MMIO windows and module images a single kernel
// boot ever needs. The region starts at the first 4KiB boundary above the
// kernel text; when fewer than unmanagedRegionSize bytes lie between there
// and the top of the address space, it ends at the top of the address
// space instead.
const unmanagedRegionSize = 64 * 1024 * 1024 * 1024

// mu guards every package-level field below. The bitmap allocator already
// holds its own lock for the bit array and counter; this lock additionally
// serializes the page directory and the unmanaged-region cursor, which the
// allocator's lock doesn't cover.
var (
	mu   sync.Mutex
	done bool

	pageDir   vmm.PageDir
	allocator *pmm.BitmapAllocator
	layout    kaslr.VMLayout

	unmanagedCursor addr.VirtAddr
	unmanagedEnd    addr.VirtAddr
)

// Init commits the result of bringup.Run as the kernel's permanent memory
// state. It must be called exactly once, on the bootstrap CPU, before any
// other function in this package.
func Init(result bringup.Result) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	if done {
		return ErrAlreadyInitialized
	}

	pageDir = result.PageDir
	allocator = result.Allocator
	layout = result.Layout

	unmanagedCursor = layout.KernelText.End().AlignUp(4096)
	unmanagedEnd = unmanagedCursor.Add(unmanagedRegionSize)

	done = true
	return nil
}

// requireInit panics with errNotInitialized if Init has not yet run. Callers
// hold mu already, matching the locking discipline of every other accessor.
func requireInit() {
	if !done {
		kernel.Panic(errNotInitialized)
	}
}

// ActivePageDir returns the page directory bring-up installed, already
// carrying the committed direct-mapping offset.
func ActivePageDir() vmm.PageDir {
	mu.Lock()
	defer mu.Unlock()
	requireInit()
	return pageDir
}

// Layout returns the VMLayout committed once at boot; it is immutable
// after bring-up.
func Layout() kaslr.VMLayout {
	mu.Lock()
	defer mu.Unlock()
	requireInit()
	return layout
}

// AllocFrame hands out a single physical frame from the live bitmap
// allocator.
func AllocFrame() (pmm.Frame4K, *kernel.Error) {
	mu.Lock()
	a := allocator
	ok := done
	mu.Unlock()

	if !ok {
		kernel.Panic(errNotInitialized)
	}
	return a.AllocOne()
}

// FreeFrame returns f to the live bitmap allocator.
func FreeFrame(f pmm.Frame4K) *kernel.Error {
	mu.Lock()
	a := allocator
	ok := done
	mu.Unlock()

	if !ok {
		kernel.Panic(errNotInitialized)
	}
	return a.FreeOne(f)
}

// Map installs a mapping from virt to phys in the active page directory,
// allocating any needed intermediate tables from the live bitmap allocator.
// It returns a must-use flush token the caller is responsible for
// consuming.
func Map[S addr.PageSize](virt addr.Frame[addr.VirtAddr, S], phys addr.Frame[addr.PhysAddr, S], flags vmm.PTFlag, remap bool) (*vmm.SingleFlush, *kernel.Error) {
	mu.Lock()
	pd, a, ok := pageDir, allocator, done
	mu.Unlock()

	if !ok {
		kernel.Panic(errNotInitialized)
	}
	return vmm.Map(pd, a.AllocOne, virt, phys, flags, remap)
}

// Unmap clears virt's mapping in the active page directory.
func Unmap[S addr.PageSize](virt addr.Frame[addr.VirtAddr, S]) (*vmm.SingleFlush, *kernel.Error) {
	mu.Lock()
	pd, ok := pageDir, done
	mu.Unlock()

	if !ok {
		kernel.Panic(errNotInitialized)
	}
	return vmm.Unmap(pd, virt)
}

// Translate resolves virt to its currently mapped physical address.
func Translate(virt addr.VirtAddr) (addr.PhysAddr, *kernel.Error) {
	mu.Lock()
	pd, ok := pageDir, done
	mu.Unlock()

	if !ok {
		kernel.Panic(errNotInitialized)
	}
	return vmm.Translate(pd, virt)
}

// ReserveUnmanaged hands out a fresh, 4KiB-aligned virtual range of at
// least size bytes from the kernel unmanaged region, in address order. It
// never returns a previously handed-out range — ranges reserved through
// this function live for the kernel's lifetime. The caller is responsible
// for mapping the range; ReserveUnmanaged only carves out the virtual
// addresses.
func ReserveUnmanaged(size uint64) (addr.VirtAddr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}

	mu.Lock()
	defer mu.Unlock()
	requireInit()

	pages := (size + 4095) / 4096
	reserved := pages * 4096

	// The region ends at unmanagedEnd or at the top of the address space,
	// whichever comes first.
	end := unmanagedEnd.Uint64()
	if end < unmanagedCursor.Uint64() {
		end = ^uint64(0) &^ 4095
	}
	if reserved > end-unmanagedCursor.Uint64() {
		return 0, ErrVirtualRangeExhausted
	}

	start := unmanagedCursor
	unmanagedCursor = unmanagedCursor.Add(reserved)
	return start, nil
}
