// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator: runtime.sysReserve/sysMap/sysAlloc are redirected
// onto the kernelcore entry points, which wrap the bitmap frame allocator
// and the page-table manager.
package goruntime

import (
	"unsafe"

	"github.com/ophion-os/ophion/kernel"
	"github.com/ophion-os/ophion/kernel/kernelcore"
	"github.com/ophion-os/ophion/kernel/mem"
	"github.com/ophion-os/ophion/kernel/mem/addr"
	"github.com/ophion-os/ophion/kernel/mem/vmm"
)

const page4KiB = uint64(4096)

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)

	start, err := kernelcore.ReserveUnmanaged(uint64(regionSize))
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	*reserved = true
	return unsafe.Pointer(uintptr(start.Uint64()))
}

// sysMap backs a memory region previously reserved via sysReserve with
// freshly allocated physical frames, one per page. Every page gets its own
// distinct frame: there is no fault-driven sharing machinery in this
// kernel, so a mapping handed to the Go runtime must be writable and
// unaliased from the moment it is installed.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	// We trust the allocator to call sysMap with an address inside a
	// reserved region.
	regionStart := (uintptr(virtAddr) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)
	pageCount := uint64(regionSize) >> mem.PageShift

	mapFlags := vmm.FlagRW | vmm.FlagNoExecute
	virt := addr.VirtAddr(uint64(regionStart))
	for i := uint64(0); i < pageCount; i++ {
		page, pageErr := addr.New[addr.VirtAddr, addr.Page4KiB](virt)
		if pageErr != nil {
			return unsafe.Pointer(uintptr(0))
		}

		frame, frameErr := kernelcore.AllocFrame()
		if frameErr != nil {
			return unsafe.Pointer(uintptr(0))
		}

		flush, mapErr := kernelcore.Map(page, frame, mapFlags, false)
		if mapErr != nil {
			return unsafe.Pointer(uintptr(0))
		}
		flush.Flush()

		virt = virt.Add(page4KiB)
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStart)
}

// sysAlloc reserves enough physical frames to satisfy the allocation
// request and establishes a contiguous virtual page mapping for them,
// returning the pointer to the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)

	start, err := kernelcore.ReserveUnmanaged(uint64(regionSize))
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mapFlags := vmm.FlagRW | vmm.FlagNoExecute
	pageCount := uint64(regionSize) >> mem.PageShift
	virt := start
	for i := uint64(0); i < pageCount; i++ {
		page, pageErr := addr.New[addr.VirtAddr, addr.Page4KiB](virt)
		if pageErr != nil {
			return unsafe.Pointer(uintptr(0))
		}

		frame, frameErr := kernelcore.AllocFrame()
		if frameErr != nil {
			return unsafe.Pointer(uintptr(0))
		}

		flush, mapErr := kernelcore.Map(page, frame, mapFlags, false)
		if mapErr != nil {
			return unsafe.Pointer(uintptr(0))
		}
		flush.Flush()

		virt = virt.Add(page4KiB)
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(uintptr(start.Uint64()))
}

// Init anchors the go:redirect-from hooks above against kernelcore's live
// state. The hooks themselves take effect at link time; there is no
// separate per-boot setup step they need beyond kernelcore.Init having
// already run, which kmain guarantees by calling this afterward.
func Init() *kernel.Error {
	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file. Each requests a zero-length region, so none of them touch
	// kernelcore before it is initialized.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}
