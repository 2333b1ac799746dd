// Package bootmem implements the rudimentary bump allocator used to
// bootstrap the kernel before the bitmap allocator (package pmm) takes
// over. It can only ever hand out single 4KiB frames and can never free
// them — once bring-up drains its residue into the bitmap allocator, the
// bitmap owns every frame and this allocator is retired.
package bootmem

import (
	"github.com/ophion-os/ophion/kernel"
	"github.com/ophion-os/ophion/kernel/hal/bootinfo"
	"github.com/ophion-os/ophion/kernel/mem/addr"
)

var (
	// EarlyAllocator is the single boot-time allocator instance used
	// during bring-up. There is exactly one of these and it exists
	// before any allocator could hand out the memory to store one
	// dynamically, so it lives at package level.
	EarlyAllocator Allocator

	errOutOfMemory = &kernel.Error{Module: "bootmem", Message: "out of memory"}
)

const pageSize = uint64(4096)

// Allocator is a linear bump allocator over the available regions of a
// bootinfo.BootInfo. Allocations are tracked purely via the index of the
// last page handed out; regions are always walked in the order the
// bootloader reported them.
type Allocator struct {
	info           *bootinfo.BootInfo
	lastAllocIndex int64
	allocCount     uint64
}

// Init resets the allocator to walk the regions of info, skipping every
// frame below the skip-until boundary: the frame immediately after the last
// one the loader binary or the loaded kernel image occupies. Frames below
// that boundary are in use before this allocator ever runs and must never
// be handed out.
func (a *Allocator) Init(info *bootinfo.BootInfo) {
	a.info = info
	a.allocCount = 0

	skipUntil := info.KernelPhysEnd.Uint64()
	if end := info.LoaderRange.End().Uint64(); end > skipUntil {
		skipUntil = end
	}
	a.lastAllocIndex = int64((skipUntil+pageSize-1)/pageSize) - 1
}

// AllocCount returns the number of frames handed out so far.
func (a *Allocator) AllocCount() uint64 { return a.allocCount }

// AllocFrame reserves and returns the next available 4KiB frame from the
// available regions of the boot memory map.
func (a *Allocator) AllocFrame() (addr.Frame[addr.PhysAddr, addr.Page4KiB], *kernel.Error) {
	var (
		foundPageIndex                           int64 = -1
		regionStartPageIndex, regionEndPageIndex int64
	)

	a.info.VisitAvailable(func(r *bootinfo.MemoryRegion) bool {
		regionStart := (r.Start.Uint64() + pageSize - 1) &^ (pageSize - 1)
		regionEnd := r.End().Uint64() &^ (pageSize - 1)
		regionStartPageIndex = int64(regionStart / pageSize)
		regionEndPageIndex = int64(regionEnd / pageSize)

		if a.lastAllocIndex+1 >= regionEndPageIndex {
			return true // already exhausted this region
		}

		if a.lastAllocIndex < regionStartPageIndex {
			foundPageIndex = regionStartPageIndex
		} else {
			foundPageIndex = a.lastAllocIndex + 1
		}
		return false
	})

	if foundPageIndex == -1 {
		var zero addr.Frame[addr.PhysAddr, addr.Page4KiB]
		return zero, errOutOfMemory
	}

	a.allocCount++
	a.lastAllocIndex = foundPageIndex

	return addr.Containing[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(uint64(foundPageIndex) * pageSize)), nil
}

// Residue calls fn for every frame this allocator has not yet handed out
// (every frame a subsequent AllocFrame call could still return), in address
// order. Called exactly once, by the bring-up sequence, to seed the bitmap
// allocator with the frames the bump allocator never claimed before this
// allocator is retired.
func (a *Allocator) Residue(fn func(addr.Frame[addr.PhysAddr, addr.Page4KiB])) {
	a.info.VisitAvailable(func(r *bootinfo.MemoryRegion) bool {
		regionStart := (r.Start.Uint64() + pageSize - 1) &^ (pageSize - 1)
		regionEnd := r.End().Uint64() &^ (pageSize - 1)
		regionStartPageIndex := int64(regionStart / pageSize)
		regionEndPageIndex := int64(regionEnd / pageSize)

		if a.lastAllocIndex >= regionEndPageIndex {
			return true // fully consumed already
		}

		firstResiduePageIndex := regionStartPageIndex
		if a.lastAllocIndex >= regionStartPageIndex {
			firstResiduePageIndex = a.lastAllocIndex + 1
		}

		for pageIndex := firstResiduePageIndex; pageIndex < regionEndPageIndex; pageIndex++ {
			fn(addr.Containing[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(uint64(pageIndex) * pageSize)))
		}
		return true
	})
}
