// Package bringup executes the early memory bring-up sequence: turning a
// parsed boot descriptor into a live bitmap allocator and a committed
// virtual-memory layout. It runs exactly once, on the bootstrap CPU,
// before any other part of the kernel touches physical memory.
package bringup

import (
	"math/rand/v2"
	"reflect"
	"unsafe"

	"github.com/ophion-os/ophion/kernel"
	"github.com/ophion-os/ophion/kernel/driver/serial"
	"github.com/ophion-os/ophion/kernel/hal/bootinfo"
	"github.com/ophion-os/ophion/kernel/klog"
	"github.com/ophion-os/ophion/kernel/mem/addr"
	"github.com/ophion-os/ophion/kernel/mem/bootmem"
	"github.com/ophion-os/ophion/kernel/mem/kaslr"
	"github.com/ophion-os/ophion/kernel/mem/pmm"
	"github.com/ophion-os/ophion/kernel/mem/vmm"
)

const page4KiB = uint64(4096)

var errNoUsableMemory = &kernel.Error{Module: "bringup", Message: "boot memory map reports no usable physical memory"}

// Result is everything the bring-up sequence hands off to the rest of the
// kernel: the committed layout, the active page directory (now aware of its
// own direct-mapping offset), and the live physical frame allocator.
type Result struct {
	Layout    kaslr.VMLayout
	PageDir   vmm.PageDir
	Allocator *pmm.BitmapAllocator
}

// Run executes the memory bring-up sequence. info is assumed already
// parsed from the bootloader adapter (which happens before Run is invoked —
// see kernel/kmain). kernelText is the virtual range the loaded kernel
// image occupies, and rng is the per-boot random source the layout planner
// consumes; the caller seeds it, ideally from a hardware entropy source.
func Run(info *bootinfo.BootInfo, kernelText kaslr.VMLayoutArea, rng *rand.Rand) (Result, *kernel.Error) {
	uart := serial.New(serial.COM1Port)
	klog.Init(uart)

	if tok, ok := info.CmdlineToken("-log-level"); ok {
		if lvl, ok := klog.ParseLevel(tok); ok {
			klog.SetLevel(lvl)
		} else {
			klog.Warning("bring-up: unknown -log-level value \"%s\", keeping default\n", tok)
		}
	}

	klog.Info("bring-up: starting memory initialization\n")

	totalRAM := highestAvailableEnd(info)
	if totalRAM == 0 {
		return Result{}, errNoUsableMemory
	}

	totalFrames := (totalRAM + page4KiB - 1) / page4KiB
	bitmapWords := pmm.WordsNeeded(totalFrames)
	bitmapBytes := bitmapWords * 8
	bitmapPages := (bitmapBytes + page4KiB - 1) / page4KiB

	klog.Debug("bring-up: %d bytes usable, bitmap needs %d pages\n", totalRAM, bitmapPages)

	layout, err := kaslr.Plan(totalRAM, kernelText, bitmapPages, rng)
	if err != nil {
		klog.Error("bring-up: VM layout planning failed\n")
		return Result{}, err
	}

	bootmem.EarlyAllocator.Init(info)

	// Before the direct physical mapping exists the kernel still runs
	// under the bootloader's identity map, so directMapBase is zero and
	// table dereferences resolve physical == virtual.
	pd := vmm.Active(0)

	bitmapArea := layout.Area(kaslr.PhysMemBitmap)
	bitmapVirtStart, walkErr := addr.New[addr.VirtAddr, addr.Page4KiB](bitmapArea.Start)
	if walkErr != nil {
		return Result{}, walkErr
	}
	bitmapRange := addr.RangeN(bitmapVirtStart, bitmapPages)

	flush, err := vmm.MapRange(pd, bootmem.EarlyAllocator.AllocFrame, bitmapRange, vmm.FlagRW|vmm.FlagGlobal|vmm.FlagNoExecute)
	if err != nil {
		klog.Error("bring-up: failed to map physical memory bitmap\n")
		return Result{}, err
	}
	flush.Flush()

	words := wordsAt(bitmapArea.Start, bitmapWords)
	allocator := pmm.NewBitmapAllocator(words, 0, totalFrames)

	// NewBitmapAllocator starts every frame marked in-use; only the frames
	// the bump allocator never claimed (its residue) are genuinely free.
	// Frames below its skip-until boundary (the kernel image, the loader)
	// and frames it already handed out (the bitmap's own backing storage
	// and its page tables) correctly stay marked in-use.
	bootmem.EarlyAllocator.Residue(func(f pmm.Frame4K) {
		allocator.AddFrame(f)
	})

	klog.Info("bring-up: %d frames free after residue drain\n", allocator.TotalFrames()-allocator.AllocatedFrames())

	info.CommitLayout(layout)

	directArea := layout.Area(kaslr.PhysMemMapping)
	if err := mapDirectPhysical(pd, allocator.AllocOne, directArea); err != nil {
		klog.Error("bring-up: failed to install direct physical mapping\n")
		return Result{}, err
	}
	pd = pd.WithDirectMapBase(directArea.Start)

	return Result{Layout: layout, PageDir: pd, Allocator: allocator}, nil
}

const page2MiB = uint64(2 * 1024 * 1024)

// mapDirectPhysical maps the whole physical address space 1:1 into area
// using 2MiB pages, so that once it is installed kernelcore can dereference
// any physical address as area.Start+physAddr. Must happen before
// PageDir.WithDirectMapBase can be used for anything.
func mapDirectPhysical(pd vmm.PageDir, allocFn vmm.FrameAllocatorFn, area kaslr.VMLayoutArea) *kernel.Error {
	virt := area.Start
	var phys addr.PhysAddr

	for i := uint64(0); i < area.Size; i += page2MiB {
		vf, err := addr.New[addr.VirtAddr, addr.Page2MiB](virt)
		if err != nil {
			return err
		}
		pf := addr.Containing[addr.PhysAddr, addr.Page2MiB](phys)

		flush, mapErr := vmm.Map(pd, allocFn, vf, pf, vmm.FlagRW|vmm.FlagGlobal|vmm.FlagNoExecute, false)
		if mapErr != nil {
			return mapErr
		}
		flush.Flush()

		virt = virt.Add(page2MiB)
		phys = phys.Add(page2MiB)
	}

	return nil
}

// highestAvailableEnd returns the highest exclusive end address among every
// RegionAvailable entry: the span the direct physical mapping and the
// bitmap must cover, which can exceed the sum of region sizes when the map
// has holes (reserved BIOS/ACPI ranges between available regions).
func highestAvailableEnd(info *bootinfo.BootInfo) uint64 {
	var highest uint64
	info.VisitAvailable(func(r *bootinfo.MemoryRegion) bool {
		if end := r.End().Uint64(); end > highest {
			highest = end
		}
		return true
	})
	return highest
}

// wordsAt overlays a []uint64 of length n on top of the memory at virt. The
// frames backing it are not zeroed when mapped; NewBitmapAllocator clears
// the words itself.
func wordsAt(virt addr.VirtAddr, n uint64) []uint64 {
	return *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
		Data: uintptr(virt.Uint64()),
		Len:  int(n),
		Cap:  int(n),
	}))
}
