// Package kaslr implements the randomized kernel virtual-memory layout
// planner: given total usable RAM and the kernel-text footprint, it
// produces a placement for the six non-text kernel regions that is
// shuffled each boot and self-correcting against alignment waste — one of
// the two shrinkable regions is always placed last so it can absorb the
// alignment slack the other five accumulate.
//
// Plan takes a caller-supplied math/rand/v2 source so the choice between
// hardware entropy and a deterministic PRNG fallback is made once, in
// kernel/kmain, which seeds the source kernel/bringup passes to Plan; it is
// not duplicated here.
package kaslr

import (
	"math/rand/v2"

	"github.com/ophion-os/ophion/kernel"
	"github.com/ophion-os/ophion/kernel/mem/addr"
)

// ErrLayoutInfeasible is returned when the fixed-size regions alone exceed
// the available kernel space, or when accumulated alignment slack exceeds
// the final shrinkable region's size.
var ErrLayoutInfeasible = &kernel.Error{Module: "kaslr", Message: "kernel VM layout is infeasible for the available kernel space"}

// KernSpaceBegin is the lowest virtual address any randomized region may
// occupy: the conventional x86_64 higher-half kernel base, and the lowest
// canonical address with the sign bit set.
const KernSpaceBegin = addr.VirtAddr(0xFFFF_8000_0000_0000)

const (
	page4KiB = uint64(4 * 1024)
	page2MiB = uint64(2 * 1024 * 1024)

	kernStackSize = uint64(64 * 1024)
	tmpMapSize    = page2MiB
)

// Region names one of the six randomizable kernel VM areas. Values are
// assigned so that Region also serves as the canonical output ordinal
// (heap, stack, bitmap, direct-mapping, page-cache, temp-window) —
// VMLayout.Areas() walks Region(0)..Region(numRegions-1) in this order
// regardless of the order regions were actually placed in.
type Region uint8

// The six randomizable regions, in canonical output order.
const (
	KernHeap Region = iota
	KernStack
	PhysMemBitmap
	PhysMemMapping
	PageCache
	TmpMapping

	numRegions = int(TmpMapping) + 1
)

// String returns the region's canonical name.
func (r Region) String() string {
	switch r {
	case KernHeap:
		return "KernHeap"
	case KernStack:
		return "KernStack"
	case PhysMemBitmap:
		return "PhysMemBitmap"
	case PhysMemMapping:
		return "PhysMemMapping"
	case PageCache:
		return "PageCache"
	case TmpMapping:
		return "TmpMapping"
	default:
		return "Unknown"
	}
}

func (r Region) alignment() uint64 {
	switch r {
	case PhysMemMapping, TmpMapping:
		return page2MiB
	default:
		return page4KiB
	}
}

func (r Region) shrinkable() bool {
	return r == KernHeap || r == PageCache
}

// VMLayoutArea is a single named region of the kernel's virtual address
// space: a start address and a size in bytes.
type VMLayoutArea struct {
	Start addr.VirtAddr
	Size  uint64
}

// End returns the region's exclusive end address.
func (a VMLayoutArea) End() addr.VirtAddr { return a.Start.Add(a.Size) }

// Overlaps reports whether a and o share any address.
func (a VMLayoutArea) Overlaps(o VMLayoutArea) bool {
	return a.Start.Uint64() < o.End().Uint64() && o.Start.Uint64() < a.End().Uint64()
}

// VMLayout is the committed result of one KASLR planning run: the kernel
// text area (not randomized — it is wherever the loaded ELF image landed)
// plus the six randomized regions.
type VMLayout struct {
	KernelText VMLayoutArea

	areas [numRegions]VMLayoutArea
}

// Area returns the named region's placement.
func (l VMLayout) Area(r Region) VMLayoutArea { return l.areas[r] }

// Areas returns every randomized region in canonical order (heap, stack,
// bitmap, direct-mapping, page-cache, temp-window), independent of the
// shuffled order they were actually placed in.
func (l VMLayout) Areas() [numRegions]VMLayoutArea { return l.areas }

// Plan computes a randomized VMLayout. totalRAM is the total usable
// physical memory in bytes (drives the direct-mapping and bitmap sizes);
// kernelText is the (fixed, unrandomized) region the loaded ELF image
// occupies; bitmapPages is the number of 4KiB pages the physical-frame
// bitmap requires for totalRAM; rng supplies the per-boot randomness
// (seed it from a hardware entropy source, or a PRNG seeded off the
// timestamp counter as a logged degradation).
func Plan(totalRAM uint64, kernelText VMLayoutArea, bitmapPages uint64, rng *rand.Rand) (VMLayout, *kernel.Error) {
	sizes := [numRegions]uint64{
		PhysMemBitmap:  bitmapPages * page4KiB,
		PhysMemMapping: alignUp(totalRAM, page2MiB),
		KernStack:      kernStackSize,
		TmpMapping:     tmpMapSize,
	}

	kernSpaceSize := uint64(kernelText.Start) - uint64(KernSpaceBegin)
	fixedSum := sizes[PhysMemBitmap] + sizes[PhysMemMapping] + sizes[KernStack] + sizes[TmpMapping]
	if fixedSum > kernSpaceSize {
		return VMLayout{}, ErrLayoutInfeasible
	}

	shrinkableSize := alignDown((kernSpaceSize-fixedSum)/2, page4KiB)
	sizes[KernHeap] = shrinkableSize
	sizes[PageCache] = shrinkableSize

	order := placementOrder(rng)

	var (
		layout         VMLayout
		cursor         = KernSpaceBegin
		alignmentSlack uint64
	)
	layout.KernelText = kernelText

	for _, region := range order {
		alignedStart := cursor.AlignUp(region.alignment())
		alignmentSlack += alignedStart.Uint64() - cursor.Uint64()

		size := sizes[region]
		if alignmentSlack > 0 && region.shrinkable() {
			if alignmentSlack >= size {
				return VMLayout{}, ErrLayoutInfeasible
			}
			size = alignDown(size-alignmentSlack, region.alignment())
			alignmentSlack = 0
		}

		layout.areas[region] = VMLayoutArea{Start: alignedStart, Size: size}
		cursor = alignedStart.Add(size)
	}

	if cursor.Uint64() > kernelText.Start.Uint64() {
		return VMLayout{}, ErrLayoutInfeasible
	}

	return layout, nil
}

// placementOrder picks one of the two shrinkable regions uniformly at
// random to absorb trailing slack, then returns a uniform random
// permutation of the other five followed by that region last.
func placementOrder(rng *rand.Rand) [numRegions]Region {
	shrinkables := [2]Region{KernHeap, PageCache}
	last := shrinkables[rng.IntN(2)]

	others := make([]Region, 0, numRegions-1)
	for r := Region(0); int(r) < numRegions; r++ {
		if r != last {
			others = append(others, r)
		}
	}
	rng.Shuffle(len(others), func(i, j int) { others[i], others[j] = others[j], others[i] })

	var order [numRegions]Region
	copy(order[:], others)
	order[numRegions-1] = last
	return order
}

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
func alignUp(v, align uint64) uint64   { return alignDown(v+align-1, align) }
