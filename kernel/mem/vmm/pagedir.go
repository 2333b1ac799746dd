// Package vmm implements the multi-level page-table manager: walking and
// editing the 4-level x86_64 paging hierarchy, allocating intermediate
// tables from a caller-supplied physical frame allocator, and returning
// must-use TLB flush tokens (tlb.go) for every mutation.
package vmm

import (
	"unsafe"

	"github.com/ophion-os/ophion/kernel"
	"github.com/ophion-os/ophion/kernel/mem/addr"
)

var (
	// ErrRemapConflict is returned by Map when a leaf entry is already
	// present and the caller did not set the remap intent.
	ErrRemapConflict = &kernel.Error{Module: "vmm", Message: "mapping already present; remap not requested"}

	// ErrPageTableWalkNull is returned when a walk reaches an absent
	// entry that the caller required to already be present (Unmap,
	// Translate).
	ErrPageTableWalkNull = &kernel.Error{Module: "vmm", Message: "page table walk reached an absent entry"}

	// ErrHugeParent is returned when a walk expects a directory entry
	// but finds an existing huge-page leaf instead.
	ErrHugeParent = &kernel.Error{Module: "vmm", Message: "walk reached a huge-page leaf while descending to a deeper level"}
)

const entriesPerTable = 512

// FrameAllocatorFn supplies a fresh, zeroed-on-installation physical frame
// to back a newly created page table (or, via MapRange, a freshly mapped
// leaf). It is the same shape as pmm.BitmapAllocator.AllocOne and
// bootmem.Allocator.AllocFrame so either can be passed directly.
type FrameAllocatorFn func() (addr.Frame[addr.PhysAddr, addr.Page4KiB], *kernel.Error)

// PageDir is a handle onto one 4-level paging hierarchy: the physical frame
// holding its level-4 table, plus the virtual offset needed to dereference
// physical table pointers. Before the direct physical mapping exists,
// directMapBase is zero and the kernel runs under the bootloader's identity
// map, so physical equals virtual; after bring-up installs the direct
// mapping, directMapBase is that mapping's base and every table
// dereference adds it.
type PageDir struct {
	level4        addr.Frame[addr.PhysAddr, addr.Page4KiB]
	directMapBase addr.VirtAddr
}

// NewPageDir wraps an already-allocated, zeroed level-4 table frame.
func NewPageDir(level4 addr.Frame[addr.PhysAddr, addr.Page4KiB], directMapBase addr.VirtAddr) PageDir {
	return PageDir{level4: level4, directMapBase: directMapBase}
}

// Level4 returns the physical frame backing this directory's top-level table.
func (pd PageDir) Level4() addr.Frame[addr.PhysAddr, addr.Page4KiB] { return pd.level4 }

// WithDirectMapBase returns a copy of pd that dereferences table pointers
// through a newly installed direct physical mapping. Called exactly once,
// by bring-up, right after the direct mapping region is mapped.
func (pd PageDir) WithDirectMapBase(base addr.VirtAddr) PageDir {
	pd.directMapBase = base
	return pd
}

// Active returns a PageDir wrapping whatever page directory is currently
// loaded into CR3, using directMapBase for table dereferencing.
func Active(directMapBase addr.VirtAddr) PageDir {
	return PageDir{level4: addr.Containing[addr.PhysAddr, addr.Page4KiB](cpuActivePDTFn()), directMapBase: directMapBase}
}

// Activate loads this directory's level-4 table into CR3 and returns a full
// flush token; the caller must consume it.
func (pd PageDir) Activate() *FullFlush {
	cpuSwitchPDTFn(pd.level4.Start())
	return newFullFlush()
}

// tablePtrFn resolves a page-table's physical frame to the pointer the
// running code should dereference. Overridden by tests so the page-table
// walk can be exercised against ordinary Go-array-backed "physical pages"
// instead of real hardware memory.
var tablePtrFn = func(directMapBase addr.VirtAddr, phys addr.Frame[addr.PhysAddr, addr.Page4KiB]) unsafe.Pointer {
	return unsafe.Pointer(uintptr(directMapBase.Uint64() + phys.Start().Uint64()))
}

func (pd PageDir) tableAt(phys addr.Frame[addr.PhysAddr, addr.Page4KiB]) *[entriesPerTable]pageTableEntry {
	return (*[entriesPerTable]pageTableEntry)(tablePtrFn(pd.directMapBase, phys))
}

// indices4 returns the four page-table indices (L4, L3, L2, L1), in
// walk order, for virt.
func indices4(virt addr.VirtAddr) [4]addr.PageTableIndex {
	l4, l3, l2, l1 := virt.Indices()
	return [4]addr.PageTableIndex{l4, l3, l2, l1}
}

// descend walks from pd's level-4 table to the table that directly owns the
// leaf entry for virt at the given leaf depth (0 = L4 is the leaf table, 3 =
// L1 is the leaf table), allocating and zeroing intermediate tables via
// allocFn when a walk step finds an absent directory entry. It returns the
// leaf table and the index of the leaf entry within it.
//
// requirePresent controls what happens when an intermediate entry is
// absent: when true (Unmap, Translate) the walk fails with
// ErrPageTableWalkNull instead of allocating.
func (pd PageDir) descend(virt addr.VirtAddr, leafDepth int, allocFn FrameAllocatorFn, requirePresent bool) (*[entriesPerTable]pageTableEntry, addr.PageTableIndex, *kernel.Error) {
	idx := indices4(virt)
	table := pd.tableAt(pd.level4)

	for depth := 0; depth < leafDepth; depth++ {
		pte := &table[idx[depth]]

		if !pte.Present() {
			if requirePresent {
				return nil, 0, ErrPageTableWalkNull
			}

			newTable, err := allocFn()
			if err != nil {
				return nil, 0, err
			}

			zeroTable(pd.tableAt(newTable))

			*pte = 0
			pte.SetFrame(newTable)
			// Directory entries are installed maximally permissive; the
			// stricter bits are only ever applied at the leaf.
			pte.SetFlags(FlagPresent | FlagRW | FlagUser)
		} else if pte.Huge() {
			return nil, 0, ErrHugeParent
		}

		table = pd.tableAt(pte.Frame())
	}

	return table, idx[leafDepth], nil
}

func zeroTable(t *[entriesPerTable]pageTableEntry) {
	for i := range t {
		t[i] = 0
	}
}

// Map installs a mapping from virt to phys in pd, allocating any missing
// intermediate tables via allocFn. If a present leaf already occupies the
// slot, Map fails with ErrRemapConflict unless remap is true, in which case
// the leaf is overwritten. Map returns a SingleFlush token the caller must
// consume.
func Map[S addr.PageSize](pd PageDir, allocFn FrameAllocatorFn, virt addr.Frame[addr.VirtAddr, S], phys addr.Frame[addr.PhysAddr, S], flags PTFlag, remap bool) (*SingleFlush, *kernel.Error) {
	var tag S
	table, leafIdx, err := pd.descend(virt.Start(), 4-int(tag.Level()), allocFn, false)
	if err != nil {
		return nil, err
	}

	pte := &table[leafIdx]
	if pte.Present() && !remap {
		return nil, ErrRemapConflict
	}

	*pte = 0
	pte.SetAddr(phys.Start())
	leafFlags := FlagPresent | flags
	if tag.Level() > 1 {
		leafFlags |= FlagHugePage
	}
	pte.SetFlags(leafFlags)

	return newSingleFlush(virt.Start()), nil
}

// MapRange maps every 4KiB page in virtRange, in order, to a freshly
// allocated, individually-sourced physical frame from allocFn. On the
// first failure, frames already mapped are left in place — this is
// bring-up code and the caller is responsible for any cleanup. Returns a
// RangeFlush covering whatever prefix of the range was mapped successfully.
func MapRange(pd PageDir, allocFn FrameAllocatorFn, virtRange addr.FrameRange[addr.VirtAddr, addr.Page4KiB], flags PTFlag) (*RangeFlush, *kernel.Error) {
	mapped := virtRange.Start()

	for page := range virtRange.All() {
		phys, err := allocFn()
		if err != nil {
			return newRangeFlush(addr.RangeOf(virtRange.Start(), mapped)), err
		}

		single, err := Map(pd, allocFn, page, phys, flags, false)
		if err != nil {
			return newRangeFlush(addr.RangeOf(virtRange.Start(), mapped)), err
		}
		// The returned RangeFlush covers this page.
		single.Ignore()

		mapped = page.Add(1)
	}

	return newRangeFlush(virtRange), nil
}

// Unmap marks the leaf entry mapping virt's frame not present; its address
// and other flag bits are left as they were. Intermediate tables
// live for the kernel's lifetime and are never reclaimed. Returns a
// SingleFlush token.
func Unmap[S addr.PageSize](pd PageDir, virt addr.Frame[addr.VirtAddr, S]) (*SingleFlush, *kernel.Error) {
	var tag S
	table, leafIdx, err := pd.descend(virt.Start(), 4-int(tag.Level()), nil, true)
	if err != nil {
		return nil, err
	}

	pte := &table[leafIdx]
	if !pte.Present() {
		return nil, ErrPageTableWalkNull
	}
	pte.ClearFlags(FlagPresent)

	return newSingleFlush(virt.Start()), nil
}

// Lookup walks pd for virt and returns the physical address the present
// leaf maps it to, together with that leaf's flag set. Fails with
// ErrPageTableWalkNull if any entry on the walk is absent.
func Lookup(pd PageDir, virt addr.VirtAddr) (addr.PhysAddr, PTFlag, *kernel.Error) {
	idx := indices4(virt)
	table := pd.tableAt(pd.level4)

	for depth := 0; depth < 4; depth++ {
		pte := &table[idx[depth]]
		if !pte.Present() {
			return 0, 0, ErrPageTableWalkNull
		}

		if pte.Huge() || depth == 3 {
			pageOffsetBits := offsetBitsForLeafDepth(depth)
			mask := uint64(1)<<pageOffsetBits - 1
			return pte.Addr().Add(virt.Uint64() & mask), pte.Flags(), nil
		}

		table = pd.tableAt(pte.Frame())
	}

	return 0, 0, ErrPageTableWalkNull
}

// Translate returns the physical address that virt currently maps to, or
// ErrPageTableWalkNull if no present leaf covers it.
func Translate(pd PageDir, virt addr.VirtAddr) (addr.PhysAddr, *kernel.Error) {
	phys, _, err := Lookup(pd, virt)
	return phys, err
}

func offsetBitsForLeafDepth(depth int) uint64 {
	switch depth {
	case 1: // L3 huge leaf -> 1GiB
		return 30
	case 2: // L2 huge leaf -> 2MiB
		return 21
	default: // L1 leaf -> 4KiB
		return 12
	}
}
