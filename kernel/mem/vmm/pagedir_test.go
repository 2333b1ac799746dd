package vmm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ophion-os/ophion/kernel"
	"github.com/ophion-os/ophion/kernel/mem/addr"
)

// fakePhysMem stands in for real physical memory: each entry is one
// Go-array-backed "page table", addressed by its index into the slice
// rather than a real physical address. A single tablePtrFn hook suffices
// since PageDir resolves a whole table at once rather than one entry at a
// time.
type fakePhysMem struct {
	pages    [][entriesPerTable]pageTableEntry
	allocIdx int
}

func newFakePhysMem(numPages int) *fakePhysMem {
	return &fakePhysMem{pages: make([][entriesPerTable]pageTableEntry, numPages)}
}

func (m *fakePhysMem) frameForPage(i int) addr.Frame[addr.PhysAddr, addr.Page4KiB] {
	return addr.Containing[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(uint64(i) * 4096))
}

func (m *fakePhysMem) tablePtr(_ addr.VirtAddr, phys addr.Frame[addr.PhysAddr, addr.Page4KiB]) unsafe.Pointer {
	idx := phys.Start().Uint64() / 4096
	return unsafe.Pointer(&m.pages[idx][0])
}

func (m *fakePhysMem) allocator() FrameAllocatorFn {
	return func() (addr.Frame[addr.PhysAddr, addr.Page4KiB], *kernel.Error) {
		m.allocIdx++
		return m.frameForPage(m.allocIdx), nil
	}
}

func setUpFakeMem(t *testing.T, numPages int) *fakePhysMem {
	t.Helper()
	m := newFakePhysMem(numPages)

	origTablePtr := tablePtrFn
	origFlushEntry := flushTLBEntryFn
	origFlushAll := flushTLBAllFn
	t.Cleanup(func() {
		tablePtrFn = origTablePtr
		flushTLBEntryFn = origFlushEntry
		flushTLBAllFn = origFlushAll
	})

	tablePtrFn = m.tablePtr
	flushTLBEntryFn = func(addr.VirtAddr) {}
	flushTLBAllFn = func() {}

	return m
}

func testVirt(t *testing.T, raw uint64) addr.VirtAddr {
	t.Helper()
	v, err := addr.NewVirt(raw)
	require.Nil(t, err)
	return v
}

func TestMapAndTranslate4KiB(t *testing.T) {
	m := setUpFakeMem(t, 8)
	// Level-4 table lives at page 0; allocFn hands out pages 1, 2, 3... for
	// the intermediate L3/L2/L1 tables Map needs to create.
	pd := NewPageDir(m.frameForPage(0), 0)

	virt := addr.Containing[addr.VirtAddr, addr.Page4KiB](testVirt(t, 0x0000_0040_0000_1000))
	phys := addr.Containing[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(0x1000))

	flush, err := Map(pd, m.allocator(), virt, phys, FlagRW, false)
	require.Nil(t, err)
	flush.Flush()

	got, err := Translate(pd, virt.Start())
	require.Nil(t, err)
	assert.Equal(t, phys.Start(), got)
}

func TestMapRejectsRemapWithoutIntent(t *testing.T) {
	m := setUpFakeMem(t, 8)
	pd := NewPageDir(m.frameForPage(0), 0)

	virt := addr.Containing[addr.VirtAddr, addr.Page4KiB](testVirt(t, 0x0000_0040_0000_1000))
	phys1 := addr.Containing[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(0x1000))
	phys2 := addr.Containing[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(0x2000))

	flush, err := Map(pd, m.allocator(), virt, phys1, FlagRW, false)
	require.Nil(t, err)
	flush.Flush()

	_, err = Map(pd, m.allocator(), virt, phys2, FlagRW, false)
	assert.Same(t, ErrRemapConflict, err)

	flush, err = Map(pd, m.allocator(), virt, phys2, FlagRW, true)
	require.Nil(t, err)
	flush.Flush()

	got, err := Translate(pd, virt.Start())
	require.Nil(t, err)
	assert.Equal(t, phys2.Start(), got)
}

func TestUnmapThenTranslateFails(t *testing.T) {
	m := setUpFakeMem(t, 8)
	pd := NewPageDir(m.frameForPage(0), 0)

	virt := addr.Containing[addr.VirtAddr, addr.Page4KiB](testVirt(t, 0x0000_0040_0000_1000))
	phys := addr.Containing[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(0x1000))

	flush, err := Map(pd, m.allocator(), virt, phys, FlagRW, false)
	require.Nil(t, err)
	flush.Flush()

	unmapFlush, err := Unmap(pd, virt)
	require.Nil(t, err)
	unmapFlush.Flush()

	_, err = Translate(pd, virt.Start())
	assert.Same(t, ErrPageTableWalkNull, err)
}

func TestUnmapAbsentEntryFails(t *testing.T) {
	m := setUpFakeMem(t, 8)
	pd := NewPageDir(m.frameForPage(0), 0)

	virt := addr.Containing[addr.VirtAddr, addr.Page4KiB](testVirt(t, 0x0000_0040_0000_1000))
	_, err := Unmap(pd, virt)
	assert.Same(t, ErrPageTableWalkNull, err)
}

func TestMapRangeMapsEveryPage(t *testing.T) {
	m := setUpFakeMem(t, 16)
	pd := NewPageDir(m.frameForPage(0), 0)

	start := addr.Containing[addr.VirtAddr, addr.Page4KiB](testVirt(t, 0x0000_0040_0000_0000))
	virtRange := addr.RangeN(start, 4)

	flush, err := MapRange(pd, m.allocator(), virtRange, FlagRW)
	require.Nil(t, err)
	flush.Flush()

	for page := range virtRange.All() {
		_, err := Translate(pd, page.Start())
		assert.Nil(t, err)
	}
}

func TestLookupReturnsLeafFlags(t *testing.T) {
	m := setUpFakeMem(t, 8)
	pd := NewPageDir(m.frameForPage(0), 0)

	virt := addr.Containing[addr.VirtAddr, addr.Page4KiB](testVirt(t, 0xFFFF_8000_0000_0000))
	phys := addr.Containing[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(0x1000))

	flush, err := Map(pd, m.allocator(), virt, phys, FlagRW|FlagGlobal|FlagNoExecute, false)
	require.Nil(t, err)
	flush.Flush()

	got, flags, err := Lookup(pd, virt.Start())
	require.Nil(t, err)
	assert.Equal(t, phys.Start(), got)
	assert.Equal(t, FlagPresent|FlagRW|FlagGlobal|FlagNoExecute, flags)
}

func TestRemapAfterUnmapMatchesSingleMap(t *testing.T) {
	m := setUpFakeMem(t, 8)
	pd := NewPageDir(m.frameForPage(0), 0)

	virt := addr.Containing[addr.VirtAddr, addr.Page4KiB](testVirt(t, 0x0000_0040_0000_1000))
	phys := addr.Containing[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(0x1000))

	flush, err := Map(pd, m.allocator(), virt, phys, FlagRW, false)
	require.Nil(t, err)
	flush.Flush()

	firstPhys, firstFlags, err := Lookup(pd, virt.Start())
	require.Nil(t, err)

	unmapFlush, err := Unmap(pd, virt)
	require.Nil(t, err)
	unmapFlush.Flush()

	flush, err = Map(pd, m.allocator(), virt, phys, FlagRW, false)
	require.Nil(t, err)
	flush.Flush()

	gotPhys, gotFlags, err := Lookup(pd, virt.Start())
	require.Nil(t, err)
	assert.Equal(t, firstPhys, gotPhys)
	assert.Equal(t, firstFlags, gotFlags)
}

func TestMap2MiBHugeLeaf(t *testing.T) {
	m := setUpFakeMem(t, 8)
	pd := NewPageDir(m.frameForPage(0), 0)

	virt := addr.Containing[addr.VirtAddr, addr.Page2MiB](testVirt(t, 0xFFFF_8000_0020_0000))
	phys := addr.Containing[addr.PhysAddr, addr.Page2MiB](addr.PhysAddr(0x40_0000))

	flush, err := Map(pd, m.allocator(), virt, phys, FlagRW, false)
	require.Nil(t, err)
	flush.Flush()

	got, flags, err := Lookup(pd, virt.Start())
	require.Nil(t, err)
	assert.Equal(t, phys.Start(), got)
	assert.True(t, flags&FlagHugePage != 0)

	// An address 4KiB into the huge page resolves through the same leaf.
	gotOffset, err := Translate(pd, virt.Start().Add(0x1000))
	require.Nil(t, err)
	assert.Equal(t, phys.Start().Add(0x1000), gotOffset)
}

func TestActivateReturnsFullFlush(t *testing.T) {
	m := setUpFakeMem(t, 4)
	pd := NewPageDir(m.frameForPage(0), 0)

	origSwitch := cpuSwitchPDTFn
	t.Cleanup(func() { cpuSwitchPDTFn = origSwitch })

	var switchedTo addr.PhysAddr
	cpuSwitchPDTFn = func(p addr.PhysAddr) { switchedTo = p }

	flush := pd.Activate()
	flush.Flush()

	assert.Equal(t, pd.Level4().Start(), switchedTo)
}
