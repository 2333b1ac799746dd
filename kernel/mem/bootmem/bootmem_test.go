package bootmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ophion-os/ophion/kernel/hal/bootinfo"
	"github.com/ophion-os/ophion/kernel/mem/addr"
)

func testInfo(regions ...bootinfo.MemoryRegion) *bootinfo.BootInfo {
	var info bootinfo.BootInfo
	for _, r := range regions {
		info.AddRegion(r)
	}
	return &info
}

func TestAllocFrameWalksRegionsInOrder(t *testing.T) {
	info := testInfo(
		bootinfo.MemoryRegion{Start: addr.PhysAddr(0), Length: 0x2000, Kind: bootinfo.RegionAvailable},
		bootinfo.MemoryRegion{Start: addr.PhysAddr(0x2000), Length: 0x1000, Kind: bootinfo.RegionReserved},
		bootinfo.MemoryRegion{Start: addr.PhysAddr(0x3000), Length: 0x1000, Kind: bootinfo.RegionAvailable},
	)

	var a Allocator
	a.Init(info)

	f0, err := a.AllocFrame()
	require.Nil(t, err)
	assert.EqualValues(t, 0, f0.Start().Uint64())

	f1, err := a.AllocFrame()
	require.Nil(t, err)
	assert.EqualValues(t, 0x1000, f1.Start().Uint64())

	f2, err := a.AllocFrame()
	require.Nil(t, err)
	assert.EqualValues(t, 0x3000, f2.Start().Uint64())

	_, err = a.AllocFrame()
	assert.Same(t, errOutOfMemory, err)

	assert.EqualValues(t, 3, a.AllocCount())
}

func TestAllocFrameSkipsLoaderAndKernelFrames(t *testing.T) {
	info := testInfo(
		bootinfo.MemoryRegion{Start: addr.PhysAddr(0), Length: 0x10000, Kind: bootinfo.RegionAvailable},
	)
	info.KernelPhysEnd = addr.PhysAddr(0x3000)
	info.LoaderRange = bootinfo.PhysRange{Start: addr.PhysAddr(0x3000), Length: 0x2800}

	var a Allocator
	a.Init(info)

	// The loader ends mid-frame at 0x5800, so the first frame the
	// allocator may touch is 0x6000.
	f, err := a.AllocFrame()
	require.Nil(t, err)
	assert.EqualValues(t, 0x6000, f.Start().Uint64())
}

func TestResidueVisitsRemainingFrames(t *testing.T) {
	info := testInfo(
		bootinfo.MemoryRegion{Start: addr.PhysAddr(0), Length: 0x4000, Kind: bootinfo.RegionAvailable},
	)

	var a Allocator
	a.Init(info)

	_, err := a.AllocFrame()
	require.Nil(t, err)
	_, err = a.AllocFrame()
	require.Nil(t, err)

	var residue []uint64
	a.Residue(func(f addr.Frame[addr.PhysAddr, addr.Page4KiB]) {
		residue = append(residue, f.Start().Uint64())
	})

	assert.Equal(t, []uint64{0x2000, 0x3000}, residue)
}
