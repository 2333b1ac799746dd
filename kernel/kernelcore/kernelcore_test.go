package kernelcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ophion-os/ophion/kernel/bringup"
	"github.com/ophion-os/ophion/kernel/mem/addr"
	"github.com/ophion-os/ophion/kernel/mem/kaslr"
	"github.com/ophion-os/ophion/kernel/mem/pmm"
	"github.com/ophion-os/ophion/kernel/mem/vmm"
)

// resetForTest clears the package singleton between test cases. Production
// code never does this (Init is one-shot per boot); tests need it because
// they run in the same process.
func resetForTest() {
	mu.Lock()
	defer mu.Unlock()
	done = false
	pageDir = vmm.PageDir{}
	allocator = nil
	layout = kaslr.VMLayout{}
	unmanagedCursor = 0
	unmanagedEnd = 0
}

func testResult(t *testing.T) bringup.Result {
	t.Helper()

	words := make([]uint64, pmm.WordsNeeded(16))
	a := pmm.NewBitmapAllocator(words, addr.PhysAddr(0), 16)
	a.AddFrame(addr.Containing[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(0)))
	a.AddFrame(addr.Containing[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(4096)))

	l4, err := addr.New[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(0x1000))
	require.Nil(t, err)

	var layout kaslr.VMLayout
	layout.KernelText = kaslr.VMLayoutArea{Start: addr.VirtAddr(0xFFFF_FFFF_8000_0000), Size: 0x10_0000}

	return bringup.Result{
		Layout:    layout,
		PageDir:   vmm.NewPageDir(l4, 0),
		Allocator: a,
	}
}

func TestInitOnlyOnce(t *testing.T) {
	resetForTest()
	defer resetForTest()

	require.Nil(t, Init(testResult(t)))
	assert.Same(t, ErrAlreadyInitialized, Init(testResult(t)))
}

func TestAllocFreeFrame(t *testing.T) {
	resetForTest()
	defer resetForTest()
	require.Nil(t, Init(testResult(t)))

	f, err := AllocFrame()
	require.Nil(t, err)
	assert.True(t, f.Start().Uint64() == 0 || f.Start().Uint64() == 4096)

	assert.Nil(t, FreeFrame(f))
}

func TestLayoutAndActivePageDir(t *testing.T) {
	resetForTest()
	defer resetForTest()
	result := testResult(t)
	require.Nil(t, Init(result))

	assert.Equal(t, result.Layout, Layout())
	assert.Equal(t, result.PageDir, ActivePageDir())
}

func TestReserveUnmanagedAdvancesInOrder(t *testing.T) {
	resetForTest()
	defer resetForTest()
	require.Nil(t, Init(testResult(t)))

	first, err := ReserveUnmanaged(100)
	require.Nil(t, err)

	second, err := ReserveUnmanaged(4096)
	require.Nil(t, err)

	assert.Equal(t, uint64(4096), second.Uint64()-first.Uint64())
}

func TestReserveUnmanagedExhaustion(t *testing.T) {
	resetForTest()
	defer resetForTest()
	require.Nil(t, Init(testResult(t)))

	_, err := ReserveUnmanaged(unmanagedRegionSize + 4096)
	assert.Same(t, ErrVirtualRangeExhausted, err)
}
