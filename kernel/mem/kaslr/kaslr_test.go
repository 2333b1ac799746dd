package kaslr

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ophion-os/ophion/kernel/mem/addr"
)

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

func kernelTextAt(offset uint64, size uint64) VMLayoutArea {
	return VMLayoutArea{Start: KernSpaceBegin.Add(offset), Size: size}
}

func TestPlanDeterministicForFixedSeed(t *testing.T) {
	const totalRAM = 128 * 1024 * 1024
	kernText := VMLayoutArea{Start: addr.VirtAddr(0xFFFF_FFFF_8000_0000), Size: 4 * 1024 * 1024}

	l1, err := Plan(totalRAM, kernText, 8, newRNG(0xDEAD_BEEF))
	require.Nil(t, err)

	l2, err := Plan(totalRAM, kernText, 8, newRNG(0xDEAD_BEEF))
	require.Nil(t, err)

	assert.Equal(t, l1.Areas(), l2.Areas(), "identical seeds must produce identical layouts")

	for i, a := range l1.Areas() {
		for j, b := range l1.Areas() {
			if i != j {
				assert.False(t, a.Overlaps(b), "regions %s and %s overlap", Region(i), Region(j))
			}
		}
	}

	bitmap := l1.Area(PhysMemBitmap)
	assert.Equal(t, uint64(8*4096), bitmap.Size)

	stack := l1.Area(KernStack)
	assert.Equal(t, uint64(65536), stack.Size)

	direct := l1.Area(PhysMemMapping)
	assert.Equal(t, uint64(totalRAM), direct.Size)

	tmp := l1.Area(TmpMapping)
	assert.Equal(t, uint64(2*1024*1024), tmp.Size)

	heap := l1.Area(KernHeap)
	cache := l1.Area(PageCache)
	fixedSum := bitmap.Size + direct.Size + stack.Size + tmp.Size
	kernSpaceSize := uint64(kernText.Start) - uint64(KernSpaceBegin)
	assert.LessOrEqual(t, heap.Size+cache.Size, kernSpaceSize-fixedSum)
}

func TestPlanProducesDisjointAlignedAreas(t *testing.T) {
	kernText := kernelTextAt(200*1024*1024*1024, 8*1024*1024)

	for seed := uint64(0); seed < 25; seed++ {
		layout, err := Plan(4*1024*1024*1024, kernText, 256, newRNG(seed))
		require.Nil(t, err, "seed %d", seed)

		areas := layout.Areas()
		for i, a := range areas {
			assert.True(t, a.Start.IsAligned(Region(i).alignment()), "seed %d region %s misaligned", seed, Region(i))
			assert.GreaterOrEqual(t, a.Start.Uint64(), uint64(KernSpaceBegin))
			assert.LessOrEqual(t, a.End().Uint64(), kernText.Start.Uint64())

			for j, b := range areas {
				if i == j {
					continue
				}
				assert.False(t, a.Overlaps(b), "seed %d regions %s and %s overlap", seed, Region(i), Region(j))
			}
		}
	}
}

func TestPlanCanonicalOutputOrderIndependentOfShuffle(t *testing.T) {
	kernText := kernelTextAt(64*1024*1024*1024, 4*1024*1024)

	layout, err := Plan(128*1024*1024, kernText, 8, newRNG(1))
	require.Nil(t, err)

	areas := layout.Areas()
	assert.Equal(t, layout.Area(KernHeap), areas[KernHeap])
	assert.Equal(t, layout.Area(TmpMapping), areas[TmpMapping])
}

func TestPlanInfeasibleWhenFixedRegionsExceedKernelSpace(t *testing.T) {
	kernText := kernelTextAt(1024*1024, 4096) // only 1MiB of kernel space total

	_, err := Plan(128*1024*1024, kernText, 8, newRNG(1))
	assert.Equal(t, ErrLayoutInfeasible, err)
}
