// Package pmm implements the bitmap-backed physical frame allocator that
// takes over from the boot-time bump allocator (package bootmem) once the
// kernel's own memory map is known. Each bit tracks one 4KiB frame; a bit
// value of 1 means the frame is free, 0 means it is in use.
package pmm

import (
	"math/bits"
	"sync"

	"github.com/ophion-os/ophion/kernel"
	"github.com/ophion-os/ophion/kernel/hal/bootinfo"
	"github.com/ophion-os/ophion/kernel/mem/addr"
)

var (
	// ErrOutOfPhysicalMemory is returned when no free frame (or run of
	// frames) satisfying a request can be found.
	ErrOutOfPhysicalMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	// ErrDoubleFree is returned when a frame already marked free is freed again.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame was already free"}
)

const wordBits = 64

// Frame4K is the unit of allocation for the bitmap allocator.
type Frame4K = addr.Frame[addr.PhysAddr, addr.Page4KiB]

// FrameRange4K is a contiguous run of Frame4K.
type FrameRange4K = addr.FrameRange[addr.PhysAddr, addr.Page4KiB]

// BitmapAllocator is a word-at-a-time bitmap allocator over a fixed range of
// physical frames. Storage for the bitmap itself is supplied by the caller
// (typically a handful of frames carved out via the boot allocator during
// bring-up) — this package only ever reasons about bit positions.
type BitmapAllocator struct {
	mu sync.Mutex

	words []uint64
	base  addr.PhysAddr

	totalFrames     uint64
	allocatedFrames uint64
}

// NewBitmapAllocator wraps words (every bit initialized to 0, i.e. in use)
// as the bitmap for totalFrames frames starting at base. Callers populate
// availability with AddRegion/AddFrame before allocating.
func NewBitmapAllocator(words []uint64, base addr.PhysAddr, totalFrames uint64) *BitmapAllocator {
	for i := range words {
		words[i] = 0
	}
	return &BitmapAllocator{
		words:           words,
		base:            base,
		totalFrames:     totalFrames,
		allocatedFrames: totalFrames,
	}
}

// WordsNeeded returns how many uint64 words of storage a bitmap covering
// totalFrames frames requires.
func WordsNeeded(totalFrames uint64) uint64 {
	return (totalFrames + wordBits - 1) / wordBits
}

func (b *BitmapAllocator) frameIndex(f Frame4K) uint64 {
	return (f.Start().Uint64() - b.base.Uint64()) / f.Size()
}

func (b *BitmapAllocator) frameFromIndex(index uint64) Frame4K {
	return addr.Containing[addr.PhysAddr, addr.Page4KiB](b.base.Add(index * 4096))
}

func (b *BitmapAllocator) testBit(index uint64) bool {
	return b.words[index/wordBits]&(uint64(1)<<(index%wordBits)) != 0
}

func (b *BitmapAllocator) setBit(index uint64) {
	b.words[index/wordBits] |= uint64(1) << (index % wordBits)
}

func (b *BitmapAllocator) clearBit(index uint64) {
	b.words[index/wordBits] &^= uint64(1) << (index % wordBits)
}

// AddRegion marks every frame fully contained in an available boot memory
// region as free. Regions that are not RegionAvailable are ignored.
func (b *BitmapAllocator) AddRegion(r bootinfo.MemoryRegion) {
	if r.Kind != bootinfo.RegionAvailable {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	startIdx := (r.Start.Uint64() + 4095 - b.base.Uint64()) / 4096
	endIdx := (r.End().Uint64() - b.base.Uint64()) / 4096
	for i := startIdx; i < endIdx && i < b.totalFrames; i++ {
		if !b.testBit(i) {
			b.setBit(i)
			b.allocatedFrames--
		}
	}
}

// AddFrame marks a single frame as free. Used only once, while draining the
// boot-time bump allocator's residue into the bitmap during bring-up.
func (b *BitmapAllocator) AddFrame(f Frame4K) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.frameIndex(f)
	if idx >= b.totalFrames {
		return
	}
	if !b.testBit(idx) {
		b.setBit(idx)
		b.allocatedFrames--
	}
}

// MarkUsed reserves f unconditionally, marking it in use whether or not it
// was free.
func (b *BitmapAllocator) MarkUsed(f Frame4K) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.frameIndex(f)
	if b.testBit(idx) {
		b.clearBit(idx)
		b.allocatedFrames++
	}
}

// AllocOne finds the first free frame, marks it used, and returns it.
func (b *BitmapAllocator) AllocOne() (Frame4K, *kernel.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for wordIdx, word := range b.words {
		if word == 0 {
			continue
		}
		bit := bits.TrailingZeros64(word)
		index := uint64(wordIdx)*wordBits + uint64(bit)
		if index >= b.totalFrames {
			continue
		}

		b.clearBit(index)
		b.allocatedFrames++
		return b.frameFromIndex(index), nil
	}

	var zero Frame4K
	return zero, ErrOutOfPhysicalMemory
}

// FreeOne returns f to the pool of free frames.
func (b *BitmapAllocator) FreeOne(f Frame4K) *kernel.Error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.frameIndex(f)
	if b.testBit(idx) {
		return ErrDoubleFree
	}
	b.setBit(idx)
	b.allocatedFrames--
	return nil
}

// AllocContiguous finds the first run of n frames, starting at a frame index
// that is a multiple of alignFrames, that is entirely free, marks all of
// them used and returns the range.
//
// The search steps by alignFrames, not by n: every position that is both a
// multiple of alignFrames and the start of n consecutive free bits is
// found, so a free run whose start is not a multiple of the block size is
// never skipped over.
func (b *BitmapAllocator) AllocContiguous(n, alignFrames uint64) (FrameRange4K, *kernel.Error) {
	if alignFrames == 0 {
		alignFrames = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for start := uint64(0); start+n <= b.totalFrames; start += alignFrames {
		if b.rangeIsFree(start, n) {
			for i := start; i < start+n; i++ {
				b.clearBit(i)
			}
			b.allocatedFrames += n
			return addr.RangeN(b.frameFromIndex(start), n), nil
		}
	}

	var zero FrameRange4K
	return zero, ErrOutOfPhysicalMemory
}

// FreeContiguous returns every frame in r to the pool.
func (b *BitmapAllocator) FreeContiguous(r FrameRange4K) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := b.frameIndex(r.Start())
	n := r.Len()
	for i := start; i < start+n; i++ {
		if !b.testBit(i) {
			b.setBit(i)
			b.allocatedFrames--
		}
	}
}

func (b *BitmapAllocator) rangeIsFree(start, n uint64) bool {
	for i := start; i < start+n; i++ {
		if !b.testBit(i) {
			return false
		}
	}
	return true
}

// AllocatedFrames returns the number of frames currently in use.
func (b *BitmapAllocator) AllocatedFrames() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocatedFrames
}

// AllocatedMem returns the number of bytes currently in use.
func (b *BitmapAllocator) AllocatedMem() uint64 {
	return b.AllocatedFrames() * 4096
}

// TotalFrames returns the total number of frames the allocator tracks.
func (b *BitmapAllocator) TotalFrames() uint64 {
	return b.totalFrames
}
