package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ophion-os/ophion/kernel/mem/addr"
	"github.com/ophion-os/ophion/kernel/mem/kaslr"
)

func TestBitmapPagesForMatchesBringup(t *testing.T) {
	// A 4GiB system needs a bitmap covering 2^20 frames: 2^20 bits is
	// 2^17 bytes, i.e. 32 4KiB pages.
	got := bitmapPagesFor(4 * 1024 * 1024 * 1024)
	assert.Equal(t, uint64(32), got)
}

func TestBitmapPagesForRoundsUp(t *testing.T) {
	got := bitmapPagesFor(4096) // one frame
	assert.Equal(t, uint64(1), got)
}

func TestAreaToYAML(t *testing.T) {
	area := kaslr.VMLayoutArea{Start: addr.VirtAddr(0xFFFF_8000_0000_0000), Size: 0x1000}
	out := areaToYAML("KernHeap", area)

	assert.Equal(t, "KernHeap", out.Name)
	assert.Equal(t, "0xffff800000000000", out.Start)
	assert.Equal(t, uint64(0x1000), out.Size)
	assert.Equal(t, "0xffff800000001000", out.End)
}
