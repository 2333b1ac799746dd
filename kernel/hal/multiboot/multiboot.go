// Package multiboot knows how to walk a multiboot2 info structure and
// nothing else. Everything downstream of bring-up consumes the normalized
// kernel/hal/bootinfo.BootInfo that Parse produces, never this package's
// tag-walking types directly, so swapping the bootloader means swapping
// only this adapter.
package multiboot

import (
	"unsafe"

	"github.com/ophion-os/ophion/kernel/hal/bootinfo"
	"github.com/ophion-os/ophion/kernel/mem/addr"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// tagHeader describes the header that precedes each tag.
type tagHeader struct {
	tagType tagType
	size    uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

// The multiboot2 memory map entry types.
const (
	MemAvailable MemoryEntryType = iota + 1
	MemReserved
	MemAcpiReclaimable
	MemNvs

	memUnknown
)

// MemoryMapEntry describes a memory region entry: its physical address, its
// length and its type.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// MemRegionVisitor is invoked by VisitMemRegions for each memory region the
// bootloader reported. The visitor returns true to continue or false to
// abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

var infoData uintptr

// SetInfoPtr registers the physical address of the multiboot2 info
// structure the bootloader left in a known register at kernel entry. Must
// be called before any other function in this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions invokes visitor for every memory region in the bootloader
// memory map, in the order the bootloader reported them.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	for curPtr != endPtr {
		entry := (*MemoryMapEntry)(unsafe.Pointer(curPtr))
		if entry.Type == 0 || entry.Type > memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// CmdLine returns the kernel command line the bootloader reported, or "" if
// no command-line tag is present.
func CmdLine() string {
	ptr, size := findTagByType(tagBootCmdLine)
	if size == 0 {
		return ""
	}
	return cString(ptr, size)
}

// BootLoaderName returns the bootloader's self-reported name, or "" if no
// such tag is present.
func BootLoaderName() string {
	ptr, size := findTagByType(tagBootLoaderName)
	if size == 0 {
		return ""
	}
	return cString(ptr, size)
}

func cString(ptr uintptr, maxLen uint32) string {
	buf := make([]byte, 0, maxLen)
	for i := uint32(0); i < maxLen; i++ {
		c := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if c == 0 {
			break
		}
		buf = append(buf, c)
	}
	return string(buf)
}

// findTagByType scans the multiboot info data for the start of the tag
// matching tagType. It returns a pointer to the tag contents (past the
// 8-byte header) and the content length. Returns (0, 0) if absent.
func findTagByType(wantType tagType) (uintptr, uint32) {
	curPtr := infoData + 8

	for {
		hdr := (*tagHeader)(unsafe.Pointer(curPtr))
		if hdr.tagType == tagMbSectionEnd {
			return 0, 0
		}
		if hdr.tagType == wantType {
			return curPtr + 8, hdr.size - 8
		}

		// Tags are 8-byte aligned.
		curPtr += uintptr(int32(hdr.size+7) &^ 7)
	}
}

func regionKind(t MemoryEntryType) bootinfo.RegionKind {
	switch t {
	case MemAvailable:
		return bootinfo.RegionAvailable
	case MemReserved:
		return bootinfo.RegionReserved
	case MemAcpiReclaimable:
		return bootinfo.RegionACPIReclaimable
	case MemNvs:
		return bootinfo.RegionACPINVS
	default:
		return bootinfo.RegionBad
	}
}

// Parse normalizes the multiboot2 info structure registered via SetInfoPtr
// into a bootloader-agnostic bootinfo.BootInfo. kernelVirtStart/End is the
// virtual range the kernel image occupies: by the time Kmain runs, the
// higher-half loader has already installed the kernel's own mapping, so the
// rt0 trampoline hands Kmain virtual, not physical, bounds for the loaded
// image.
func Parse(kernelVirtStart, kernelVirtEnd addr.VirtAddr) *bootinfo.BootInfo {
	bi := &bootinfo.BootInfo{
		BootloaderName:  BootLoaderName(),
		KernelVirtStart: kernelVirtStart,
		KernelVirtEnd:   kernelVirtEnd,
		CommandLine:     CmdLine(),
	}

	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		return bi.AddRegion(bootinfo.MemoryRegion{
			Start:  addr.PhysAddr(entry.PhysAddress),
			Length: entry.Length,
			Kind:   regionKind(entry.Type),
		})
	})

	return bi
}
