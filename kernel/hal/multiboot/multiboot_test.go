package multiboot

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/ophion-os/ophion/kernel/hal/bootinfo"
	"github.com/ophion-os/ophion/kernel/mem/addr"
)

// buildTestInfo assembles a synthetic multiboot2 info payload: a cmdline
// tag, a bootloader name tag, a memory map with three entries and the
// terminating end tag, with the 8-byte tag alignment the real structure
// carries.
func buildTestInfo(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	write := func(v interface{}) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}

	write(uint32(0)) // total size, unused by the walker
	write(uint32(0)) // reserved

	appendTag := func(typ tagType, content []byte) {
		write(uint32(typ))
		write(uint32(8 + len(content)))
		buf.Write(content)
		for buf.Len()%8 != 0 {
			buf.WriteByte(0)
		}
	}

	appendTag(tagBootCmdLine, []byte("-log-level=Debug nosmp\x00"))
	appendTag(tagBootLoaderName, []byte("GRUB 2.06\x00"))

	var mmap bytes.Buffer
	mm := func(v interface{}) {
		if err := binary.Write(&mmap, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	mm(uint32(24)) // entry size
	mm(uint32(0))  // entry version
	entries := []struct {
		base, length uint64
		typ          uint32
	}{
		{0, 0x9_F000, uint32(MemAvailable)},
		{0x9_F000, 0x1000, uint32(MemReserved)},
		{0x10_0000, 0x7F0_0000, uint32(MemAvailable)},
	}
	for _, e := range entries {
		mm(e.base)
		mm(e.length)
		mm(e.typ)
		mm(uint32(0)) // reserved
	}
	appendTag(tagMemoryMap, mmap.Bytes())

	appendTag(tagMbSectionEnd, nil)
	return buf.Bytes()
}

func TestVisitMemRegions(t *testing.T) {
	data := buildTestInfo(t)
	SetInfoPtr(uintptr(unsafe.Pointer(&data[0])))

	var got []MemoryMapEntry
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		got = append(got, *entry)
		return true
	})

	if len(got) != 3 {
		t.Fatalf("expected 3 memory regions; got %d", len(got))
	}
	if got[0].PhysAddress != 0 || got[0].Length != 0x9_F000 || got[0].Type != MemAvailable {
		t.Errorf("unexpected first region: %+v", got[0])
	}
	if got[2].PhysAddress != 0x10_0000 || got[2].Type != MemAvailable {
		t.Errorf("unexpected last region: %+v", got[2])
	}
}

func TestCmdLineAndBootLoaderName(t *testing.T) {
	data := buildTestInfo(t)
	SetInfoPtr(uintptr(unsafe.Pointer(&data[0])))

	if got := CmdLine(); got != "-log-level=Debug nosmp" {
		t.Errorf("unexpected command line %q", got)
	}
	if got := BootLoaderName(); got != "GRUB 2.06" {
		t.Errorf("unexpected bootloader name %q", got)
	}
}

func TestParse(t *testing.T) {
	data := buildTestInfo(t)
	SetInfoPtr(uintptr(unsafe.Pointer(&data[0])))

	virtStart := addr.VirtAddr(0xFFFF_FFFF_8000_0000)
	virtEnd := addr.VirtAddr(0xFFFF_FFFF_8040_0000)
	bi := Parse(virtStart, virtEnd)

	if bi.BootloaderName != "GRUB 2.06" {
		t.Errorf("unexpected bootloader name %q", bi.BootloaderName)
	}
	if bi.KernelVirtStart != virtStart || bi.KernelVirtEnd != virtEnd {
		t.Error("kernel virtual bounds not carried through")
	}
	if bi.NumRegions() != 3 {
		t.Fatalf("expected 3 normalized regions; got %d", bi.NumRegions())
	}
	if bi.Regions()[1].Kind != bootinfo.RegionReserved {
		t.Errorf("expected region 1 to normalize to reserved; got %s", bi.Regions()[1].Kind)
	}
	if want := uint64(0x9_F000 + 0x7F0_0000); bi.TotalAvailable() != want {
		t.Errorf("expected %d bytes available; got %d", want, bi.TotalAvailable())
	}

	if val, ok := bi.CmdlineToken("-log-level"); !ok || val != "Debug" {
		t.Errorf("expected -log-level=Debug; got %q (ok=%t)", val, ok)
	}
}
