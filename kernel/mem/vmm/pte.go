package vmm

import "github.com/ophion-os/ophion/kernel/mem/addr"

// PTFlag is a page table entry flag bit.
type PTFlag uint64

// The subset of x86_64 page table entry flags the kernel assigns meaning
// to.
const (
	FlagPresent      PTFlag = 1 << 0
	FlagRW           PTFlag = 1 << 1
	FlagUser         PTFlag = 1 << 2
	FlagWriteThru    PTFlag = 1 << 3
	FlagCacheDisable PTFlag = 1 << 4
	FlagAccessed     PTFlag = 1 << 5
	FlagDirty        PTFlag = 1 << 6
	FlagHugePage     PTFlag = 1 << 7
	FlagGlobal       PTFlag = 1 << 8
	FlagNoExecute    PTFlag = 1 << 63

	addrMask = uint64(0x000F_FFFF_FFFF_F000)
)

// pageTableEntry is the raw 64-bit hardware representation of one page
// table slot at any of the four levels.
type pageTableEntry uint64

// HasFlags returns true if every bit set in flags is also set on the entry.
func (e pageTableEntry) HasFlags(flags PTFlag) bool {
	return uint64(e)&uint64(flags) == uint64(flags)
}

// SetFlags ORs flags into the entry.
func (e *pageTableEntry) SetFlags(flags PTFlag) {
	*e |= pageTableEntry(flags)
}

// ClearFlags clears flags on the entry.
func (e *pageTableEntry) ClearFlags(flags PTFlag) {
	*e &^= pageTableEntry(flags)
}

// Frame returns the physical frame this entry points at.
func (e pageTableEntry) Frame() addr.Frame[addr.PhysAddr, addr.Page4KiB] {
	return addr.Containing[addr.PhysAddr, addr.Page4KiB](addr.PhysAddr(uint64(e) & addrMask))
}

// SetFrame points the entry at f, preserving its flag bits.
func (e *pageTableEntry) SetFrame(f addr.Frame[addr.PhysAddr, addr.Page4KiB]) {
	*e = pageTableEntry(uint64(*e)&^addrMask | (f.Start().Uint64() & addrMask))
}

// Addr returns the raw physical address embedded in the entry, regardless
// of whether it names a 4KiB, 2MiB or 1GiB frame.
func (e pageTableEntry) Addr() addr.PhysAddr {
	return addr.PhysAddr(uint64(e) & addrMask)
}

// SetAddr points the entry at the given physical address, preserving its
// flag bits. Used for huge-page leaves where the embedded frame is 2MiB/1GiB
// aligned rather than 4KiB aligned.
func (e *pageTableEntry) SetAddr(a addr.PhysAddr) {
	*e = pageTableEntry(uint64(*e)&^addrMask | (a.Uint64() & addrMask))
}

// flagBits is every flag bit this kernel assigns meaning to; masking an
// entry with it isolates the flag set from the embedded address.
const flagBits = uint64(FlagPresent | FlagRW | FlagUser | FlagWriteThru | FlagCacheDisable |
	FlagAccessed | FlagDirty | FlagHugePage | FlagGlobal | FlagNoExecute)

// Flags returns every recognized flag bit currently set on the entry.
func (e pageTableEntry) Flags() PTFlag {
	return PTFlag(uint64(e) & flagBits)
}

// Present reports the entry's present bit.
func (e pageTableEntry) Present() bool { return e.HasFlags(FlagPresent) }

// Readable is always true on x86_64: there is no independent read-disable
// bit, only the no-execute bit that this accessor is intentionally distinct
// from. It exists so code written against the logical PTE contract
// compiles unchanged against architectures that do have one.
func (e pageTableEntry) Readable() bool { return true }

// Writable reports the entry's read/write bit.
func (e pageTableEntry) Writable() bool { return e.HasFlags(FlagRW) }

// UserAccessible reports the entry's user/supervisor bit.
func (e pageTableEntry) UserAccessible() bool { return e.HasFlags(FlagUser) }

// Cacheable reports whether the entry permits caching (i.e. the
// cache-disable bit is clear).
func (e pageTableEntry) Cacheable() bool { return !e.HasFlags(FlagCacheDisable) }

// Global reports the entry's global bit.
func (e pageTableEntry) Global() bool { return e.HasFlags(FlagGlobal) }

// Accessed reports the entry's accessed bit.
func (e pageTableEntry) Accessed() bool { return e.HasFlags(FlagAccessed) }

// Dirty reports the entry's dirty bit.
func (e pageTableEntry) Dirty() bool { return e.HasFlags(FlagDirty) }

// Huge reports whether this entry is a 2MiB/1GiB leaf rather than a
// next-level directory pointer.
func (e pageTableEntry) Huge() bool { return e.HasFlags(FlagHugePage) }

// NoExecute reports the entry's execute-disable bit.
func (e pageTableEntry) NoExecute() bool { return e.HasFlags(FlagNoExecute) }
