// Package addr models the two address spaces the kernel reasons about
// (physical and virtual) as distinct Go types so that the compiler, rather
// than a runtime check, prevents a physical address from being used where a
// virtual one is expected or vice versa.
package addr

import "github.com/ophion-os/ophion/kernel"

var (
	// ErrAddressNotCanonical is returned when a raw value cannot be
	// represented as a canonical x86_64 virtual address.
	ErrAddressNotCanonical = &kernel.Error{Module: "addr", Message: "address is not canonical"}

	// ErrAddressOutOfRange is returned when a raw value uses more bits
	// than the physical address width the hardware implements.
	ErrAddressOutOfRange = &kernel.Error{Module: "addr", Message: "address exceeds the implemented physical address width"}

	// ErrFrameNotAligned is returned when a Frame is constructed from an
	// address that is not aligned to its page size.
	ErrFrameNotAligned = &kernel.Error{Module: "addr", Message: "address is not aligned to the requested frame size"}

	// ErrIndexOutOfRange is returned when a page table index >= 512 is requested.
	ErrIndexOutOfRange = &kernel.Error{Module: "addr", Message: "page table index must be in [0, 512)"}
)

// PhysAddrBits is the number of bits this kernel assumes the hardware
// implements for physical addressing (MAXPHYADDR on most contemporary
// x86_64 parts). It is a conservative, implementation-defined constant
// rather than something queried from CPUID, matching the level of detail
// the rest of the bring-up sequence operates at.
const PhysAddrBits = 52

// Value is the shared constraint satisfied by both PhysAddr and VirtAddr.
// Both are defined as ~uint64, so arithmetic helpers can convert through
// uint64 and back without needing a method set.
type Value interface {
	~uint64
}

// PhysAddr is a physical memory address.
type PhysAddr uint64

// NewPhys validates and constructs a PhysAddr. It fails if raw sets any bit
// above PhysAddrBits.
func NewPhys(raw uint64) (PhysAddr, *kernel.Error) {
	if raw>>PhysAddrBits != 0 {
		return 0, ErrAddressOutOfRange
	}
	return PhysAddr(raw), nil
}

// MustPhys is like NewPhys but returns the null address on failure instead
// of threading an error; callers that know raw is valid (e.g. constants)
// use this.
func MustPhys(raw uint64) PhysAddr {
	a, err := NewPhys(raw)
	if err != nil {
		return 0
	}
	return a
}

// Uint64 returns the raw address value.
func (a PhysAddr) Uint64() uint64 { return uint64(a) }

// IsNull returns true if this is the null address.
func (a PhysAddr) IsNull() bool { return a == 0 }

// Add returns a+delta.
func (a PhysAddr) Add(delta uint64) PhysAddr { return PhysAddr(uint64(a) + delta) }

// Sub returns a-delta.
func (a PhysAddr) Sub(delta uint64) PhysAddr { return PhysAddr(uint64(a) - delta) }

// Diff returns the byte distance from o to a.
func (a PhysAddr) Diff(o PhysAddr) uint64 { return uint64(a) - uint64(o) }

// Offset returns a moved by delta bytes; delta may be negative.
func (a PhysAddr) Offset(delta int64) PhysAddr { return PhysAddr(uint64(int64(a) + delta)) }

// AlignDown rounds a down to the nearest multiple of align (align must be a power of two).
func (a PhysAddr) AlignDown(align uint64) PhysAddr { return PhysAddr(alignDown(uint64(a), align)) }

// AlignUp rounds a up to the nearest multiple of align (align must be a power of two).
func (a PhysAddr) AlignUp(align uint64) PhysAddr { return PhysAddr(alignUp(uint64(a), align)) }

// IsAligned returns true if a is already a multiple of align.
func (a PhysAddr) IsAligned(align uint64) bool { return uint64(a)&(align-1) == 0 }

// VirtAddr is a virtual memory address.
type VirtAddr uint64

// NewVirt validates and constructs a VirtAddr. raw must be a canonical
// 48-bit address: bits 63:47 must all equal bit 47.
func NewVirt(raw uint64) (VirtAddr, *kernel.Error) {
	if !isCanonical(raw) {
		return 0, ErrAddressNotCanonical
	}
	return VirtAddr(raw), nil
}

// MustVirt is like NewVirt but returns the null address on failure instead
// of threading an error, for use with compile-time-known-good constants.
func MustVirt(raw uint64) VirtAddr {
	a, err := NewVirt(raw)
	if err != nil {
		return 0
	}
	return a
}

func isCanonical(raw uint64) bool {
	const signBit = uint64(1) << 47
	top17 := raw >> 47
	if raw&signBit == 0 {
		return top17 == 0
	}
	return top17 == (1<<17)-1
}

// Uint64 returns the raw address value.
func (a VirtAddr) Uint64() uint64 { return uint64(a) }

// IsNull returns true if this is the null address.
func (a VirtAddr) IsNull() bool { return a == 0 }

// Add returns a+delta. The result is not re-validated for canonicality.
func (a VirtAddr) Add(delta uint64) VirtAddr { return VirtAddr(uint64(a) + delta) }

// Sub returns a-delta.
func (a VirtAddr) Sub(delta uint64) VirtAddr { return VirtAddr(uint64(a) - delta) }

// Diff returns the byte distance from o to a.
func (a VirtAddr) Diff(o VirtAddr) uint64 { return uint64(a) - uint64(o) }

// Offset returns a moved by delta bytes; delta may be negative.
func (a VirtAddr) Offset(delta int64) VirtAddr { return VirtAddr(uint64(int64(a) + delta)) }

// AlignDown rounds a down to the nearest multiple of align (align must be a power of two).
func (a VirtAddr) AlignDown(align uint64) VirtAddr { return VirtAddr(alignDown(uint64(a), align)) }

// AlignUp rounds a up to the nearest multiple of align (align must be a power of two).
func (a VirtAddr) AlignUp(align uint64) VirtAddr { return VirtAddr(alignUp(uint64(a), align)) }

// IsAligned returns true if a is already a multiple of align.
func (a VirtAddr) IsAligned(align uint64) bool { return uint64(a)&(align-1) == 0 }

// Indices returns the four page-table indices (L4, L3, L2, L1) that a
// 4KiB-granularity walk of a would traverse.
func (a VirtAddr) Indices() (l4, l3, l2, l1 PageTableIndex) {
	raw := uint64(a)
	l4 = PageTableIndex((raw >> 39) & 0x1FF)
	l3 = PageTableIndex((raw >> 30) & 0x1FF)
	l2 = PageTableIndex((raw >> 21) & 0x1FF)
	l1 = PageTableIndex((raw >> 12) & 0x1FF)
	return
}

// FromIndices4KiB reconstructs the canonical VirtAddr whose 4KiB-level page
// table walk visits the four given indices, with a zero page offset.
func FromIndices4KiB(l4, l3, l2, l1 PageTableIndex) VirtAddr {
	raw := uint64(l4)<<39 | uint64(l3)<<30 | uint64(l2)<<21 | uint64(l1)<<12
	return VirtAddr(signExtend47(raw))
}

// FromIndices2MiB reconstructs the canonical VirtAddr for a 2MiB-level walk
// (L4, L3, L2), with a zero page offset.
func FromIndices2MiB(l4, l3, l2 PageTableIndex) VirtAddr {
	raw := uint64(l4)<<39 | uint64(l3)<<30 | uint64(l2)<<21
	return VirtAddr(signExtend47(raw))
}

// FromIndices1GiB reconstructs the canonical VirtAddr for a 1GiB-level walk
// (L4, L3), with a zero page offset.
func FromIndices1GiB(l4, l3 PageTableIndex) VirtAddr {
	raw := uint64(l4)<<39 | uint64(l3)<<30
	return VirtAddr(signExtend47(raw))
}

func signExtend47(raw uint64) uint64 {
	const signBit = uint64(1) << 47
	if raw&signBit != 0 {
		mask := ^uint64(0)
		return raw | mask<<48
	}
	return raw
}

// PointerAt reinterprets a as a pointer to T. It is a free function rather
// than a method because Go methods cannot introduce their own type
// parameters beyond the receiver's.
func PointerAt[T any](a VirtAddr) *T {
	return (*T)(ptrFromUintptr(uintptr(a)))
}

// PageTableIndex is a validated index into one level of a page table
// (always in [0, 512)).
type PageTableIndex uint16

// NewPageTableIndex validates and constructs a PageTableIndex.
func NewPageTableIndex(raw uint16) (PageTableIndex, *kernel.Error) {
	if raw >= 512 {
		return 0, ErrIndexOutOfRange
	}
	return PageTableIndex(raw), nil
}

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

func alignUp(v, align uint64) uint64 {
	return alignDown(v+align-1, align)
}
