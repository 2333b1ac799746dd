package addr

import "unsafe"

func ptrFromUintptr(p uintptr) unsafe.Pointer {
	return unsafe.Pointer(p) //nolint:govet // kernel code intentionally turns raw addresses into pointers
}

// FromPointer returns the virtual address p points at.
func FromPointer[T any](p *T) VirtAddr {
	return VirtAddr(uint64(uintptr(unsafe.Pointer(p))))
}
