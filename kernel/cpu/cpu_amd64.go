package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLBAll flushes every TLB entry by reloading CR3.
func FlushTLBAll()

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// ReadTSC returns the CPU's time-stamp counter. Used as a fallback entropy
// source for seeding the KASLR random source when no RDRAND-equivalent
// instruction is available.
func ReadTSC() uint64

// OutB writes a byte to the given I/O port.
func OutB(port uint16, value uint8)

// InB reads a byte from the given I/O port.
func InB(port uint16) uint8
