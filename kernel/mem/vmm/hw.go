package vmm

import (
	"github.com/ophion-os/ophion/kernel/cpu"
	"github.com/ophion-os/ophion/kernel/mem/addr"
)

func cpuFlushTLBEntry(virt addr.VirtAddr) {
	cpu.FlushTLBEntry(uintptr(virt.Uint64()))
}

func cpuFlushTLBAll() {
	cpu.FlushTLBAll()
}

func cpuSwitchPDTReal(phys addr.PhysAddr) {
	cpu.SwitchPDT(uintptr(phys.Uint64()))
}

func cpuActivePDTReal() addr.PhysAddr {
	return addr.PhysAddr(uint64(cpu.ActivePDT()))
}

var (
	// cpuSwitchPDTFn and cpuActivePDTFn are overridden by tests; inlined by
	// the compiler everywhere else, same as flushTLBEntryFn/flushTLBAllFn
	// in tlb.go.
	cpuSwitchPDTFn = cpuSwitchPDTReal
	cpuActivePDTFn = cpuActivePDTReal
)
