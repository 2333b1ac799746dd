package kmain

import (
	"math/rand/v2"

	"github.com/ophion-os/ophion/kernel"
	"github.com/ophion-os/ophion/kernel/bringup"
	"github.com/ophion-os/ophion/kernel/cpu"
	"github.com/ophion-os/ophion/kernel/goruntime"
	"github.com/ophion-os/ophion/kernel/hal"
	"github.com/ophion-os/ophion/kernel/hal/multiboot"
	"github.com/ophion-os/ophion/kernel/kernelcore"
	"github.com/ophion-os/ophion/kernel/mem/addr"
	"github.com/ophion-os/ophion/kernel/mem/kaslr"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and a minimal g0 struct that allows Go code to
// run on the 4KiB stack the assembly code allocated.
//
// The rt0 code passes the physical address of the multiboot2 info payload
// the bootloader left behind, plus the virtual bounds of the kernel image
// the higher-half loader already mapped before jumping here.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelVirtStart, kernelVirtEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	hal.WriteBanner("ophion")

	kernelText := kaslr.VMLayoutArea{
		Start: addr.MustVirt(uint64(kernelVirtStart)),
		Size:  uint64(kernelVirtEnd - kernelVirtStart),
	}

	info := multiboot.Parse(kernelText.Start, kernelText.End())

	// No RDRAND-equivalent primitive is wired up yet, so the per-boot
	// random source falls back to a PRNG seeded off the timestamp
	// counter.
	rng := rand.New(rand.NewPCG(cpu.ReadTSC(), cpu.ReadTSC()^0x9E3779B97F4A7C15))

	result, err := bringup.Run(info, kernelText, rng)
	if err != nil {
		kernel.Panic(err)
	}

	if err := kernelcore.Init(result); err != nil {
		kernel.Panic(err)
	}

	if err := goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
