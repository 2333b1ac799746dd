package main

import "github.com/ophion-os/ophion/kernel/kmain"

// multibootInfoPtr, kernelVirtStart and kernelVirtEnd are populated by the
// rt0 trampoline before jumping to main; they are declared as package
// globals, rather than passed as literal zero arguments, to stop the
// compiler from inlining the call below and eliminating kmain.Kmain from
// the generated object file.
var (
	multibootInfoPtr uintptr
	kernelVirtStart  uintptr
	kernelVirtEnd    uintptr
)

// main is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function works as a trampoline for calling the
// actual kernel entrypoint (kmain.Kmain) and is intentionally defined to
// prevent the Go compiler from optimizing away the actual kernel code, as
// it is not aware of the presence of the rt0 code.
//
// The main function is invoked by the rt0 assembly code after setting up
// the GDT and a minimal g0 struct that allows Go code to run on the 4KiB
// stack the assembly code allocated.
//
// main is not expected to return. If it does, the rt0 code will halt the
// CPU.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelVirtStart, kernelVirtEnd)
}
