// Command kaslrplan runs the kernel's KASLR virtual-memory layout planner
// (kernel/mem/kaslr) from the host, for a given seed and kernel footprint,
// and prints the resulting region placement as YAML.
//
// It exists so the placement algorithm can be inspected and regression
// tested without booting a kernel image: the same kernel/mem/kaslr.Plan
// function the kernel calls during bring-up is called here, seeded the
// same way (math/rand/v2, PCG), against parameters supplied on the command
// line instead of a real boot-time memory map.
package main

import (
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ophion-os/ophion/kernel/mem/addr"
	"github.com/ophion-os/ophion/kernel/mem/kaslr"
	"github.com/ophion-os/ophion/kernel/mem/pmm"
)

type regionOut struct {
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	Size  uint64 `yaml:"size"`
	End   string `yaml:"end"`
}

type planOut struct {
	Seed       uint64      `yaml:"seed"`
	KernelText regionOut   `yaml:"kernelText"`
	Regions    []regionOut `yaml:"regions"`
}

func main() {
	var (
		seed            uint64
		kernelTextStart uint64
		kernelTextSize  uint64
		totalRAM        uint64
	)

	root := &cobra.Command{
		Use:   "kaslrplan",
		Short: "Simulate the kernel's KASLR virtual-memory layout planner",
		RunE: func(cmd *cobra.Command, args []string) error {
			kernelText := kaslr.VMLayoutArea{
				Start: addr.MustVirt(kernelTextStart),
				Size:  kernelTextSize,
			}

			bitmapPages := bitmapPagesFor(totalRAM)

			rng := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
			layout, err := kaslr.Plan(totalRAM, kernelText, bitmapPages, rng)
			if err != nil {
				return fmt.Errorf("planning layout: %s", err.Message)
			}

			out := planOut{
				Seed:       seed,
				KernelText: areaToYAML("KernelText", kernelText),
			}
			for _, area := range layout.Areas() {
				out.Regions = append(out.Regions, areaToYAML("", area))
			}
			// Name each region by its canonical ordinal, matching
			// kaslr.Region's own String() order.
			for i := range out.Regions {
				out.Regions[i].Name = kaslr.Region(i).String()
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(out)
		},
	}

	flags := root.Flags()
	flags.Uint64Var(&seed, "seed", 1, "seed for the per-boot random source")
	flags.Uint64Var(&kernelTextStart, "kernel-text-start", 0xFFFF_FFFF_8000_0000, "virtual address the loaded kernel image starts at")
	flags.Uint64Var(&kernelTextSize, "kernel-text-size", 2*1024*1024, "size in bytes of the loaded kernel image")
	flags.Uint64Var(&totalRAM, "total-ram", 4*1024*1024*1024, "total usable physical memory in bytes")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bitmapPagesFor mirrors kernel/bringup.Run's own sizing of the physical
// frame bitmap for totalRAM bytes of usable memory, so the layout this tool
// prints matches what bring-up would actually commit to for the same RAM
// size.
func bitmapPagesFor(totalRAM uint64) uint64 {
	const page4KiB = uint64(4096)
	totalFrames := (totalRAM + page4KiB - 1) / page4KiB
	bitmapWords := pmm.WordsNeeded(totalFrames)
	bitmapBytes := bitmapWords * 8
	return (bitmapBytes + page4KiB - 1) / page4KiB
}

func areaToYAML(name string, a kaslr.VMLayoutArea) regionOut {
	return regionOut{
		Name:  name,
		Start: fmt.Sprintf("0x%x", a.Start.Uint64()),
		Size:  a.Size,
		End:   fmt.Sprintf("0x%x", a.End().Uint64()),
	}
}
