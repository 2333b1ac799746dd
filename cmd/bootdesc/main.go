// Command bootdesc loads a YAML boot descriptor describing a simulated
// firmware memory map, cmdline and kernel image bounds, and either
// validates it or dumps the state of a bitmap frame allocator sized the way
// bring-up sizes it, with every available region marked free. Frames that
// bring-up would hand out before the bitmap takes over are not marked in
// use. When given a real ELF image it also disassembles the bytes at the
// entry point, as a sanity check on the rt0 trampoline the linker produced.
//
// This lets kernel/mem/pmm and kernel/hal/bootinfo be exercised from
// host-side Go tooling, without a hypervisor.
package main

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"
	"gopkg.in/yaml.v3"

	"github.com/ophion-os/ophion/kernel/hal/bootinfo"
	"github.com/ophion-os/ophion/kernel/mem/addr"
	"github.com/ophion-os/ophion/kernel/mem/pmm"
)

// descriptor is the on-disk YAML shape. It carries the subset of
// bootinfo.BootInfo that bring-up reads from a memory map (command line,
// kernel virtual bounds, regions), using plain strings/ints so it is easy
// to hand-author, and is converted to a real bootinfo.BootInfo by
// toBootInfo.
type descriptor struct {
	CommandLine     string             `yaml:"cmdline"`
	KernelVirtStart uint64             `yaml:"kernelVirtStart"`
	KernelVirtEnd   uint64             `yaml:"kernelVirtEnd"`
	Regions         []descriptorRegion `yaml:"regions"`
}

type descriptorRegion struct {
	Start  uint64 `yaml:"start"`
	Length uint64 `yaml:"length"`
	Kind   string `yaml:"kind"`
}

func parseKind(s string) (bootinfo.RegionKind, bool) {
	switch s {
	case "available":
		return bootinfo.RegionAvailable, true
	case "reserved":
		return bootinfo.RegionReserved, true
	case "acpi-reclaimable":
		return bootinfo.RegionACPIReclaimable, true
	case "acpi-nvs":
		return bootinfo.RegionACPINVS, true
	case "bad":
		return bootinfo.RegionBad, true
	default:
		return bootinfo.RegionUnknown, false
	}
}

func loadDescriptor(path string) (*descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var d descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &d, nil
}

func (d *descriptor) toBootInfo() (*bootinfo.BootInfo, error) {
	bi := &bootinfo.BootInfo{
		KernelVirtStart: addr.MustVirt(d.KernelVirtStart),
		KernelVirtEnd:   addr.MustVirt(d.KernelVirtEnd),
		CommandLine:     d.CommandLine,
	}

	for i, r := range d.Regions {
		kind, ok := parseKind(r.Kind)
		if !ok {
			return nil, fmt.Errorf("region %d: unknown kind %q", i, r.Kind)
		}
		if !bi.AddRegion(bootinfo.MemoryRegion{
			Start:  addr.PhysAddr(r.Start),
			Length: r.Length,
			Kind:   kind,
		}) {
			return nil, fmt.Errorf("region %d: descriptor exceeds the %d-region bound", i, bootinfo.MaxRegions)
		}
	}
	return bi, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <descriptor.yaml>",
		Short: "Check a boot descriptor YAML file for internal consistency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDescriptor(args[0])
			if err != nil {
				return err
			}
			bi, err := d.toBootInfo()
			if err != nil {
				return err
			}

			if bi.KernelVirtEnd.Uint64() <= bi.KernelVirtStart.Uint64() {
				return fmt.Errorf("kernelVirtEnd must be greater than kernelVirtStart")
			}
			if bi.NumRegions() == 0 {
				return fmt.Errorf("descriptor has no memory regions")
			}
			if bi.TotalAvailable() == 0 {
				return fmt.Errorf("descriptor reports no available memory")
			}
			regions := bi.Regions()
			for i := range regions {
				for j := i + 1; j < len(regions); j++ {
					if regions[i].End().Uint64() > regions[j].Start.Uint64() &&
						regions[j].End().Uint64() > regions[i].Start.Uint64() {
						fmt.Fprintf(cmd.OutOrStdout(), "warning: regions %d and %d overlap\n", i, j)
					}
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d regions, %d bytes available\n", bi.NumRegions(), bi.TotalAvailable())
			return nil
		},
	}
}

type dumpOut struct {
	TotalAvailable  uint64 `yaml:"totalAvailable"`
	TotalFrames     uint64 `yaml:"totalFrames"`
	AllocatedFrames uint64 `yaml:"allocatedFrames"`
	FreeFrames      uint64 `yaml:"freeFrames"`
	EntryPoint      string `yaml:"entryPoint,omitempty"`
	EntryDisasm     string `yaml:"entryDisasm,omitempty"`
}

func newDumpCmd() *cobra.Command {
	var elfPath string

	cmd := &cobra.Command{
		Use:   "dump <descriptor.yaml>",
		Short: "Build a bitmap allocator from a boot descriptor and print its initial state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDescriptor(args[0])
			if err != nil {
				return err
			}
			bi, err := d.toBootInfo()
			if err != nil {
				return err
			}

			const page4KiB = uint64(4096)
			totalRAM := bi.TotalAvailable()
			// Size the bitmap as bring-up does: up to the highest end of any
			// available region, so frames above holes in the map are covered.
			var highestEnd uint64
			bi.VisitAvailable(func(r *bootinfo.MemoryRegion) bool {
				if end := r.End().Uint64(); end > highestEnd {
					highestEnd = end
				}
				return true
			})
			totalFrames := (highestEnd + page4KiB - 1) / page4KiB
			words := make([]uint64, pmm.WordsNeeded(totalFrames))
			allocator := pmm.NewBitmapAllocator(words, 0, totalFrames)

			bi.VisitRegions(func(r *bootinfo.MemoryRegion) bool {
				allocator.AddRegion(*r)
				return true
			})

			out := dumpOut{
				TotalAvailable:  totalRAM,
				TotalFrames:     allocator.TotalFrames(),
				AllocatedFrames: allocator.AllocatedFrames(),
				FreeFrames:      allocator.TotalFrames() - allocator.AllocatedFrames(),
			}

			if elfPath != "" {
				entryAddr, disasm, err := disassembleEntry(elfPath)
				if err != nil {
					return fmt.Errorf("disassembling %s: %w", elfPath, err)
				}
				out.EntryPoint = fmt.Sprintf("0x%x", entryAddr)
				out.EntryDisasm = disasm
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&elfPath, "elf", "", "path to a kernel ELF image; disassembles its entry point")
	return cmd
}

// disassembleEntry reads the bytes at imgFile's ELF entry point and
// decodes the first instruction with x86asm, as a sanity check that the
// linker placed a sensible rt0 trampoline there rather than, say, zeroed
// padding.
func disassembleEntry(imgFile string) (uint64, string, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	entry := f.Entry
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if entry < prog.Vaddr || entry >= prog.Vaddr+prog.Filesz {
			continue
		}

		r := prog.Open()
		if _, err := r.Seek(int64(entry-prog.Vaddr), io.SeekStart); err != nil {
			return entry, "", err
		}
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r, buf); err != nil {
			return entry, "", err
		}

		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			return entry, "", err
		}
		return entry, x86asm.GNUSyntax(inst, entry, nil), nil
	}

	return entry, "", fmt.Errorf("entry point 0x%x is not inside any PT_LOAD segment", entry)
}

func main() {
	root := &cobra.Command{
		Use:   "bootdesc",
		Short: "Validate and inspect YAML boot descriptors for the memory bring-up sequence",
	}
	root.AddCommand(newValidateCmd(), newDumpCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
