// Command vmcore-bootsim drives the full boot-time allocator handoff
// (firmware map -> normalize -> bump -> page tables -> buddy) against a
// captured JSON memory-map fixture, since no real firmware is available
// on a development host. Grounded on the teacher's small, flag-driven
// host tools (misc/depgraph/main.go, biscuit/scripts/features.go) for the
// "one cobra subcommand, a couple of flags, plain fmt.Fprintf output"
// texture, with github.com/spf13/cobra itself sourced from the pack's own
// go.mod evidence (pinned the same way in several retrieved manifests).
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vmcore/internal/bump"
	"vmcore/internal/buddy"
	"vmcore/internal/kernlog"
	"vmcore/internal/memlayout"
	"vmcore/internal/memmap"
	"vmcore/internal/paging"
)

// fixture is the on-disk shape of a captured firmware memory map, the
// host-test stand-in for the packed entries spec.md §6 describes.
type fixture struct {
	Entries  []memmap.FirmwareEntry `json:"entries"`
	Reserved memmap.ReservedRanges  `json:"reserved"`
}

func main() {
	root := &cobra.Command{
		Use:   "vmcore-bootsim",
		Short: "Replay a captured firmware memory map through the boot allocator handoff",
	}

	var memmapPath string
	var verbose bool

	boot := &cobra.Command{
		Use:   "boot",
		Short: "Normalize a memory map fixture and report frame usage after buddy handoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot(cmd, memmapPath, verbose)
		},
	}
	boot.Flags().StringVar(&memmapPath, "memmap", "", "path to a JSON memory-map fixture (required)")
	boot.Flags().BoolVarP(&verbose, "verbose", "v", false, "also log debug and info lines (warnings are always logged)")
	_ = boot.MarkFlagRequired("memmap")

	root.AddCommand(boot)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vmcore-bootsim:", err)
		os.Exit(1)
	}
}

func runBoot(cmd *cobra.Command, memmapPath string, verbose bool) error {
	raw, err := os.ReadFile(memmapPath)
	if err != nil {
		return fmt.Errorf("reading fixture: %w", err)
	}
	var fx fixture
	if err := json.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("parsing fixture: %w", err)
	}
	if fx.Reserved.Real.Size == 0 {
		fx.Reserved.Real = memmap.DefaultReal()
	}

	level := kernlog.Warn
	if verbose {
		level = kernlog.Debug
	}
	log := kernlog.New(cmd.OutOrStdout(), level)

	table := memmap.Normalize(fx.Entries, fx.Reserved, log)
	areas := table.Areas()
	log.Infof("normalized %d area(s) from %d firmware entr(y/ies)", len(areas), len(fx.Entries))

	bootBump := bump.New(areas, 0)
	arch := newHostArch()
	mapper, ok := paging.Create(arch, bootBump)
	if !ok {
		return fmt.Errorf("boot mapper: out of frames while allocating the root table")
	}
	mapper.MakeCurrent()

	buddyAlloc := buddy.New(bootBump.Areas(), bootBump.Offset())
	usage := buddyAlloc.UsageReport()

	fmt.Fprintf(cmd.OutOrStdout(), "areas:        %d\n", len(areas))
	fmt.Fprintf(cmd.OutOrStdout(), "bump offset:  %#x\n", bootBump.Offset())
	fmt.Fprintf(cmd.OutOrStdout(), "buddy total:  %d frames\n", usage.Total)
	fmt.Fprintf(cmd.OutOrStdout(), "buddy used:   %d frames\n", usage.Used)
	return nil
}

// hostArch is a host-testable single-level ArchBackend: a flat 512-entry
// table, enough to exercise the mapper's allocate/map/translate/flush
// path without any real hardware. Production boot code supplies a real
// multi-level x86-64/aarch64 backend instead; this one exists purely so
// vmcore-bootsim can run on a development machine.
type hostArch struct {
	tables  map[memlayout.PhysicalAddress]map[int]uint64
	current memlayout.PhysicalAddress
	hasCur  bool
}

func newHostArch() *hostArch {
	return &hostArch{tables: make(map[memlayout.PhysicalAddress]map[int]uint64)}
}

const (
	entryPresent = 1 << 0
	entryWrite   = 1 << 1
	entryExec    = 1 << 2
	entryWC      = 1 << 3
)

func (a *hostArch) PageSize() uintptr     { return memlayout.PageSize }
func (a *hostArch) EntriesPerLevel() int  { return 512 }
func (a *hostArch) Levels() int           { return 1 }

func (a *hostArch) Index(virt memlayout.VirtualAddress, level int) int {
	return int((virt.Data() >> memlayout.PageShift) % 512)
}

func (a *hostArch) ZeroTable(table memlayout.PhysicalAddress) {
	a.tables[table] = make(map[int]uint64)
}

func (a *hostArch) ReadEntry(table memlayout.PhysicalAddress, index int) uint64 {
	return a.tables[table][index]
}

func (a *hostArch) WriteEntry(table memlayout.PhysicalAddress, index int, raw uint64) {
	if a.tables[table] == nil {
		a.tables[table] = make(map[int]uint64)
	}
	a.tables[table][index] = raw
}

func (a *hostArch) EncodeLeaf(phys memlayout.PhysicalAddress, flags paging.Flags) uint64 {
	raw := uint64(phys.Data()) | entryPresent
	if flags.Write {
		raw |= entryWrite
	}
	if flags.Execute {
		raw |= entryExec
	}
	if flags.WriteCombining {
		raw |= entryWC
	}
	return raw
}

func (a *hostArch) EncodeTable(phys memlayout.PhysicalAddress) uint64 {
	return uint64(phys.Data()) | entryPresent
}

func (a *hostArch) DecodeLeaf(raw uint64) (memlayout.PhysicalAddress, paging.Flags) {
	phys := memlayout.PhysicalAddress(raw &^ uint64(memlayout.PageOffsetMask))
	return phys, paging.Flags{
		Write:          raw&entryWrite != 0,
		Execute:        raw&entryExec != 0,
		WriteCombining: raw&entryWC != 0,
	}
}

func (a *hostArch) Present(raw uint64) bool { return raw&entryPresent != 0 }

func (a *hostArch) MakeCurrent(root memlayout.PhysicalAddress) {
	a.current, a.hasCur = root, true
}

func (a *hostArch) CurrentRoot() (memlayout.PhysicalAddress, bool) {
	return a.current, a.hasCur
}
