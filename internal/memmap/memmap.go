// Package memmap normalizes the firmware-provided memory map into the
// kernel's area table, per spec.md §4.1. Grounded on the `init` function in
// original_source/src/arch/x86/rmm.rs (page-align, carve reserved ranges,
// clamp to the physmap window, merge overlaps) and on the teacher's
// mem.Phys_init (biscuit/src/mem/mem.go) for the Go idiom of building a
// fixed-capacity table with a running count and logging rather than
// failing on bad input.
package memmap

import (
	"encoding/json"
	"sort"

	"vmcore/internal/kernlog"
	"vmcore/internal/memlayout"
)

// EntryKind mirrors the firmware's BootloaderMemoryKind (§6).
type EntryKind uint64

const (
	KindNull     EntryKind = 0
	KindFree     EntryKind = 1
	KindReclaim  EntryKind = 2
	KindReserved EntryKind = 3
)

// FirmwareEntry is one record of the packed firmware memory map (§6).
type FirmwareEntry struct {
	Base uint64
	Size uint64
	Kind EntryKind
}

// ReservedRanges names the six fixed extents the normalizer must carve out
// of any free area, in the order spec.md §4.1 step 4 checks them.
type ReservedRanges struct {
	Real   Range // the legacy low-memory window [0, 0x100000)
	Kernel Range
	Stack  Range
	Env    Range
	ACPI   Range
	Initfs Range
}

// Range is a base/size physical extent, page-unaligned until normalized.
type Range struct {
	Base uintptr
	Size uintptr
}

func (r Range) end() uintptr { return r.Base + r.Size }

// DefaultReal is the fixed legacy real-mode window named in spec.md §4.1.
func DefaultReal() Range { return Range{Base: 0, Size: 0x100000} }

// MemoryArea is one page-aligned, non-overlapping entry of the area table
// (spec.md §3).
type MemoryArea struct {
	Base memlayout.PhysicalAddress `json:"base"`
	Size uintptr                   `json:"size"`
}

func (a MemoryArea) end() uintptr { return a.Base.Data() + a.Size }

// MaxAreas is the fixed capacity of the process-wide area table (spec.md §3).
const MaxAreas = 512

// AreaTable is the fixed-capacity, sorted, non-overlapping table populated
// exactly once at boot.
type AreaTable struct {
	areas []MemoryArea
}

// Areas returns the externally visible, populated slice of the table.
func (t *AreaTable) Areas() []MemoryArea { return t.areas }

// MarshalJSON/UnmarshalJSON let a captured firmware-derived area table be
// used as a test fixture, since there is no real firmware in host tests.
func (t *AreaTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.areas)
}

func (t *AreaTable) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &t.areas)
}

// merge folds area into the table in place if it overlaps or touches an
// existing entry, returning true if it was consumed.
func (t *AreaTable) merge(area MemoryArea) bool {
	for i := range t.areas {
		existing := &t.areas[i]
		if area.Base.Data() > existing.end() || existing.Base.Data() > area.end() {
			continue
		}
		base := existing.Base
		if area.Base.Data() < base.Data() {
			base = area.Base
		}
		end := existing.end()
		if area.end() > end {
			end = area.end()
		}
		existing.Base = base
		existing.Size = end - base.Data()
		return true
	}
	return false
}

func (t *AreaTable) append(area MemoryArea) {
	if area.Size == 0 {
		return
	}
	if t.merge(area) {
		return
	}
	if len(t.areas) >= MaxAreas {
		return
	}
	t.areas = append(t.areas, area)
}

// carveReserved advances base past any reserved range the [base, base+size)
// interval intersects, per spec.md §4.1 step 4. Size saturates to zero
// rather than underflowing.
func carveReserved(base, size uintptr, reserved Range) (uintptr, uintptr) {
	end := base + size
	if base >= reserved.end() || end <= reserved.Base {
		return base, size
	}
	newBase := memlayout.RoundUp(reserved.end())
	if newBase < base {
		newBase = base
	}
	if end <= newBase {
		return newBase, 0
	}
	return newBase, end - newBase
}

// Normalize consumes the firmware entries and reserved ranges and produces
// the area table, per spec.md §4.1. Malformed entries are logged and
// skipped; normalization never aborts.
func Normalize(entries []FirmwareEntry, reserved ReservedRanges, log *kernlog.Logger) *AreaTable {
	if log == nil {
		log = kernlog.Discard
	}
	table := &AreaTable{areas: make([]MemoryArea, 0, 64)}

	orderedReserved := []Range{
		reserved.Real, reserved.Kernel, reserved.Stack,
		reserved.Env, reserved.ACPI, reserved.Initfs,
	}

	for _, e := range entries {
		if e.Kind != KindFree {
			if e.Kind > KindReserved {
				log.Warnf("memmap: entry base=%#x size=%#x has unknown kind %d, skipping", e.Base, e.Size, e.Kind)
			}
			continue
		}
		base := uintptr(e.Base)
		size := uintptr(e.Size)
		if base+size < base {
			log.Warnf("memmap: entry base=%#x size=%#x wraps, skipping", e.Base, e.Size)
			continue
		}

		// Step 2: page-align base upward, shrinking size accordingly.
		aligned := memlayout.RoundUp(base)
		if aligned-base > size {
			continue
		}
		size -= aligned - base
		base = aligned

		// Step 3: page-align size downward.
		size = memlayout.RoundDown(size)
		if size == 0 {
			continue
		}

		// Step 4: carve out each reserved range in turn.
		for _, rr := range orderedReserved {
			if rr.Size == 0 {
				continue
			}
			base, size = carveReserved(base, size, rr)
			if size == 0 {
				break
			}
		}
		if size == 0 {
			continue
		}

		// Step 5: clamp to the physmap window.
		if base >= memlayout.PhysMapSize {
			continue
		}
		if base+size > memlayout.PhysMapSize {
			size = memlayout.PhysMapSize - base
		}
		if size == 0 {
			continue
		}

		table.append(MemoryArea{Base: memlayout.PhysicalAddress(base), Size: size})
	}

	// Sort by base and fold any entries a merge widened into one another.
	sort.Slice(table.areas, func(i, j int) bool { return table.areas[i].Base < table.areas[j].Base })
	merged := table.areas[:0]
	for _, area := range table.areas {
		if n := len(merged); n > 0 && area.Base.Data() <= merged[n-1].end() {
			if area.end() > merged[n-1].end() {
				merged[n-1].Size = area.end() - merged[n-1].Base.Data()
			}
			continue
		}
		merged = append(merged, area)
	}
	table.areas = merged

	return table
}
