package memmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"vmcore/internal/memlayout"
)

func TestNormalizeSkipsNonFreeEntries(t *testing.T) {
	entries := []FirmwareEntry{
		{Base: 0x200000, Size: 0x100000, Kind: KindReserved},
		{Base: 0x300000, Size: 0x100000, Kind: KindFree},
	}
	got := Normalize(entries, ReservedRanges{Real: DefaultReal()}, nil)
	want := []MemoryArea{{Base: 0x300000, Size: 0x100000}}
	if diff := cmp.Diff(want, got.Areas()); diff != "" {
		t.Errorf("Normalize() mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeAlignsAndShrinks(t *testing.T) {
	entries := []FirmwareEntry{
		// base misaligned by 0x123; size should shrink on both ends.
		{Base: 0x100123, Size: 0x1fee0, Kind: KindFree},
	}
	got := Normalize(entries, ReservedRanges{Real: DefaultReal()}, nil)
	areas := got.Areas()
	if len(areas) != 1 {
		t.Fatalf("expected 1 area, got %d: %v", len(areas), areas)
	}
	if !memlayout.PageAligned(areas[0].Base.Data()) {
		t.Errorf("area base %#x is not page-aligned", areas[0].Base.Data())
	}
	if !memlayout.PageAligned(areas[0].Size) {
		t.Errorf("area size %#x is not page-aligned", areas[0].Size)
	}
}

func TestNormalizeCarvesReservedRanges(t *testing.T) {
	entries := []FirmwareEntry{
		{Base: 0, Size: 0x200000, Kind: KindFree},
	}
	reserved := ReservedRanges{
		Real:   DefaultReal(),                      // carves [0, 0x100000)
		Kernel: Range{Base: 0x100000, Size: 0x10000}, // carves [0x100000, 0x110000)
	}
	got := Normalize(entries, reserved, nil)
	areas := got.Areas()
	if len(areas) != 1 {
		t.Fatalf("expected 1 remaining area, got %d: %v", len(areas), areas)
	}
	if areas[0].Base.Data() != 0x110000 {
		t.Errorf("expected surviving area to start at 0x110000, got %#x", areas[0].Base.Data())
	}
	if areas[0].end() != 0x200000 {
		t.Errorf("expected surviving area to end at 0x200000, got %#x", areas[0].end())
	}
}

func TestNormalizeClampsToPhysMap(t *testing.T) {
	entries := []FirmwareEntry{
		{Base: memlayout.PhysMapSize - 0x1000, Size: 0x10000, Kind: KindFree},
	}
	got := Normalize(entries, ReservedRanges{Real: DefaultReal()}, nil)
	areas := got.Areas()
	if len(areas) != 1 {
		t.Fatalf("expected 1 area, got %d", len(areas))
	}
	if areas[0].end() != memlayout.PhysMapSize {
		t.Errorf("expected area clamped to physmap end %#x, got %#x", uintptr(memlayout.PhysMapSize), areas[0].end())
	}
}

func TestNormalizeMergesOverlappingAreas(t *testing.T) {
	entries := []FirmwareEntry{
		{Base: 0x400000, Size: 0x100000, Kind: KindFree},
		{Base: 0x480000, Size: 0x100000, Kind: KindFree},
	}
	got := Normalize(entries, ReservedRanges{Real: DefaultReal()}, nil)
	areas := got.Areas()
	if len(areas) != 1 {
		t.Fatalf("expected overlapping areas to merge into 1, got %d: %v", len(areas), areas)
	}
	if areas[0].Base.Data() != 0x400000 || areas[0].end() != 0x580000 {
		t.Errorf("expected merged area [0x400000,0x580000), got [%#x,%#x)", areas[0].Base.Data(), areas[0].end())
	}
}

func TestNormalizeSkipsWrappingEntry(t *testing.T) {
	entries := []FirmwareEntry{
		{Base: ^uint64(0) - 0x100, Size: 0x1000, Kind: KindFree},
	}
	got := Normalize(entries, ReservedRanges{Real: DefaultReal()}, nil)
	if len(got.Areas()) != 0 {
		t.Errorf("expected a wrapping entry to be skipped, got %v", got.Areas())
	}
}

func TestAreaTableJSONRoundTrip(t *testing.T) {
	entries := []FirmwareEntry{{Base: 0x300000, Size: 0x100000, Kind: KindFree}}
	table := Normalize(entries, ReservedRanges{Real: DefaultReal()}, nil)

	b, err := table.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var roundTripped AreaTable
	if err := roundTripped.UnmarshalJSON(b); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if diff := cmp.Diff(table.Areas(), roundTripped.Areas()); diff != "" {
		t.Errorf("JSON round-trip mismatch (-want +got):\n%s", diff)
	}
}
