package addrspace

import (
	"testing"

	"vmcore/internal/grant"
	"vmcore/internal/memlayout"
	"vmcore/internal/paging"
	"vmcore/internal/region"
)

type flatArch struct {
	tables  map[memlayout.PhysicalAddress]map[int]uint64
	current memlayout.PhysicalAddress
	hasCur  bool
}

func newFlatArch() *flatArch {
	return &flatArch{tables: make(map[memlayout.PhysicalAddress]map[int]uint64)}
}

const present = 1 << 0

func (a *flatArch) PageSize() uintptr    { return memlayout.PageSize }
func (a *flatArch) EntriesPerLevel() int { return 1024 }
func (a *flatArch) Levels() int          { return 1 }
func (a *flatArch) Index(virt memlayout.VirtualAddress, level int) int {
	return int((virt.Data() >> memlayout.PageShift) % 1024)
}
func (a *flatArch) ZeroTable(table memlayout.PhysicalAddress) {
	a.tables[table] = make(map[int]uint64)
}
func (a *flatArch) ReadEntry(table memlayout.PhysicalAddress, index int) uint64 {
	return a.tables[table][index]
}
func (a *flatArch) WriteEntry(table memlayout.PhysicalAddress, index int, raw uint64) {
	if a.tables[table] == nil {
		a.tables[table] = make(map[int]uint64)
	}
	a.tables[table][index] = raw
}
func (a *flatArch) EncodeLeaf(phys memlayout.PhysicalAddress, flags paging.Flags) uint64 {
	return uint64(phys.Data()) | present
}
func (a *flatArch) EncodeTable(phys memlayout.PhysicalAddress) uint64 { return uint64(phys.Data()) | present }
func (a *flatArch) DecodeLeaf(raw uint64) (memlayout.PhysicalAddress, paging.Flags) {
	return memlayout.PhysicalAddress(raw &^ uint64(memlayout.PageOffsetMask)), paging.Flags{}
}
func (a *flatArch) Present(raw uint64) bool { return raw&present != 0 }
func (a *flatArch) MakeCurrent(root memlayout.PhysicalAddress) {
	a.current, a.hasCur = root, true
}
func (a *flatArch) CurrentRoot() (memlayout.PhysicalAddress, bool) { return a.current, a.hasCur }

type bumpAlloc struct {
	next memlayout.PhysicalAddress
}

func newBumpAlloc() *bumpAlloc { return &bumpAlloc{next: 0x10000} }

func (b *bumpAlloc) Allocate(count memlayout.FrameCount) (memlayout.PhysicalAddress, bool) {
	base := b.next
	b.next += memlayout.PhysicalAddress(uintptr(count) * memlayout.PageSize)
	return base, true
}
func (b *bumpAlloc) Free(memlayout.PhysicalAddress, memlayout.FrameCount) {}

func newTable(t *testing.T, arch paging.ArchBackend, alloc paging.FrameAllocator) *Table {
	t.Helper()
	m, ok := paging.Create(arch, alloc)
	if !ok {
		t.Fatal("paging.Create failed")
	}
	return NewTable(m, alloc)
}

func TestNewHasNoGrants(t *testing.T) {
	arch := newFlatArch()
	alloc := newBumpAlloc()
	as := New(newTable(t, arch, alloc))
	if as.Grants().Len() != 0 {
		t.Errorf("expected a fresh address space to have 0 grants, got %d", as.Grants().Len())
	}
}

func TestCloseOnCurrentTablePanics(t *testing.T) {
	arch := newFlatArch()
	alloc := newBumpAlloc()
	table := newTable(t, arch, alloc)
	table.Mapper().MakeCurrent()

	defer func() {
		if recover() == nil {
			t.Fatal("expected Close on the current table to panic")
		}
	}()
	table.Close()
}

func TestCloseFreesRootWhenNotCurrent(t *testing.T) {
	arch := newFlatArch()
	alloc := newBumpAlloc()
	table := newTable(t, arch, alloc)
	table.Close() // must not panic; table was never made current
}

func TestTryCloneDuplicatesOwnedGrants(t *testing.T) {
	arch := newFlatArch()
	alloc := newBumpAlloc()
	srcTable := newTable(t, arch, alloc)
	as := New(srcTable)

	r := region.New(memlayout.VirtualAddress(0), memlayout.PageSize)
	g, ok := grant.Zeroed(r, paging.Flags{}, srcTable.Mapper(), alloc, paging.NopFlusher{})
	if !ok {
		t.Fatal("grant.Zeroed failed")
	}
	if err := as.Grants().Reserve(r); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := as.Grants().Insert(g); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	dstTable := newTable(t, arch, alloc)
	clone, ok := as.TryClone(dstTable, alloc, paging.NopFlusher{}, func(dst, src memlayout.PhysicalAddress) {})
	if !ok {
		t.Fatal("TryClone failed")
	}
	if clone.Grants().Len() != 1 {
		t.Fatalf("expected the clone to carry 1 grant, got %d", clone.Grants().Len())
	}

	srcPhys, _, ok := srcTable.Mapper().Translate(r.Start)
	if !ok {
		t.Fatal("expected source mapping to remain after clone")
	}
	dstPhys, _, ok := dstTable.Mapper().Translate(r.Start)
	if !ok {
		t.Fatal("expected the clone to have its own mapping at the same address")
	}
	if srcPhys == dstPhys {
		t.Error("expected the eager clone to use a distinct physical frame, not share the source's")
	}
}

func TestUnmapRemovesGrantAndMapping(t *testing.T) {
	arch := newFlatArch()
	alloc := newBumpAlloc()
	table := newTable(t, arch, alloc)
	as := New(table)

	r := region.New(memlayout.VirtualAddress(0), memlayout.PageSize)
	g, ok := grant.Zeroed(r, paging.Flags{}, table.Mapper(), alloc, paging.NopFlusher{})
	if !ok {
		t.Fatal("grant.Zeroed failed")
	}
	if err := as.Grants().Reserve(r); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := as.Grants().Insert(g); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if _, ok := as.Unmap(r, paging.NopFlusher{}); !ok {
		t.Fatal("expected Unmap to find and remove the grant")
	}
	if _, _, ok := table.Mapper().Translate(r.Start); ok {
		t.Error("expected the mapping to be torn down after Unmap")
	}
	if as.Grants().Contains(r.Start) {
		t.Error("expected the grant to be gone from the live set after Unmap")
	}
}
