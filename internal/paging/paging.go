// Package paging implements the architecture-parameterized page-table
// mapper from spec.md §4.4: map/unmap/translate, entry-flag derivation,
// and TLB flush tokens. Grounded on the teacher's page-table walk helpers
// in mem/dmap.go (pgbits, mkpg, caddr, Dmap_init) for the indexing idiom,
// and on original_source/src/arch/x86/rmm.rs's `page_flags` function and
// upper-half preallocation loop (`for i in 512..1024`) for the exact flag
// derivation and boot-mapper setup.
package paging

import (
	"fmt"
	"runtime"

	"vmcore/internal/memlayout"
)

// Flags is an architecture-neutral permission/behavior set for one page
// mapping. ArchBackend implementations translate Flags to and from their
// native page-table-entry encoding.
type Flags struct {
	Write          bool
	Execute        bool
	User           bool
	WriteCombining bool
	COW            bool
}

// FrameAllocator is the subset of buddy.Allocator the mapper needs to grow
// intermediate page tables. Kept as a local interface (rather than
// importing buddy directly) so the bump allocator can also satisfy it
// during early boot.
type FrameAllocator interface {
	Allocate(memlayout.FrameCount) (memlayout.PhysicalAddress, bool)
	Free(memlayout.PhysicalAddress, memlayout.FrameCount)
}

// ArchBackend abstracts the page-size, entries-per-level, and raw
// page-table-entry encoding of a specific CPU architecture, per spec.md
// §4.4. A production implementation backs ReadEntry/WriteEntry/ZeroTable
// with the physmap window (memlayout.PhysToVirt) and unsafe pointer
// arithmetic, the way the teacher's mem/dmap.go walks Pmap_t tables; a
// test implementation can back them with a plain Go map keyed by (table,
// index), since no real hardware is available on the host running tests.
type ArchBackend interface {
	PageSize() uintptr
	EntriesPerLevel() int
	Levels() int

	// Index extracts the page-table index for virt at the given level,
	// where level 0 is the leaf (PTE) level and Levels()-1 is the root.
	Index(virt memlayout.VirtualAddress, level int) int

	ZeroTable(table memlayout.PhysicalAddress)
	ReadEntry(table memlayout.PhysicalAddress, index int) uint64
	WriteEntry(table memlayout.PhysicalAddress, index int, raw uint64)

	EncodeLeaf(phys memlayout.PhysicalAddress, flags Flags) uint64
	EncodeTable(phys memlayout.PhysicalAddress) uint64
	DecodeLeaf(raw uint64) (memlayout.PhysicalAddress, Flags)
	Present(raw uint64) bool

	MakeCurrent(root memlayout.PhysicalAddress)
	CurrentRoot() (memlayout.PhysicalAddress, bool)
}

// KernelLayout names the fixed kernel-image extents used to derive
// per-range page flags during identity/physmap mapping (spec.md §4.4).
type KernelLayout struct {
	TextStart, TextEnd     memlayout.VirtualAddress
	RodataStart, RodataEnd memlayout.VirtualAddress
	// Framebuffer, if non-nil, additionally gets the write-combining flag.
	Framebuffer *Region
}

// Region is a [Start, Start+Size) virtual range, duplicated here (rather
// than importing the region package) to avoid a dependency cycle, since
// region.Region's Occupies/Collides machinery is irrelevant to flag
// derivation.
type Region struct {
	Start memlayout.VirtualAddress
	Size  uintptr
}

func (r Region) contains(v memlayout.VirtualAddress) bool {
	return v.Data() >= r.Start.Data() && v.Data() < r.Start.Data()+r.Size
}

// KernelFlagsFor derives the mapping flags for a kernel virtual address
// during identity/physmap mapping, per spec.md §4.4:
//   - within [text_start, text_end): executable, read-only.
//   - within [rodata_start, rodata_end): read-only, no-execute.
//   - otherwise: read/write, no-execute.
//   - the framebuffer region, if present, additionally sets write-combining.
func KernelFlagsFor(layout KernelLayout, virt memlayout.VirtualAddress) Flags {
	var f Flags
	switch {
	case (Region{layout.TextStart, layout.TextEnd.Data() - layout.TextStart.Data()}).contains(virt):
		f.Execute = true
	case (Region{layout.RodataStart, layout.RodataEnd.Data() - layout.RodataStart.Data()}).contains(virt):
		// read-only, no-execute: the zero value.
	default:
		f.Write = true
	}
	if layout.Framebuffer != nil && layout.Framebuffer.contains(virt) {
		f.WriteCombining = true
	}
	return f
}

// Flush is a pending TLB invalidation token returned by a mapper mutation.
// The caller must either Consume it via a Flusher or explicitly Ignore it
// (legal only during early boot, before make_current, or when about to
// switch tables). Go has no deterministic destructors, so the "drop
// panics if neither happened" contract from spec.md §5 is enforced on a
// best-effort basis via a GC finalizer rather than guaranteed at the
// exact point of scope exit.
type Flush struct {
	Virt  memlayout.VirtualAddress
	state *flushState
}

type flushState struct {
	resolved bool
}

func newFlush(virt memlayout.VirtualAddress) Flush {
	st := &flushState{}
	runtime.SetFinalizer(st, func(s *flushState) {
		if !s.resolved {
			panic(fmt.Sprintf("paging: flush token for %s dropped without being consumed or ignored", virt))
		}
	})
	return Flush{Virt: virt, state: st}
}

// Ignore discards the token without flushing. Legal only during early
// boot before make_current, or when the caller is about to switch tables.
func (f Flush) Ignore() {
	if f.state != nil {
		f.state.resolved = true
	}
}

func (f Flush) resolve() {
	if f.state != nil {
		f.state.resolved = true
	}
}

// Flusher consumes Flush tokens, either issuing the invalidation
// immediately (and optionally broadcasting to other CPUs) or batching it.
type Flusher interface {
	Consume(Flush)
}

// NopFlusher ignores every token it receives. Used where the caller is
// about to discard or replace the entire table (e.g. test setup), the Go
// analogue of passing `()` as the Flusher in the original Rust API.
type NopFlusher struct{}

func (NopFlusher) Consume(f Flush) { f.resolve() }

// LocalFlusher issues an immediate local-CPU invalidation via Invalidate
// for every token, and optionally broadcasts to other CPUs via Broadcast.
// Grounded on the teacher's Vm_t.Tlbshoot (biscuit/src/vm/as.go), which
// takes the same fast-path/slow-path-broadcast shape.
type LocalFlusher struct {
	Invalidate func(memlayout.VirtualAddress)
	Broadcast  func(memlayout.VirtualAddress)
}

func (f LocalFlusher) Consume(tok Flush) {
	if f.Invalidate != nil {
		f.Invalidate(tok.Virt)
	}
	if f.Broadcast != nil {
		f.Broadcast(tok.Virt)
	}
	tok.resolve()
}

// Mapper walks and mutates one page table under a given architecture
// backend.
type Mapper struct {
	arch ArchBackend
	root memlayout.PhysicalAddress
}

// Create allocates an empty root table and returns a Mapper over it.
func Create(arch ArchBackend, alloc FrameAllocator) (*Mapper, bool) {
	root, ok := alloc.Allocate(1)
	if !ok {
		return nil, false
	}
	arch.ZeroTable(root)
	return &Mapper{arch: arch, root: root}, true
}

// FromRoot wraps an already-constructed root table, used when a user
// table shares kernel upper-half entries copied from the boot mapper.
func FromRoot(arch ArchBackend, root memlayout.PhysicalAddress) *Mapper {
	return &Mapper{arch: arch, root: root}
}

// Root returns the physical address of the mapper's top-level table.
func (m *Mapper) Root() memlayout.PhysicalAddress { return m.root }

// walk descends from the root to the leaf level for virt, allocating
// intermediate tables as needed when alloc is non-nil. It returns the
// leaf table and the leaf index, or false if a table was missing and
// alloc was nil (used by unmap/translate, which never allocate).
func (m *Mapper) walk(virt memlayout.VirtualAddress, alloc FrameAllocator) (memlayout.PhysicalAddress, int, bool) {
	table := m.root
	for level := m.arch.Levels() - 1; level >= 1; level-- {
		idx := m.arch.Index(virt, level)
		raw := m.arch.ReadEntry(table, idx)
		if !m.arch.Present(raw) {
			if alloc == nil {
				return 0, 0, false
			}
			child, ok := alloc.Allocate(1)
			if !ok {
				return 0, 0, false
			}
			m.arch.ZeroTable(child)
			m.arch.WriteEntry(table, idx, m.arch.EncodeTable(child))
			table = child
			continue
		}
		phys, _ := m.arch.DecodeLeaf(raw)
		table = phys
	}
	return table, m.arch.Index(virt, 0), true
}

// MapPhys installs a leaf entry mapping virt to phys with flags,
// allocating intermediate tables through alloc. Returns a Flush token the
// caller must consume or ignore.
func (m *Mapper) MapPhys(virt memlayout.VirtualAddress, phys memlayout.PhysicalAddress, flags Flags, alloc FrameAllocator) (Flush, bool) {
	table, idx, ok := m.walk(virt, alloc)
	if !ok {
		return Flush{}, false
	}
	m.arch.WriteEntry(table, idx, m.arch.EncodeLeaf(phys, flags))
	return newFlush(virt), true
}

// Map is a convenience wrapper around MapPhys for callers (like
// grant.Zeroed) that only have a virtual destination and rely on the
// allocator itself to supply the backing frame.
func (m *Mapper) Map(virt memlayout.VirtualAddress, flags Flags, alloc FrameAllocator) (memlayout.PhysicalAddress, Flush, bool) {
	phys, ok := alloc.Allocate(1)
	if !ok {
		return 0, Flush{}, false
	}
	flush, ok := m.MapPhys(virt, phys, flags, alloc)
	if !ok {
		alloc.Free(phys, 1)
		return 0, Flush{}, false
	}
	return phys, flush, true
}

// UnmapPhys clears the leaf entry for virt and returns its prior contents
// and a flush token, or false if nothing was mapped there.
func (m *Mapper) UnmapPhys(virt memlayout.VirtualAddress) (memlayout.PhysicalAddress, Flags, Flush, bool) {
	table, idx, ok := m.walk(virt, nil)
	if !ok {
		return 0, Flags{}, Flush{}, false
	}
	raw := m.arch.ReadEntry(table, idx)
	if !m.arch.Present(raw) {
		return 0, Flags{}, Flush{}, false
	}
	phys, flags := m.arch.DecodeLeaf(raw)
	m.arch.WriteEntry(table, idx, 0)
	return phys, flags, newFlush(virt), true
}

// Translate walks the table for virt without modifying it.
func (m *Mapper) Translate(virt memlayout.VirtualAddress) (memlayout.PhysicalAddress, Flags, bool) {
	table, idx, ok := m.walk(virt, nil)
	if !ok {
		return 0, Flags{}, false
	}
	raw := m.arch.ReadEntry(table, idx)
	if !m.arch.Present(raw) {
		return 0, Flags{}, false
	}
	phys, flags := m.arch.DecodeLeaf(raw)
	return phys, flags, true
}

// MakeCurrent switches the CPU's table register to this mapper's root.
func (m *Mapper) MakeCurrent() {
	m.arch.MakeCurrent(m.root)
}

// IsCurrent reports whether the CPU's table register already points at
// this mapper's root.
func (m *Mapper) IsCurrent() bool {
	cur, ok := m.arch.CurrentRoot()
	return ok && cur == m.root
}

// CopyUpperHalf copies the shared kernel page-table-entry slots from src
// into dst, so every subsequent user page table can share those entries
// by pointer copy rather than by walking and remapping the kernel half
// (spec.md §4.4, "the boot mapper pre-allocates the upper half ... so
// that every subsequent user page-table can share those entries").
// firstSlot/lastSlot bound the shared range (512..1024 on x86-64).
func CopyUpperHalf(arch ArchBackend, dst, src memlayout.PhysicalAddress, firstSlot, lastSlot int) {
	for i := firstSlot; i < lastSlot; i++ {
		arch.WriteEntry(dst, i, arch.ReadEntry(src, i))
	}
}
