// Package bump implements the early-boot linear frame allocator from
// spec.md §4.2: a cursor over the normalized area table, used only to
// bootstrap the buddy allocator's metadata and the initial page tables.
// Grounded on original_source/src/arch/x86/rmm.rs's BumpAllocator usage
// (a single `offset()` accessor handed to BuddyAllocator::new) and the
// free-list bootstrap loop in the teacher's mem.Physmem_t.Phys_init
// (biscuit/src/mem/mem.go).
package bump

import (
	"vmcore/internal/memlayout"
	"vmcore/internal/memmap"
)

// Allocator hands out frames linearly from the normalized free areas. It
// never frees: the buddy allocator takes over once constructed.
type Allocator struct {
	areas     []memmap.MemoryArea
	areaIdx   int
	cursor    uintptr // offset within areas[areaIdx]
	consumed  uintptr // total bytes ever handed out, across all areas
}

// New creates a bump allocator over the given area table, starting at
// byte offset `skip` within the concatenated areas (used to resume a
// handoff; boot always starts with skip == 0).
func New(areas []memmap.MemoryArea, skip uintptr) *Allocator {
	a := &Allocator{areas: areas}
	a.advance(skip)
	return a
}

// advance consumes `n` bytes from the front of the area list without
// returning them, used to seed an initial skip.
func (a *Allocator) advance(n uintptr) {
	for n > 0 && a.areaIdx < len(a.areas) {
		remain := a.areas[a.areaIdx].Size - a.cursor
		if n < remain {
			a.cursor += n
			a.consumed += n
			return
		}
		n -= remain
		a.consumed += remain
		a.areaIdx++
		a.cursor = 0
	}
}

// Allocate returns the base of `count` contiguous frames, advancing past
// them, or false if the area table is exhausted. Frames are never split
// across two areas.
func (a *Allocator) Allocate(count memlayout.FrameCount) (memlayout.PhysicalAddress, bool) {
	need := uintptr(count) * memlayout.PageSize
	for a.areaIdx < len(a.areas) {
		area := a.areas[a.areaIdx]
		remain := area.Size - a.cursor
		if remain >= need {
			base := area.Base.Add(a.cursor)
			a.cursor += need
			a.consumed += need
			return base, true
		}
		// Not enough room left in this area: abandon the remainder and
		// advance, matching the teacher's area-exhaustion handling in
		// mem.Phys_init's free-list walk.
		a.consumed += remain
		a.areaIdx++
		a.cursor = 0
	}
	return 0, false
}

// Offset returns the total number of bytes consumed so far. After handoff
// to the buddy allocator, every frame below this offset must be considered
// permanently allocated (spec.md §4.2 Contract).
func (a *Allocator) Offset() uintptr {
	return a.consumed
}

// Areas exposes the underlying area table for the buddy allocator to
// reconstruct free regions from the bump allocator's remaining frames.
func (a *Allocator) Areas() []memmap.MemoryArea {
	return a.areas
}

// Free is a no-op: the bump allocator never reclaims frames, matching
// original_source's BumpAllocator (a pure `offset()` cursor, no free
// path). It exists so Allocator satisfies paging.FrameAllocator, letting
// the boot mapper allocate page-table frames directly from the bump
// cursor before the buddy allocator exists.
func (a *Allocator) Free(memlayout.PhysicalAddress, memlayout.FrameCount) {}
