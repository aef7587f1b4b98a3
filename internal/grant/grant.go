// Package grant implements the Grant lifecycle from spec.md §4.8: the
// unit of memory an address space owns or borrows over one region.
// Grounded on the Grant impl (physmap/zeroed/borrow/reborrow/transfer/
// copy_inner/unmap/extract) in original_source/src/context/memory.rs,
// translated from Rust's ownership transfer (a Grant is moved, never
// aliased) into Go's explicit "the function consumes g and returns its
// replacement(s)" idiom, since Go has no move semantics to enforce the
// rule statically.
package grant

import (
	"vmcore/internal/memlayout"
	"vmcore/internal/paging"
	"vmcore/internal/region"
)

// FileRef names the backing file descriptor and offset for a grant
// created over mapped file content, mirroring GrantFileRef in the
// original source.
type FileRef struct {
	Desc   int
	Offset uintptr
	Flags  paging.Flags
}

// Grant is one mapped (or about-to-be-mapped) region within an address
// space.
type Grant struct {
	Region  region.Region
	Flags   paging.Flags
	Mapped  bool
	Owned   bool
	DescOpt *FileRef
}

// Zeroed creates a grant backed by freshly allocated frames, the default
// for anonymous memory (e.g. BSS, stack, anonymous mmap). Every page is
// allocated and mapped eagerly; spec.md's Non-goals exclude lazy/on-demand
// population. Zeroed does not write to the frames: their contents are
// whatever alloc hands back.
func Zeroed(r region.Region, flags paging.Flags, mapper *paging.Mapper, alloc paging.FrameAllocator, flusher paging.Flusher) (Grant, bool) {
	first, last := r.Pages()
	mapped := make([]uintptr, 0, last-first)
	for page := first; page < last; page++ {
		virt := pageVirt(page)
		_, flush, ok := mapper.Map(virt, flags, alloc)
		if !ok {
			unwind(mapper, mapped, flusher)
			return Grant{}, false
		}
		mapped = append(mapped, page)
		flusher.Consume(flush)
	}
	return Grant{Region: r, Flags: flags, Mapped: true, Owned: true}, true
}

// Physmap creates a grant that maps an already-existing physical
// range (device memory, a framebuffer, firmware tables) without taking
// ownership: unmapping it never frees frames back to the allocator.
// physAt maps a page index within r to the physical frame it should be
// backed by.
func Physmap(r region.Region, physAt func(pageIndex uintptr) memlayout.PhysicalAddress, flags paging.Flags, mapper *paging.Mapper, alloc paging.FrameAllocator, flusher paging.Flusher) (Grant, bool) {
	first, last := r.Pages()
	mapped := make([]uintptr, 0, last-first)
	for page := first; page < last; page++ {
		virt := pageVirt(page)
		flush, ok := mapper.MapPhys(virt, physAt(page-first), flags, alloc)
		if !ok {
			unwind(mapper, mapped, flusher)
			return Grant{}, false
		}
		mapped = append(mapped, page)
		flusher.Consume(flush)
	}
	return Grant{Region: r, Flags: flags, Mapped: true, Owned: false}, true
}

// Borrow creates a new grant over the same physical frames as source,
// without transferring ownership: freeing it never releases source's
// frames. Used for read-only sharing (e.g. a borrowed buffer passed to a
// kernel call).
func Borrow(source Grant, flags paging.Flags, srcMapper, dstMapper *paging.Mapper, alloc paging.FrameAllocator, flusher paging.Flusher) (Grant, bool) {
	first, last := source.Region.Pages()
	mapped := make([]uintptr, 0, last-first)
	for page := first; page < last; page++ {
		virt := pageVirt(page)
		phys, _, ok := srcMapper.Translate(virt)
		if !ok {
			unwind(dstMapper, mapped, flusher)
			return Grant{}, false
		}
		flush, ok := dstMapper.MapPhys(virt, phys, flags, alloc)
		if !ok {
			unwind(dstMapper, mapped, flusher)
			return Grant{}, false
		}
		mapped = append(mapped, page)
		flusher.Consume(flush)
	}
	return Grant{Region: source.Region, Flags: flags, Mapped: true, Owned: false}, true
}

// Reborrow is Borrow restricted to a sub-region of source, used when only
// part of an existing grant needs to be shared onward.
func Reborrow(source Grant, sub region.Region, flags paging.Flags, srcMapper, dstMapper *paging.Mapper, alloc paging.FrameAllocator, flusher paging.Flusher) (Grant, bool) {
	restricted := source
	restricted.Region = sub
	return Borrow(restricted, flags, srcMapper, dstMapper, alloc, flusher)
}

// Transfer moves g's mapping from srcMapper to dstMapper: the same
// physical frames become mapped at the same addresses in dst, and g's
// mapping in src is torn down. g.Owned and g.DescOpt carry over
// unchanged, since ownership (and descriptor responsibility) moves with
// the grant, not with the table it happens to be mapped into.
func Transfer(g Grant, srcMapper, dstMapper *paging.Mapper, dstAlloc paging.FrameAllocator, flusher paging.Flusher) (Grant, bool) {
	first, last := g.Region.Pages()
	mapped := make([]uintptr, 0, last-first)
	for page := first; page < last; page++ {
		virt := pageVirt(page)
		phys, flags, flush, ok := srcMapper.UnmapPhys(virt)
		if !ok {
			unwind(dstMapper, mapped, flusher)
			return Grant{}, false
		}
		flusher.Consume(flush)
		dstFlush, ok := dstMapper.MapPhys(virt, phys, flags, dstAlloc)
		if !ok {
			unwind(dstMapper, mapped, flusher)
			return Grant{}, false
		}
		mapped = append(mapped, page)
		flusher.Consume(dstFlush)
	}
	g.Mapped = true
	return g, true
}

// CopyInner performs the eager, non-CoW duplication AddrSpace.TryClone
// relies on (spec.md §4.9 Design Notes: "address-space cloning performs
// an eager, non-copy-on-write duplication"): every owned page's contents
// are copied into a freshly allocated frame in dst via copyPage; borrowed
// (non-owned) pages are instead re-borrowed, since duplicating physical
// content the grant doesn't own would silently diverge two address
// spaces' view of shared memory.
func CopyInner(g Grant, srcMapper, dstMapper *paging.Mapper, alloc paging.FrameAllocator, flusher paging.Flusher, copyPage func(dst, src memlayout.PhysicalAddress)) (Grant, bool) {
	if !g.Owned {
		return Borrow(g, g.Flags, srcMapper, dstMapper, alloc, flusher)
	}
	first, last := g.Region.Pages()
	mapped := make([]uintptr, 0, last-first)
	for page := first; page < last; page++ {
		virt := pageVirt(page)
		srcPhys, _, ok := srcMapper.Translate(virt)
		if !ok {
			unwind(dstMapper, mapped, flusher)
			return Grant{}, false
		}
		dstPhys, flush, ok := dstMapper.Map(virt, g.Flags, alloc)
		if !ok {
			unwind(dstMapper, mapped, flusher)
			return Grant{}, false
		}
		copyPage(dstPhys, srcPhys)
		mapped = append(mapped, page)
		flusher.Consume(flush)
	}
	return Grant{Region: g.Region, Flags: g.Flags, Mapped: true, Owned: true}, true
}

// Unmap tears down every page of g and frees its frames back to alloc if g
// owns them. It consumes g: the caller must not reuse g afterward. The
// grant's file descriptor, if any, is taken and returned rather than
// closed here, mirroring UnmapResult{file_desc: self.desc_opt.take()}
// (original_source/src/context/memory.rs:605), so the caller may forward
// deferred closure elsewhere instead of Unmap deciding unilaterally.
func Unmap(g Grant, mapper *paging.Mapper, alloc paging.FrameAllocator, flusher paging.Flusher) *FileRef {
	if !g.Mapped {
		return g.DescOpt
	}
	first, last := g.Region.Pages()
	for page := first; page < last; page++ {
		virt := pageVirt(page)
		phys, _, flush, ok := mapper.UnmapPhys(virt)
		if !ok {
			continue
		}
		flusher.Consume(flush)
		if g.Owned {
			alloc.Free(phys, 1)
		}
	}
	return g.DescOpt
}

// Extract splits g at sub, which must lie within g.Region, into the grant
// matching sub exactly and the leftover grants before/after it, if any.
// Before and after carry g's Flags and Owned, stay Mapped, and each get
// their own cloned DescOpt, so the caller can re-insert them as
// independent, still-mapped grants that can later be unmapped and close
// their own descriptor copy (spec.md §4.8.2, memory.rs:622-638). sub's
// bounds must be page-aligned.
func Extract(g Grant, sub region.Region) (before *Grant, middle Grant, after *Grant) {
	if !memlayout.PageAligned(sub.Start.Data()) || !memlayout.PageAligned(sub.End().Data()) {
		panic("grant: Extract called with a non-page-aligned sub-region")
	}
	if b, ok := g.Region.Before(sub); ok {
		before = &Grant{Region: b, Flags: g.Flags, Mapped: true, Owned: g.Owned, DescOpt: cloneDesc(g.DescOpt)}
	}
	if a, ok := g.Region.After(sub); ok {
		after = &Grant{Region: a, Flags: g.Flags, Mapped: true, Owned: g.Owned, DescOpt: cloneDesc(g.DescOpt)}
	}
	middle = g
	middle.Region = sub
	return before, middle, after
}

func cloneDesc(d *FileRef) *FileRef {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

func pageVirt(pageIndex uintptr) memlayout.VirtualAddress {
	return memlayout.VirtualAddress(pageIndex << memlayout.PageShift)
}

func unwind(mapper *paging.Mapper, pages []uintptr, flusher paging.Flusher) {
	for _, page := range pages {
		_, _, flush, ok := mapper.UnmapPhys(pageVirt(page))
		if ok {
			flusher.Consume(flush)
		}
	}
}
