// Package buddy implements the post-boot frame allocator from spec.md
// §4.3: standard power-of-two buddy splitting/merging, constructed from
// the bump allocator's area table and consumed offset, treating every
// frame past that offset as free.
//
// Grounded on the BuddyAllocator::new(bump_allocator) handoff in
// original_source/src/arch/x86/rmm.rs, and on the teacher's per-CPU /
// global free-list split in mem.Physmem_t (biscuit/src/mem/mem.go,
// `_pcpu_new`, `_phys_new`, `_phys_put`) for the idiom of a process-wide
// allocator guarded by a single sync.Mutex with small per-order free
// lists. The out-of-memory notification channel is grounded on the
// teacher's oommsg package (biscuit/src/oommsg/oommsg.go).
package buddy

import (
	"sync"

	"vmcore/internal/memlayout"
	"vmcore/internal/memmap"
)

// MaxOrder bounds the largest run of frames a single free-list entry can
// describe: 2^MaxOrder pages, comfortably covering any single normalized
// area within the 1 GiB physmap window (spec.md Non-goals).
const MaxOrder = 18

// Usage reports the allocator's current frame accounting (§4.3).
type Usage struct {
	Used  memlayout.FrameCount
	Total memlayout.FrameCount
}

// OOMEvent is sent on an allocator's OOM channel when an allocation fails,
// mirroring the teacher's oommsg.Oommsg_t: a requested frame count and a
// fresh Resume channel. The allocator never reads Resume: Allocate does
// not wait or retry after sending the event.
type OOMEvent struct {
	Need   memlayout.FrameCount
	Resume chan bool
}

type freeNode struct {
	base memlayout.PhysicalAddress
	next int // index of next node in this order's free list, or -1
}

// Allocator is the post-boot physical frame allocator. All operations take
// a single mutex; spec.md §5 forbids acquiring the kernel-half lock while
// holding it (heap growth must not recurse through the allocator's lock).
type Allocator struct {
	mu sync.Mutex

	base  memlayout.PhysicalAddress // lowest frame this allocator ever manages
	total memlayout.FrameCount
	used  memlayout.FrameCount

	// free[order] is the index (into nodes) of the head of that order's
	// free list, or -1 if empty. Each node describes one free block of
	// 2^order pages starting at node.base.
	free  [MaxOrder + 1]int
	nodes []freeNode

	// OOMChan is notified (non-blocking best-effort) when Allocate fails.
	// Nil by default; callers that want OOM notification set it after
	// construction, as the teacher's code sends on the package-level
	// oommsg.OomCh from allocation sites rather than wiring it through a
	// constructor.
	OOMChan chan OOMEvent
}

func orderOf(count memlayout.FrameCount) int {
	order := 0
	size := memlayout.FrameCount(1)
	for size < count {
		size <<= 1
		order++
	}
	return order
}

// New builds a buddy allocator from the bump allocator's remaining frames,
// given its area table and consumed offset. Its free-list metadata (the
// nodes slice) lives in an ordinary Go slice: New reserves no frames for
// it and does not advance the bump allocator.
func New(bumpAreas []memmap.MemoryArea, consumedOffset uintptr) *Allocator {
	a := &Allocator{}
	for i := range a.free {
		a.free[i] = -1
	}

	// Walk the same areas the bump allocator drew from, skipping the
	// first consumedOffset bytes (already permanently allocated), and
	// seed one free block per remaining page-aligned run.
	skip := consumedOffset
	for _, area := range bumpAreas {
		base := area.Base.Data()
		size := area.Size
		if skip > 0 {
			if skip >= size {
				skip -= size
				continue
			}
			base += skip
			size -= skip
			skip = 0
		}
		if size == 0 {
			continue
		}
		if a.total == 0 {
			a.base = memlayout.PhysicalAddress(base)
		}
		count := memlayout.FrameCount(size / memlayout.PageSize)
		a.total += count
		a.seedFree(memlayout.PhysicalAddress(base), count)
	}
	return a
}

// seedFree splits a contiguous run of count frames starting at base into
// maximal power-of-two blocks and inserts each into its order's free list.
func (a *Allocator) seedFree(base memlayout.PhysicalAddress, count memlayout.FrameCount) {
	for count > 0 {
		order := 0
		for order < MaxOrder && memlayout.FrameCount(2)<<uint(order) <= count {
			order++
		}
		blockFrames := memlayout.FrameCount(1) << uint(order)
		a.pushFree(order, base)
		base = base.Add(uintptr(blockFrames) * memlayout.PageSize)
		count -= blockFrames
	}
}

func (a *Allocator) pushFree(order int, base memlayout.PhysicalAddress) {
	idx := len(a.nodes)
	a.nodes = append(a.nodes, freeNode{base: base, next: a.free[order]})
	a.free[order] = idx
}

func (a *Allocator) popFree(order int) (memlayout.PhysicalAddress, bool) {
	idx := a.free[order]
	if idx < 0 {
		return 0, false
	}
	a.free[order] = a.nodes[idx].next
	return a.nodes[idx].base, true
}

// Allocate returns the base of a contiguous run of count frames, or false
// on exhaustion. It splits a larger free block if no exact-order block is
// free, matching standard buddy-splitting.
func (a *Allocator) Allocate(count memlayout.FrameCount) (memlayout.PhysicalAddress, bool) {
	a.mu.Lock()
	base, ok := a.allocateLocked(count)
	a.mu.Unlock()
	if !ok {
		a.notifyOOM(count)
	}
	return base, ok
}

func (a *Allocator) allocateLocked(count memlayout.FrameCount) (memlayout.PhysicalAddress, bool) {
	want := orderOf(count)
	if want > MaxOrder {
		return 0, false
	}
	order := want
	for order <= MaxOrder {
		if base, ok := a.popFree(order); ok {
			// Split down to the requested order, returning the upper
			// halves to their respective free lists.
			size := memlayout.FrameCount(1) << uint(order)
			for order > want {
				order--
				size >>= 1
				buddy := base.Add(uintptr(size) * memlayout.PageSize)
				a.pushFree(order, buddy)
			}
			a.used += memlayout.FrameCount(1) << uint(want)
			return base, true
		}
		order++
	}
	return 0, false
}

// Free returns count frames at addr to the allocator, merging the block
// with its free buddy, order by order, as far as possible. Per spec.md §3,
// it is the caller's responsibility (via the Grant layer's bookkeeping) to
// only free frames this allocator originally issued; this type does not
// itself track provenance beyond the accounting counters.
func (a *Allocator) Free(addr memlayout.PhysicalAddress, count memlayout.FrameCount) {
	a.mu.Lock()
	defer a.mu.Unlock()
	order := orderOf(count)
	a.used -= memlayout.FrameCount(1) << uint(order)
	for ; order < MaxOrder; order++ {
		size := (uintptr(1) << uint(order)) * memlayout.PageSize
		buddy := a.base.Add((addr.Data() - a.base.Data()) ^ size)
		prev, idx := -1, a.free[order]
		for idx >= 0 && a.nodes[idx].base != buddy {
			prev, idx = idx, a.nodes[idx].next
		}
		if idx < 0 {
			break
		}
		if prev < 0 {
			a.free[order] = a.nodes[idx].next
		} else {
			a.nodes[prev].next = a.nodes[idx].next
		}
		if buddy < addr {
			addr = buddy
		}
	}
	a.pushFree(order, addr)
}

// UsageReport returns the current used/total frame counts (§4.3).
func (a *Allocator) UsageReport() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Usage{Used: a.used, Total: a.total}
}

func (a *Allocator) notifyOOM(need memlayout.FrameCount) {
	ch := a.OOMChan
	if ch == nil {
		return
	}
	select {
	case ch <- OOMEvent{Need: need, Resume: make(chan bool, 1)}:
	default:
	}
}
