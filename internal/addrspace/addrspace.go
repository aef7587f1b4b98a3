// Package addrspace implements Table and AddrSpace from spec.md §4.9: the
// top-level page table plus its UserGrants, and the eager (non-CoW) clone
// operation used by process creation. Grounded on Vm_t in
// biscuit/src/vm/as.go (a mutex-guarded struct pairing a Vmregion with a
// Pmap) for the overall shape, and on AddrSpace::try_clone/new/is_current
// in original_source/src/context/memory.rs for the clone algorithm. Table
// teardown (Close) frees the root table and panics if that table is the
// CPU's current one; it does not switch to an empty kernel table itself.
package addrspace

import (
	"sync"

	"vmcore/internal/grant"
	"vmcore/internal/grants"
	"vmcore/internal/memlayout"
	"vmcore/internal/paging"
	"vmcore/internal/region"
)

// Table owns one page-table root and the allocator that backs it.
type Table struct {
	mapper *paging.Mapper
	alloc  paging.FrameAllocator
	closed bool
}

// NewTable wraps an already-created mapper as a Table, taking ownership
// of tearing it down.
func NewTable(mapper *paging.Mapper, alloc paging.FrameAllocator) *Table {
	return &Table{mapper: mapper, alloc: alloc}
}

// Mapper returns the table's underlying page-table mapper.
func (t *Table) Mapper() *paging.Mapper { return t.mapper }

// Close frees the table's root frame back to its allocator. If this table
// is the CPU's current table, the caller must MakeCurrent some other
// table (typically the kernel-only boot table) before calling Close; a
// table cannot safely free the page table the CPU is actively walking.
// Mirrors original_source's Table::drop, which asserts the table being
// dropped is never the active one by first switching to a recycled empty
// table.
func (t *Table) Close() {
	if t.closed {
		return
	}
	t.closed = true
	if t.mapper.IsCurrent() {
		panic("addrspace: Close called on the CPU's current table; switch tables first")
	}
	t.alloc.Free(t.mapper.Root(), 1)
}

// AddrSpace pairs one process's page table with its live grant set, the
// direct Go analogue of the original's `AddrSpace{table: Arc<RwLock<Table>>,
// grants: UserGrants}`. The teacher's Vm_t makes the same pairing under a
// single sync.Mutex (biscuit/src/vm/as.go); this module keeps that same
// single-lock discipline rather than adopting Rust's separate
// table/grants locks, since spec.md §5 defines only one coarse lock per
// address space.
type AddrSpace struct {
	mu     sync.Mutex
	table  *Table
	grants *grants.UserGrants
}

// New constructs an empty address space over an already-created table.
func New(table *Table) *AddrSpace {
	return &AddrSpace{table: table, grants: grants.New()}
}

// Table returns the address space's page table.
func (a *AddrSpace) Table() *Table { return a.table }

// Grants returns the address space's live grant set.
func (a *AddrSpace) Grants() *grants.UserGrants { return a.grants }

// Lock acquires the address space's single coarse lock, guarding both the
// table and the grant set together, and returns an unlock function.
func (a *AddrSpace) Lock() func() {
	a.mu.Lock()
	return a.mu.Unlock
}

// IsCurrent reports whether this address space's table is the CPU's
// active table.
func (a *AddrSpace) IsCurrent() bool {
	return a.table.mapper.IsCurrent()
}

// TryClone performs the eager, non-copy-on-write duplication spec.md
// §4.9's Design Notes call for: a fresh Table is created, every grant is
// deep-copied via grant.CopyInner (owned pages get freshly allocated,
// content-copied frames; borrowed pages are re-borrowed), and the new
// grant set is rebuilt with the same layout. No sharing of physical
// frames across address spaces happens except for already-borrowed
// grants, unlike a true CoW fork.
func (a *AddrSpace) TryClone(newTable *Table, alloc paging.FrameAllocator, flusher paging.Flusher, copyPage func(dst, src memlayout.PhysicalAddress)) (*AddrSpace, bool) {
	unlock := a.Lock()
	defer unlock()

	out := New(newTable)
	ok := true
	a.grants.ForEach(func(g grant.Grant) bool {
		cloned, cok := grant.CopyInner(g, a.table.mapper, newTable.mapper, alloc, flusher, copyPage)
		if !cok {
			ok = false
			return false
		}
		if err := out.grants.Reserve(cloned.Region); err != nil {
			ok = false
			return false
		}
		if err := out.grants.Insert(cloned); err != nil {
			ok = false
			return false
		}
		return true
	})
	if !ok {
		return nil, false
	}
	return out, true
}

// Unmap removes the grant covering r, tearing down its mapping and
// releasing its frames if owned, per spec.md §4.8's Unmap operation. It
// returns the grant's file descriptor, if any, so the caller decides
// whether and how to close it.
func (a *AddrSpace) Unmap(r region.Region, flusher paging.Flusher) (*grant.FileRef, bool) {
	unlock := a.Lock()
	defer unlock()

	g, ok := a.grants.Take(r)
	if !ok {
		return nil, false
	}
	desc := grant.Unmap(g, a.table.mapper, a.table.alloc, flusher)
	return desc, true
}
