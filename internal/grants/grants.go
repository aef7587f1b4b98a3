// Package grants implements UserGrants, the per-address-space ordered
// container of grants and free-space holes from spec.md §4.7. Grounded on
// UserGrants{inner: BTreeSet<Grant>, holes: BTreeMap<VirtualAddress,
// usize>, funmap: BTreeMap<Region, Grant>} in
// original_source/src/context/memory.rs. Go's standard library has no
// ordered-map/ordered-set type, so this package reaches for
// github.com/google/btree's generic BTreeG — the closest ecosystem
// analogue to Rust's BTreeSet/BTreeMap, and the ordered-container library
// the wider example pack itself depends on (several gVisor-derived
// manifests in the retrieval pack pin it).
package grants

import (
	"github.com/google/btree"

	"vmcore/internal/grant"
	"vmcore/internal/memlayout"
	"vmcore/internal/region"
	"vmcore/internal/vmerrors"
)

const btreeDegree = 32

// MapFlag mirrors the mmap-style placement flags spec.md §4.7 names.
type MapFlag uint

const (
	// MapFixed requests exactly start. Replacing an overlapping mapping
	// is not implemented: an overlap fails with EOPNOTSUPP.
	MapFixed MapFlag = 1 << iota
	// MapFixedNoReplace requests exactly start, failing with EEXIST
	// instead of replacing an overlapping mapping.
	MapFixedNoReplace
)

// hole is one maximal run of unused virtual address space.
type hole struct {
	Start memlayout.VirtualAddress
	Size  uintptr
}

func (h hole) region() region.Region { return region.New(h.Start, h.Size) }
func (h hole) end() memlayout.VirtualAddress {
	return memlayout.VirtualAddress(h.Start.Data() + h.Size)
}

// funmapEntry is the supplemented deferred-unmap record (spec_full.md
// SUPPLEMENTED FEATURES): a grant that has been removed from the live set
// but whose page-table teardown and frame release have not yet run,
// mirroring the `funmap` field the distilled spec.md dropped.
type funmapEntry struct {
	Region region.Region
	Grant  grant.Grant
}

func grantLess(a, b grant.Grant) bool {
	return a.Region.Start.Data() < b.Region.Start.Data()
}

func holeLess(a, b hole) bool {
	return a.Start.Data() < b.Start.Data()
}

func funmapLess(a, b funmapEntry) bool {
	return a.Region.Start.Data() < b.Region.Start.Data()
}

// UserGrants is the ordered set of grants mapped into one address space,
// plus the free-space hole map used to answer placement queries without
// scanning every grant.
type UserGrants struct {
	inner  *btree.BTreeG[grant.Grant]
	holes  *btree.BTreeG[hole]
	funmap *btree.BTreeG[funmapEntry]
}

// New returns an empty UserGrants covering the user half of the address
// space, [0, memlayout.UserEndOffset), as one initial hole.
func New() *UserGrants {
	u := &UserGrants{
		inner:  btree.NewG(btreeDegree, grantLess),
		holes:  btree.NewG(btreeDegree, holeLess),
		funmap: btree.NewG(btreeDegree, funmapLess),
	}
	u.holes.ReplaceOrInsert(hole{Start: 0, Size: memlayout.UserEndOffset})
	return u
}

// Contains reports whether addr falls within any live grant.
func (u *UserGrants) Contains(addr memlayout.VirtualAddress) bool {
	_, ok := u.Find(addr)
	return ok
}

// Find returns the grant containing addr, if any.
func (u *UserGrants) Find(addr memlayout.VirtualAddress) (grant.Grant, bool) {
	var found grant.Grant
	var ok bool
	u.inner.AscendRange(
		grant.Grant{Region: region.New(0, 0)},
		grant.Grant{Region: region.New(addr.Add(1), 0)},
		func(g grant.Grant) bool {
			if g.Region.Collides(region.Byte(addr)) {
				found, ok = g, true
				return false
			}
			return true
		},
	)
	return found, ok
}

// Conflicts reports whether r overlaps any live grant.
func (u *UserGrants) Conflicts(r region.Region) bool {
	conflict := false
	u.inner.Ascend(func(g grant.Grant) bool {
		if g.Region.Start.Data() >= r.End().Data() {
			return false
		}
		if !g.Region.Intersect(r).IsEmpty() {
			conflict = true
			return false
		}
		return true
	})
	return conflict
}

// FindFree returns the lowest-addressed hole at least size bytes long,
// first-fit, matching the original's BTreeMap-ordered hole scan. A hole
// starting at address 0 never yields the null page itself: its usable
// start is pushed up to PageSize and its usable size shrinks by PageSize
// to match (original_source/src/context/memory.rs:159-161).
func (u *UserGrants) FindFree(size uintptr) (region.Region, bool) {
	var out region.Region
	found := false
	u.holes.Ascend(func(h hole) bool {
		start := h.Start
		usable := h.Size
		if start.Data() == 0 {
			start = memlayout.VirtualAddress(memlayout.PageSize)
			usable -= memlayout.PageSize
		}
		if usable >= size {
			out = region.New(start, size)
			found = true
			return false
		}
		return true
	})
	return out, found
}

// FindFreeAt resolves a placement request for [start, start+size), honoring
// MapFixed/MapFixedNoReplace per spec.md §4.7.2:
//   - start == 0 is not a real address; it delegates to FindFree as the
//     original does.
//   - an out-of-bounds or misaligned start is EINVAL
//     (original_source/src/context/memory.rs:173-179).
//   - with MapFixed, a conflicting region is EOPNOTSUPP: this module does
//     not implement overwrite-in-place (memory.rs:187-189, spec.md §9).
//   - with MapFixedNoReplace, a conflicting region is EEXIST.
//   - with neither flag, start is only a hint; a conflict falls back to
//     FindFree, returning ENOMEM if no hole is big enough either.
func (u *UserGrants) FindFreeAt(start memlayout.VirtualAddress, size uintptr, flags MapFlag) (region.Region, error) {
	if start.Data() == 0 {
		r, ok := u.FindFree(size)
		if !ok {
			return region.Region{}, vmerrors.New("grants.FindFreeAt", vmerrors.ENOMEM, "no hole large enough")
		}
		return r, nil
	}
	if !memlayout.PageAligned(start.Data()) || start.Data()+size > memlayout.UserEndOffset {
		return region.Region{}, vmerrors.New("grants.FindFreeAt", vmerrors.EINVAL, "start is misaligned or out of bounds")
	}

	r := region.New(start, size)
	if u.Conflicts(r) {
		switch {
		case flags&MapFixed != 0:
			return region.Region{}, vmerrors.New("grants.FindFreeAt", vmerrors.EOPNOTSUPP, "overwriting an existing mapping is not supported")
		case flags&MapFixedNoReplace != 0:
			return region.Region{}, vmerrors.New("grants.FindFreeAt", vmerrors.EEXIST, "region overlaps an existing grant")
		default:
			r, ok := u.FindFree(size)
			if !ok {
				return region.Region{}, vmerrors.New("grants.FindFreeAt", vmerrors.ENOMEM, "no hole large enough")
			}
			return r, nil
		}
	}
	return r, nil
}

// Reserve carves r out of the hole map, splitting or shrinking whichever
// hole(s) cover it. It must be called before Insert for every region,
// including one obtained from FindFree (which does not itself touch the
// hole map), so the hole map stays consistent with the live grant set
// (invariant 2, spec.md §8).
func (u *UserGrants) Reserve(r region.Region) error {
	var covering *hole
	u.holes.Ascend(func(h hole) bool {
		if h.Start.Data() <= r.Start.Data() && r.End().Data() <= h.end().Data() {
			cp := h
			covering = &cp
			return false
		}
		return true
	})
	if covering == nil {
		return vmerrors.New("grants.Reserve", vmerrors.ENOMEM, "region is not wholly contained in one free hole")
	}
	u.holes.Delete(*covering)
	if before, ok := covering.region().Before(r); ok {
		u.holes.ReplaceOrInsert(hole{Start: before.Start, Size: before.Size})
	}
	if after, ok := covering.region().After(r); ok {
		u.holes.ReplaceOrInsert(hole{Start: after.Start, Size: after.Size})
	}
	return nil
}

// Unreserve returns r to the hole map, merging with any adjacent hole so
// the map never accumulates spuriously fragmented entries.
func (u *UserGrants) Unreserve(r region.Region) {
	merged := hole{Start: r.Start, Size: r.Size}

	// Merge with the hole immediately preceding r, found by descending
	// from r.Start and taking the first hole strictly before it.
	var prev *hole
	u.holes.Descend(func(h hole) bool {
		if h.Start.Data() >= r.Start.Data() {
			return true
		}
		cp := h
		prev = &cp
		return false
	})
	if prev != nil && prev.end().Data() == merged.Start.Data() {
		u.holes.Delete(*prev)
		merged.Start = prev.Start
		merged.Size += prev.Size
	}

	// Merge with a hole immediately following r.
	if next, ok := u.holes.Get(hole{Start: merged.Start.Add(merged.Size)}); ok {
		u.holes.Delete(next)
		merged.Size += next.Size
	}

	u.holes.ReplaceOrInsert(merged)
}

// Insert adds g to the live set. The caller must have already Reserve'd
// g.Region (directly, or implicitly via FindFree followed by Reserve).
func (u *UserGrants) Insert(g grant.Grant) error {
	if u.Conflicts(g.Region) {
		return vmerrors.New("grants.Insert", vmerrors.EEXIST, "grant region overlaps an existing grant")
	}
	u.inner.ReplaceOrInsert(g)
	return nil
}

// Take removes and returns the grant whose region matches r exactly, also
// returning r to the hole map.
func (u *UserGrants) Take(r region.Region) (grant.Grant, bool) {
	g, ok := u.inner.Delete(grant.Grant{Region: r})
	if !ok {
		return grant.Grant{}, false
	}
	u.Unreserve(r)
	return g, true
}

// Remove is an alias for Take kept for symmetry with Insert.
func (u *UserGrants) Remove(r region.Region) (grant.Grant, bool) { return u.Take(r) }

// RecordFunmap defers teardown of g: it is removed from the live set and
// its hole reclaimed immediately, but the actual page-table unmap (and
// any frame release) is left for the caller to perform out of band, via
// TakeFunmap. This matches the original's separate `funmap` bookkeeping,
// used so a cross-address-space munmap can release the source address
// space's lock before touching page tables.
func (u *UserGrants) RecordFunmap(r region.Region) (grant.Grant, bool) {
	g, ok := u.Take(r)
	if !ok {
		return grant.Grant{}, false
	}
	u.funmap.ReplaceOrInsert(funmapEntry{Region: r, Grant: g})
	return g, true
}

// TakeFunmap pops one pending deferred-unmap entry, in address order, or
// false if none are pending.
func (u *UserGrants) TakeFunmap() (region.Region, grant.Grant, bool) {
	min, ok := u.funmap.Min()
	if !ok {
		return region.Region{}, grant.Grant{}, false
	}
	u.funmap.Delete(min)
	return min.Region, min.Grant, true
}

// Len returns the number of live grants.
func (u *UserGrants) Len() int { return u.inner.Len() }

// ForEach visits every live grant in address order. Iteration stops early
// if visit returns false.
func (u *UserGrants) ForEach(visit func(grant.Grant) bool) {
	u.inner.Ascend(func(g grant.Grant) bool { return visit(g) })
}
