// Package region implements the pure value-type interval algebra from
// spec.md §4.6, grounded on the Region impl in
// original_source/src/context/memory.rs and expressed the way the teacher
// expresses small value types with methods (mem.Pa_t, mem.Pg_t in
// biscuit/src/mem/mem.go).
package region

import (
	"fmt"

	"vmcore/internal/memlayout"
)

// Region is a half-open virtual-address interval [Start, Start+Size).
type Region struct {
	Start memlayout.VirtualAddress
	Size  uintptr
}

// New constructs a Region from a start address and size.
func New(start memlayout.VirtualAddress, size uintptr) Region {
	return Region{Start: start, Size: size}
}

// Byte constructs a one-byte Region, used for point lookups.
func Byte(addr memlayout.VirtualAddress) Region {
	return Region{Start: addr, Size: 1}
}

// Between constructs the Region spanning [start, end), saturating to zero
// size if end precedes start.
func Between(start, end memlayout.VirtualAddress) Region {
	if end.Data() < start.Data() {
		return Region{Start: start, Size: 0}
	}
	return Region{Start: start, Size: end.Data() - start.Data()}
}

// End returns the exclusive end address of the region.
func (r Region) End() memlayout.VirtualAddress {
	return memlayout.VirtualAddress(r.Start.Data() + r.Size)
}

// IsEmpty reports whether the region has zero size. A Region inside a
// grants set must never be empty (spec.md §3).
func (r Region) IsEmpty() bool {
	return r.Size == 0
}

// Round rounds the region's size up to the nearest page.
func (r Region) Round() Region {
	return Region{Start: r.Start, Size: memlayout.RoundUp(r.Size)}
}

// Intersect returns the part of other that overlaps r. The result is empty
// (zero size) if the two regions are disjoint. Intersect is commutative:
// r.Intersect(o) == o.Intersect(r).
func (r Region) Intersect(other Region) Region {
	start := r.Start
	if other.Start.Data() > start.Data() {
		start = other.Start
	}
	end := r.End()
	if other.End().Data() < end.Data() {
		end = other.End()
	}
	return Between(start, end)
}

// Collides reports whether other's start address lies within r.
func (r Region) Collides(other Region) bool {
	return r.Start.Data() <= other.Start.Data() &&
		other.Start.Data()-r.Start.Data() < r.Size
}

// Occupies is like Collides but rounds r up to the page size first, so it
// matches the actual page-table footprint of a grant whose declared size
// isn't itself page-aligned.
func (r Region) Occupies(other Region) bool {
	return r.Round().Collides(other)
}

// Before returns the region from the start of r until the start of region,
// or false if that span is empty. It panics if region starts before r, as
// it is an internal-use helper for Grant.Extract (spec.md §4.6).
func (r Region) Before(sub Region) (Region, bool) {
	if r.Start.Data() > sub.Start.Data() {
		panic("region: Before called with a sub-region starting earlier than self")
	}
	out := Between(r.Start, sub.Start)
	return out, !out.IsEmpty()
}

// After returns the region from the end of sub until the end of r, or
// false if that span is empty. It panics if sub ends after r.
func (r Region) After(sub Region) (Region, bool) {
	if sub.End().Data() > r.End().Data() {
		panic("region: After called with a sub-region ending later than self")
	}
	out := Between(sub.End(), r.End())
	return out, !out.IsEmpty()
}

// Rebase translates addr, which must lie inside r, onto newBase.
func (r Region) Rebase(newBase Region, addr memlayout.VirtualAddress) memlayout.VirtualAddress {
	offset := addr.Data() - r.Start.Data()
	return memlayout.VirtualAddress(newBase.Start.Data() + offset)
}

// Pages returns the half-open page-index range [firstPage, lastPage) the
// region spans, for iterating page-by-page without allocating a slice.
func (r Region) Pages() (first, lastExclusive uintptr) {
	first = memlayout.RoundDown(r.Start.Data()) >> memlayout.PageShift
	lastExclusive = memlayout.RoundUp(r.End().Data()) >> memlayout.PageShift
	return first, lastExclusive
}

func (r Region) String() string {
	return fmt.Sprintf("%s..%s (%#x long)", r.Start, r.End(), r.Size)
}
