// Package kmaplock implements the reentrant kernel-half page-table lock
// from spec.md §4.5. Grounded on KernelMapper's lock_inner/lock_manually/
// get_mut/Drop in original_source/src/arch/x86/rmm.rs: a single atomic
// owner/count pair, acquired by compare-and-swap against a "no owner"
// sentinel, with same-owner reentry only incrementing the count.
package kmaplock

import (
	"runtime"
	"sync/atomic"
)

const noOwner = 0

// Lock guards the single shared kernel-half page table. Every CPU must
// hold it before mutating any kernel-half entry; the zero value is an
// unlocked lock with no owner.
type Lock struct {
	// owner holds the CPU ID (1-based; 0 means unlocked) currently holding
	// the lock. count is the reentrant hold depth for that owner.
	owner atomic.Uint64
	count atomic.Uint64
}

// New returns an unlocked Lock.
func New() *Lock { return &Lock{} }

// Guard represents one held (possibly reentrant) acquisition. Only the
// outermost Guard (Depth() == 1) may treat the table as exclusively
// writable in the presence of other CPUs; nested guards observe IsNested
// to avoid re-deriving state that the outer acquisition already holds.
type Guard struct {
	lock    *Lock
	cpu     uint64
	nested  bool
	released bool
}

// Acquire takes the lock for cpu (a caller-assigned, non-zero per-CPU
// identifier), spinning until it succeeds. A CPU that already holds the
// lock reenters it: the original Rust implementation's
// `compare_exchange_weak(NO_OWNER, owner, ...)` fast path, falling through
// to `fetch_add` on the slow (same-owner) path.
func (l *Lock) Acquire(cpu uint64) *Guard {
	if cpu == noOwner {
		panic("kmaplock: cpu id 0 is reserved for the unlocked sentinel")
	}
	for {
		if l.owner.CompareAndSwap(noOwner, cpu) {
			l.count.Store(1)
			return &Guard{lock: l, cpu: cpu}
		}
		if l.owner.Load() == cpu {
			l.count.Add(1)
			return &Guard{lock: l, cpu: cpu, nested: true}
		}
		runtime.Gosched()
	}
}

// TryAcquire is the non-spinning form of Acquire, used by callers that
// must not block while holding another lock (spec.md §5 forbids holding
// the buddy allocator's mutex while acquiring this lock, and vice versa
// in the other order; TryAcquire lets a caller detect and back off).
func (l *Lock) TryAcquire(cpu uint64) (*Guard, bool) {
	if cpu == noOwner {
		panic("kmaplock: cpu id 0 is reserved for the unlocked sentinel")
	}
	if l.owner.CompareAndSwap(noOwner, cpu) {
		l.count.Store(1)
		return &Guard{lock: l, cpu: cpu}, true
	}
	if l.owner.Load() == cpu {
		l.count.Add(1)
		return &Guard{lock: l, cpu: cpu, nested: true}, true
	}
	return nil, false
}

// IsNested reports whether this guard is a reentrant acquisition nested
// inside an outer one held by the same CPU.
func (g *Guard) IsNested() bool { return g.nested }

// Release drops one level of the hold. Once the count reaches zero, the
// lock reverts to unlocked. Releasing an already-released guard panics.
func (g *Guard) Release() {
	if g.released {
		panic("kmaplock: guard released twice")
	}
	g.released = true
	if g.lock.count.Add(^uint64(0)) == 0 {
		g.lock.owner.Store(noOwner)
	}
}

// Depth returns the current reentrant hold depth for the lock's owner,
// observed at the moment of the call. Only meaningful while a guard for
// that owner is held.
func (l *Lock) Depth() uint64 { return l.count.Load() }

// HeldBy reports whether cpu currently holds the lock, at any depth.
func (l *Lock) HeldBy(cpu uint64) bool { return l.owner.Load() == cpu }
