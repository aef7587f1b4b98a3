package kmaplock

import (
	"sync"
	"testing"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	l := New()
	g := l.Acquire(1)
	if !l.HeldBy(1) {
		t.Fatal("expected lock to be held by cpu 1")
	}
	g.Release()
	if l.HeldBy(1) {
		t.Fatal("expected lock to be released")
	}
}

func TestReentrantAcquireIsNested(t *testing.T) {
	l := New()
	outer := l.Acquire(1)
	if outer.IsNested() {
		t.Fatal("expected the first acquisition to not be nested")
	}
	inner := l.Acquire(1)
	if !inner.IsNested() {
		t.Fatal("expected the same CPU's second acquisition to be nested")
	}
	if got := l.Depth(); got != 2 {
		t.Fatalf("Depth() = %d, want 2 while both guards are held", got)
	}

	inner.Release()
	if !l.HeldBy(1) {
		t.Fatal("expected the lock to still be held after releasing only the inner guard")
	}
	outer.Release()
	if l.HeldBy(1) {
		t.Fatal("expected the lock to be released once every guard is released")
	}
}

func TestReleaseTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected releasing an already-released guard to panic")
		}
	}()
	l := New()
	g := l.Acquire(1)
	g.Release()
	g.Release()
}

func TestTryAcquireFailsForDifferentOwner(t *testing.T) {
	l := New()
	_, ok := l.TryAcquire(1)
	if !ok {
		t.Fatal("expected the first TryAcquire to succeed")
	}
	if _, ok := l.TryAcquire(2); ok {
		t.Fatal("expected TryAcquire from a different CPU to fail while held")
	}
}

func TestAcquireSerializesDifferentOwners(t *testing.T) {
	l := New()
	var mu sync.Mutex
	order := make([]uint64, 0, 2)

	g := l.Acquire(1)
	done := make(chan struct{})
	go func() {
		g2 := l.Acquire(2)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		g2.Release()
		close(done)
	}()

	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	g.Release()
	<-done

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected cpu 1 to record before cpu 2 released, got %v", order)
	}
}

func TestAcquireZeroCPUPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Acquire(0) to panic: 0 is the unlocked sentinel")
		}
	}()
	New().Acquire(0)
}
