package crdt

import (
	"testing"

	"github.com/privstack/core/internal/ids"
)

func TestVectorClockTickAndObserve(t *testing.T) {
	v := NewVectorClock()
	p := ids.NewPeerId()

	if n := v.Tick(p); n != 1 {
		t.Fatalf("expected first tick to be 1, got %d", n)
	}
	if n := v.Tick(p); n != 2 {
		t.Fatalf("expected second tick to be 2, got %d", n)
	}
}

func TestVectorClockBeforeAfterConcurrent(t *testing.T) {
	p1, p2 := ids.NewPeerId(), ids.NewPeerId()

	a := NewVectorClock()
	a.Observe(p1, 1)

	b := a.Clone()
	b.Observe(p1, 2)

	if !a.Before(b) {
		t.Fatal("expected a before b")
	}
	if b.Before(a) {
		t.Fatal("b should not be before a")
	}

	c := NewVectorClock()
	c.Observe(p2, 1)
	if !a.Concurrent(c) {
		t.Fatal("expected a and c to be concurrent (disjoint peer knowledge)")
	}
}

func TestVectorClockMergeCommutativeAndIdempotent(t *testing.T) {
	p1, p2 := ids.NewPeerId(), ids.NewPeerId()

	a := NewVectorClock()
	a.Observe(p1, 3)
	b := NewVectorClock()
	b.Observe(p2, 5)

	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)

	if ab.Compare(ba) != 0 {
		t.Fatal("merge should be commutative")
	}

	idempotent := ab.Clone()
	idempotent.Merge(ab)
	if idempotent.Compare(ab) != 0 {
		t.Fatal("merge with self should be a no-op")
	}
}
