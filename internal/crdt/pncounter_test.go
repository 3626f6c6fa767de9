package crdt

import (
	"testing"

	"github.com/privstack/core/internal/ids"
)

func TestPNCounterIncrementDecrement(t *testing.T) {
	c := NewPNCounter()
	p := ids.NewPeerId()

	c.Increment(p, 5)
	c.Decrement(p, 2)

	if v := c.Value(); v != 3 {
		t.Fatalf("expected 3, got %d", v)
	}
}

func TestPNCounterMergeConvergesAcrossPeers(t *testing.T) {
	p1, p2 := ids.NewPeerId(), ids.NewPeerId()

	a := NewPNCounter()
	a.Increment(p1, 10)

	b := NewPNCounter()
	b.Increment(p2, 3)
	b.Decrement(p2, 1)

	a.Merge(b)
	b.Merge(a)

	if a.Value() != b.Value() {
		t.Fatalf("replicas diverged: %d != %d", a.Value(), b.Value())
	}
	if a.Value() != 12 {
		t.Fatalf("expected 12, got %d", a.Value())
	}
}

func TestPNCounterMergeIdempotent(t *testing.T) {
	p := ids.NewPeerId()
	a := NewPNCounter()
	a.Increment(p, 7)

	merged := a.Clone()
	merged.Merge(a)

	if merged.Value() != 7 {
		t.Fatalf("merge with self changed value: %d", merged.Value())
	}
}
