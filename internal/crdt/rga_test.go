package crdt

import (
	"testing"

	"github.com/privstack/core/internal/ids"
)

func elemID(wall int64, logical uint32, p ids.PeerId) ElementID {
	return ElementID{Timestamp: ids.HybridTimestamp{WallTime: wall, Logical: logical}, Author: p}
}

func TestRGAInsertProducesOrder(t *testing.T) {
	p := ids.NewPeerId()
	r := NewRGA[rune]()

	id1 := elemID(1, 0, p)
	id2 := elemID(2, 0, p)
	id3 := elemID(3, 0, p)

	r.Insert(id1, ElementID{}, 'a')
	r.Insert(id2, id1, 'b')
	r.Insert(id3, id2, 'c')

	els := r.Elements()
	if len(els) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(els))
	}
	var s string
	for _, e := range els {
		s += string(e.Value)
	}
	if s != "abc" {
		t.Fatalf("expected 'abc', got %q", s)
	}
}

func TestRGADeleteIsTombstoned(t *testing.T) {
	p := ids.NewPeerId()
	r := NewRGA[rune]()
	id1 := elemID(1, 0, p)
	r.Insert(id1, ElementID{}, 'a')
	r.Delete(id1)

	if len(r.Elements()) != 0 {
		t.Fatal("expected deleted element to be hidden")
	}
	if r.Contains(id1) {
		t.Fatal("deleted element should not be 'contained'")
	}
}

func TestRGAConcurrentInsertsConverge(t *testing.T) {
	p1, p2 := ids.NewPeerId(), ids.NewPeerId()
	root := ElementID{}

	a := NewRGA[rune]()
	idRoot := elemID(1, 0, p1)
	a.Insert(idRoot, root, 'x')

	// Two concurrent inserts after idRoot from different peers.
	idA := elemID(2, 0, p1)
	idB := elemID(2, 0, p2)
	a.Insert(idA, idRoot, 'a')

	b := NewRGA[rune]()
	b.Insert(idRoot, root, 'x')
	b.Insert(idB, idRoot, 'b')

	a.Merge(b)
	b.Merge(a)

	seqA := a.Elements()
	seqB := b.Elements()
	if len(seqA) != len(seqB) {
		t.Fatalf("length mismatch: %d vs %d", len(seqA), len(seqB))
	}
	for i := range seqA {
		if seqA[i].ID != seqB[i].ID {
			t.Fatalf("replicas diverged at index %d: %+v vs %+v", i, seqA[i], seqB[i])
		}
	}
}

func TestRGAMergeBuffersOrphanUntilParentArrives(t *testing.T) {
	p := ids.NewPeerId()
	parent := elemID(1, 0, p)
	child := elemID(2, 0, p)

	a := NewRGA[rune]()
	a.Insert(parent, ElementID{}, 'p')
	a.Insert(child, parent, 'c')

	// b only knows the child, received out of order.
	b := NewRGA[rune]()
	ok := b.Insert(child, parent, 'c')
	if ok {
		t.Fatal("expected insert to report buffered (unknown parent)")
	}
	if len(b.Elements()) != 0 {
		t.Fatal("orphan should not be visible yet")
	}

	b.Merge(a) // now parent arrives
	if len(b.Elements()) != 2 {
		t.Fatalf("expected orphan to integrate once parent known, got %d elements", len(b.Elements()))
	}
}

func TestRGAMergeIdempotent(t *testing.T) {
	p := ids.NewPeerId()
	a := NewRGA[rune]()
	a.Insert(elemID(1, 0, p), ElementID{}, 'a')

	merged := a.Clone()
	merged.Merge(a)
	if len(merged.Elements()) != 1 {
		t.Fatalf("merge with self should be a no-op, got %d elements", len(merged.Elements()))
	}
}
