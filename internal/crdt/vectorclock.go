package crdt

import "github.com/privstack/core/internal/ids"

// VectorClock tracks, per peer, the highest logical counter this replica
// has observed from that peer. It is used by the sync engine to compute
// "events since" deltas and to detect causal (in)dependence between two
// replica states.
type VectorClock struct {
	counters map[ids.PeerId]uint64
}

// NewVectorClock creates an empty clock.
func NewVectorClock() *VectorClock {
	return &VectorClock{counters: make(map[ids.PeerId]uint64)}
}

// Tick increments this peer's own counter and returns the new value. Call
// before producing a local event.
func (v *VectorClock) Tick(self ids.PeerId) uint64 {
	v.counters[self]++
	return v.counters[self]
}

// Observe records that counter n has been seen from peer, if n is newer
// than what's already recorded.
func (v *VectorClock) Observe(peer ids.PeerId, n uint64) {
	if n > v.counters[peer] {
		v.counters[peer] = n
	}
}

// Get returns the counter recorded for peer (0 if never observed).
func (v *VectorClock) Get(peer ids.PeerId) uint64 {
	return v.counters[peer]
}

// Merge takes the per-peer maximum, converging regardless of arrival
// order or duplication.
func (v *VectorClock) Merge(other *VectorClock) {
	for peer, n := range other.counters {
		v.Observe(peer, n)
	}
}

// Clone returns an independent copy.
func (v *VectorClock) Clone() *VectorClock {
	clone := NewVectorClock()
	for p, n := range v.counters {
		clone.counters[p] = n
	}
	return clone
}

// Compare reports the causal relationship of v to other:
//
//	-1 if v happened strictly before other (other dominates)
//	 1 if v happened strictly after other (v dominates)
//	 0 if v and other are identical
//	 2 if v and other are concurrent (neither dominates)
func (v *VectorClock) Compare(other *VectorClock) int {
	vLess, vGreater := false, false

	peers := make(map[ids.PeerId]struct{})
	for p := range v.counters {
		peers[p] = struct{}{}
	}
	for p := range other.counters {
		peers[p] = struct{}{}
	}

	for p := range peers {
		a, b := v.counters[p], other.counters[p]
		if a < b {
			vLess = true
		} else if a > b {
			vGreater = true
		}
	}

	switch {
	case !vLess && !vGreater:
		return 0
	case vLess && !vGreater:
		return -1
	case vGreater && !vLess:
		return 1
	default:
		return 2
	}
}

// Before reports whether v happened strictly before other.
func (v *VectorClock) Before(other *VectorClock) bool { return v.Compare(other) == -1 }

// Concurrent reports whether neither v nor other dominates the other.
func (v *VectorClock) Concurrent(other *VectorClock) bool { return v.Compare(other) == 2 }
