package crdt

import "github.com/privstack/core/internal/ids"

// PNCounter is a grow/shrink counter: each peer owns a private increment
// and decrement tally, and the counter's value is the sum of increments
// minus the sum of decrements across all peers. Merge takes the per-peer
// max of each tally, which is commutative, associative and idempotent.
type PNCounter struct {
	pos map[ids.PeerId]int64
	neg map[ids.PeerId]int64
}

// NewPNCounter creates a counter at zero.
func NewPNCounter() *PNCounter {
	return &PNCounter{pos: make(map[ids.PeerId]int64), neg: make(map[ids.PeerId]int64)}
}

// Increment adds delta (must be >= 0) to this peer's positive tally.
func (c *PNCounter) Increment(peer ids.PeerId, delta int64) {
	if delta < 0 {
		delta = -delta
	}
	c.pos[peer] += delta
}

// Decrement adds delta (must be >= 0) to this peer's negative tally.
func (c *PNCounter) Decrement(peer ids.PeerId, delta int64) {
	if delta < 0 {
		delta = -delta
	}
	c.neg[peer] += delta
}

// Value returns the counter's current total.
func (c *PNCounter) Value() int64 {
	var total int64
	for _, v := range c.pos {
		total += v
	}
	for _, v := range c.neg {
		total -= v
	}
	return total
}

// Merge takes the per-peer maximum of both tallies from other. Each peer's
// own tally only ever grows monotonically, so max is safe and converges.
func (c *PNCounter) Merge(other *PNCounter) {
	for peer, v := range other.pos {
		if v > c.pos[peer] {
			c.pos[peer] = v
		}
	}
	for peer, v := range other.neg {
		if v > c.neg[peer] {
			c.neg[peer] = v
		}
	}
}

// Clone returns an independent copy.
func (c *PNCounter) Clone() *PNCounter {
	clone := NewPNCounter()
	for p, v := range c.pos {
		clone.pos[p] = v
	}
	for p, v := range c.neg {
		clone.neg[p] = v
	}
	return clone
}
