// Package crdt provides the conflict-free replicated data types that back
// privstack-core's entity merge strategies: LWWRegister, ORSet, PNCounter,
// VectorClock and RGA. All of them are state-based CRDTs: Merge is
// commutative, associative and idempotent, so replicas converge regardless
// of delivery order or duplication.
package crdt

import "github.com/privstack/core/internal/ids"

// LWWRegister is a single-value last-writer-wins register. It is the merge
// primitive behind the LwwDocument and LwwPerField entity merge strategies:
// the whole document, or each field independently, is stored as one
// register per replica.
type LWWRegister[T any] struct {
	value     T
	timestamp ids.HybridTimestamp
	writer    ids.PeerId
	set       bool
}

// NewLWWRegister creates an empty register. Reading it before the first Set
// returns the zero value and ok=false.
func NewLWWRegister[T any]() *LWWRegister[T] {
	return &LWWRegister[T]{}
}

// NewLWWRegisterWithValue creates a register already holding a value, as
// when hydrating one from a stored event.
func NewLWWRegisterWithValue[T any](value T, ts ids.HybridTimestamp, writer ids.PeerId) *LWWRegister[T] {
	return &LWWRegister[T]{value: value, timestamp: ts, writer: writer, set: true}
}

// Set writes a new value if it is causally newer than what's stored. Ties
// break on writer PeerId, the common deterministic tie-break for LWW
// registers: larger PeerId wins, so all replicas agree regardless of
// arrival order.
func (r *LWWRegister[T]) Set(value T, ts ids.HybridTimestamp, writer ids.PeerId) {
	if r.wins(ts, writer) {
		r.value = value
		r.timestamp = ts
		r.writer = writer
		r.set = true
	}
}

func (r *LWWRegister[T]) wins(ts ids.HybridTimestamp, writer ids.PeerId) bool {
	if !r.set {
		return true
	}
	switch ts.Compare(r.timestamp) {
	case 1:
		return true
	case -1:
		return false
	default:
		return writer.Compare(r.writer) > 0
	}
}

// Get returns the current value and whether the register has ever been set.
func (r *LWWRegister[T]) Get() (T, bool) {
	return r.value, r.set
}

// Timestamp returns the timestamp of the winning write.
func (r *LWWRegister[T]) Timestamp() ids.HybridTimestamp { return r.timestamp }

// Writer returns the peer that produced the winning write.
func (r *LWWRegister[T]) Writer() ids.PeerId { return r.writer }

// Merge folds another register's state into this one. Commutative,
// associative and idempotent by construction since it only ever keeps the
// causally-latest write.
func (r *LWWRegister[T]) Merge(other *LWWRegister[T]) {
	if other.set {
		r.Set(other.value, other.timestamp, other.writer)
	}
}

// Clone returns a deep-enough copy for CRDT purposes (the value itself is
// copied by value; callers storing pointers/slices must clone those
// themselves).
func (r *LWWRegister[T]) Clone() *LWWRegister[T] {
	c := *r
	return &c
}
