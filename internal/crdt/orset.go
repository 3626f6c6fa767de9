package crdt

import "github.com/google/uuid"

// tagToken uniquely identifies one add operation for one element. Generic
// over the element type T so the same structure serves tag sets, ACL
// grant sets, or any other add-wins collection.
type tagToken[T comparable] struct {
	elem  T
	token uuid.UUID
}

// ORSet is an add-wins Observed-Remove Set: concurrent add and remove of the
// same element resolve in favor of the add, because remove only retires
// tokens it has actually observed. Generalizes the teacher's tag-only
// ORSet to an arbitrary comparable element type.
type ORSet[T comparable] struct {
	adds    map[tagToken[T]]struct{}
	removes map[tagToken[T]]struct{}
}

// NewORSet creates a new empty OR-Set.
func NewORSet[T comparable]() *ORSet[T] {
	return &ORSet[T]{
		adds:    make(map[tagToken[T]]struct{}),
		removes: make(map[tagToken[T]]struct{}),
	}
}

// Add inserts elem with a freshly minted token and returns the token, which
// callers may need to reference the specific add later (e.g. for delta
// sync).
func (s *ORSet[T]) Add(elem T) uuid.UUID {
	token := uuid.New()
	s.AddWithToken(elem, token)
	return token
}

// AddWithToken inserts elem under a caller-supplied token, used when
// replaying a remote add during merge.
func (s *ORSet[T]) AddWithToken(elem T, token uuid.UUID) {
	s.adds[tagToken[T]{elem: elem, token: token}] = struct{}{}
}

// Remove retires every token currently observed for elem. Tokens added
// concurrently elsewhere, not yet observed here, survive until a later
// merge delivers them (and this remove does not retroactively apply to
// them — that's what makes it add-wins).
func (s *ORSet[T]) Remove(elem T) {
	for tt := range s.adds {
		if tt.elem == elem {
			s.removes[tt] = struct{}{}
		}
	}
}

// Contains reports whether elem has at least one live (un-retired) add.
func (s *ORSet[T]) Contains(elem T) bool {
	for tt := range s.adds {
		if tt.elem == elem {
			if _, removed := s.removes[tt]; !removed {
				return true
			}
		}
	}
	return false
}

// Elements returns the distinct live elements.
func (s *ORSet[T]) Elements() []T {
	seen := make(map[T]struct{})
	for tt := range s.adds {
		if _, removed := s.removes[tt]; !removed {
			seen[tt.elem] = struct{}{}
		}
	}
	result := make([]T, 0, len(seen))
	for e := range seen {
		result = append(result, e)
	}
	return result
}

// Merge unions both the adds and removes sets of other into s. Union is
// commutative, associative and idempotent, so Merge inherits those
// properties directly.
func (s *ORSet[T]) Merge(other *ORSet[T]) {
	for tt := range other.adds {
		s.adds[tt] = struct{}{}
	}
	for tt := range other.removes {
		s.removes[tt] = struct{}{}
	}
}

// Clone returns an independent copy.
func (s *ORSet[T]) Clone() *ORSet[T] {
	clone := NewORSet[T]()
	for tt := range s.adds {
		clone.adds[tt] = struct{}{}
	}
	for tt := range s.removes {
		clone.removes[tt] = struct{}{}
	}
	return clone
}

// Size returns the number of distinct live elements.
func (s *ORSet[T]) Size() int {
	return len(s.Elements())
}

// RemoveToken retires a specific add token, if this replica has observed
// it. Used when replaying a remote remove that targets one token rather
// than "all currently observed adds of elem".
func (s *ORSet[T]) RemoveToken(elem T, token uuid.UUID) {
	tt := tagToken[T]{elem: elem, token: token}
	if _, ok := s.adds[tt]; ok {
		s.removes[tt] = struct{}{}
	}
}
