// Package ids defines the identifier types shared across privstack-core:
// EntityId, PeerId and EventId are all time-ordered UUIDv7 values so that
// sorting by id also sorts by creation order within a single generator.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// EntityId identifies a logical entity (document) tracked by the entity
// store. Stable for the entity's lifetime, including across deletes.
type EntityId uuid.UUID

// PeerId identifies a replica participating in sync. Generated once per
// vault-peer pairing and persisted locally.
type PeerId uuid.UUID

// EventId identifies a single event in the append-only log. UUIDv7 makes
// EventId monotonic-ish with wall-clock time, which the log store relies on
// for its default ordering index.
type EventId uuid.UUID

// BlobId identifies one piece of content stored in a vault's blob store,
// independent of the content-addressed CID its ciphertext happens to hash
// to (that CID changes on every password rewrap; BlobId does not).
type BlobId uuid.UUID

// NewEntityId generates a fresh time-ordered EntityId.
func NewEntityId() EntityId {
	return EntityId(uuid.Must(uuid.NewV7()))
}

// NewPeerId generates a fresh time-ordered PeerId.
func NewPeerId() PeerId {
	return PeerId(uuid.Must(uuid.NewV7()))
}

// NewEventId generates a fresh time-ordered EventId.
func NewEventId() EventId {
	return EventId(uuid.Must(uuid.NewV7()))
}

// NewBlobId generates a fresh time-ordered BlobId.
func NewBlobId() BlobId {
	return BlobId(uuid.Must(uuid.NewV7()))
}

func (e EntityId) String() string { return uuid.UUID(e).String() }
func (p PeerId) String() string   { return uuid.UUID(p).String() }
func (e EventId) String() string  { return uuid.UUID(e).String() }
func (b BlobId) String() string   { return uuid.UUID(b).String() }

func (e EntityId) IsNil() bool { return e == EntityId{} }
func (p PeerId) IsNil() bool   { return p == PeerId{} }
func (e EventId) IsNil() bool  { return e == EventId{} }
func (b BlobId) IsNil() bool   { return b == BlobId{} }

// Compare orders two ids lexicographically over their byte representation.
// UUIDv7's leading 48-bit timestamp makes this a time order as a side
// effect, not a guarantee for ids minted by foreign generators.
func (e EntityId) Compare(other EntityId) int {
	return compareBytes(e[:], other[:])
}

func (p PeerId) Compare(other PeerId) int {
	return compareBytes(p[:], other[:])
}

func (e EventId) Compare(other EventId) int {
	return compareBytes(e[:], other[:])
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func ParseEntityId(s string) (EntityId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return EntityId{}, fmt.Errorf("parse entity id: %w", err)
	}
	return EntityId(u), nil
}

func ParsePeerId(s string) (PeerId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PeerId{}, fmt.Errorf("parse peer id: %w", err)
	}
	return PeerId(u), nil
}

func ParseEventId(s string) (EventId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return EventId{}, fmt.Errorf("parse event id: %w", err)
	}
	return EventId(u), nil
}

func ParseBlobId(s string) (BlobId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return BlobId{}, fmt.Errorf("parse blob id: %w", err)
	}
	return BlobId(u), nil
}

func (e EntityId) MarshalText() ([]byte, error) { return []byte(e.String()), nil }
func (p PeerId) MarshalText() ([]byte, error)   { return []byte(p.String()), nil }
func (e EventId) MarshalText() ([]byte, error)  { return []byte(e.String()), nil }
func (b BlobId) MarshalText() ([]byte, error)   { return []byte(b.String()), nil }

func (e *EntityId) UnmarshalText(text []byte) error {
	v, err := ParseEntityId(string(text))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

func (p *PeerId) UnmarshalText(text []byte) error {
	v, err := ParsePeerId(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (e *EventId) UnmarshalText(text []byte) error {
	v, err := ParseEventId(string(text))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

func (b *BlobId) UnmarshalText(text []byte) error {
	v, err := ParseBlobId(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}
