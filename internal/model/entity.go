// Package model defines the entity and schema types that sit at the
// center of privstack-core: an Entity is the unit of replication, storage
// and encryption, and an EntitySchema governs how concurrent writes to an
// entity type are merged and which fields are indexed for query/search.
package model

import (
	"encoding/json"

	"github.com/privstack/core/internal/ids"
)

// EntityType names a kind of entity, e.g. "note", "contact", "task". Entity
// types are opaque strings, not a closed enum — plugins/apps register new
// ones via EntitySchema without touching this package.
type EntityType string

// MergeStrategy controls how the applicator reconciles concurrent updates
// to the same entity.
type MergeStrategy string

const (
	// MergeLwwDocument treats the whole entity body as one LWW register:
	// the causally-latest full write wins outright.
	MergeLwwDocument MergeStrategy = "lww_document"
	// MergeLwwPerField resolves each top-level JSON field as its own LWW
	// register, so concurrent edits to different fields both survive.
	MergeLwwPerField MergeStrategy = "lww_per_field"
	// MergeCustom defers to a named merge function registered out of band
	// (see internal/applicator.RegisterCustomMerge), for entity types whose
	// semantics need more than LWW, e.g. counters or sequences.
	MergeCustom MergeStrategy = "custom"
)

// IndexedFieldType names the semantic type of an indexed field, for a
// future query/search layer to pick the right comparison operators by.
type IndexedFieldType string

const (
	IndexText     IndexedFieldType = "text"
	IndexKeyword  IndexedFieldType = "keyword"
	IndexDateTime IndexedFieldType = "datetime"
	IndexNumber   IndexedFieldType = "number"
	IndexBoolean  IndexedFieldType = "boolean"
)

// IndexedField declares one field of an entity's JSON body that the entity
// store should expose for filtering/search, independent of the opaque blob
// stored for sync/encryption purposes.
type IndexedField struct {
	Path       string           `json:"path"` // dot-path into the entity body, e.g. "title"
	Type       IndexedFieldType `json:"type"`
	Searchable bool             `json:"searchable"` // candidate for a future full-text index
}

// EntitySchema governs one EntityType: its JSON Schema (if any), its merge
// strategy, and which fields are indexed. Validation against JSONSchema is
// the caller's responsibility via applicator.SchemaLookup; this package
// only carries the declaration.
type EntitySchema struct {
	Type          EntityType      `json:"type"`
	Version       int             `json:"version"`
	JSONSchema    json.RawMessage `json:"json_schema,omitempty"`
	MergeStrategy MergeStrategy   `json:"merge_strategy"`
	CustomMergeID string          `json:"custom_merge_id,omitempty"` // set when MergeStrategy == MergeCustom
	IndexedFields []IndexedField  `json:"indexed_fields,omitempty"`
}

// Entity is the unit of replication: an opaque, schema-typed JSON body plus
// the bookkeeping needed to merge and sync it. Body is stored and
// transmitted encrypted (see internal/envelope); the fields here describe
// the plaintext projection kept in the local entity store.
type Entity struct {
	ID        ids.EntityId        `json:"id"`
	Type      EntityType          `json:"type"`
	Body      json.RawMessage     `json:"body"`
	UpdatedAt ids.HybridTimestamp `json:"updated_at"`
	UpdatedBy ids.PeerId          `json:"updated_by"`
	Version   int                 `json:"version"` // count of applied update events, for optimistic diagnostics
	Deleted   bool                `json:"deleted"`
	// FieldTimestamps records, for MergeLwwPerField entity types, the
	// timestamp of the last write to each top-level field. Absent (nil)
	// for MergeLwwDocument/MergeCustom types, which only track UpdatedAt.
	FieldTimestamps map[string]ids.HybridTimestamp `json:"field_timestamps,omitempty"`
}

// Clone returns a deep copy safe to mutate independently.
func (e Entity) Clone() Entity {
	bodyCopy := make(json.RawMessage, len(e.Body))
	copy(bodyCopy, e.Body)
	clone := e
	clone.Body = bodyCopy
	if e.FieldTimestamps != nil {
		clone.FieldTimestamps = make(map[string]ids.HybridTimestamp, len(e.FieldTimestamps))
		for k, v := range e.FieldTimestamps {
			clone.FieldTimestamps[k] = v
		}
	}
	return clone
}
