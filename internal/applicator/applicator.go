// Package applicator projects the append-only event log onto the entity
// store: it is the only code path allowed to write to internal/storage's
// EntityStore. Grounded on the teacher's internal/engine/engine_impl.go
// AddEntry/UpdateEntry/DeleteEntry flow (validate -> decrypt/merge ->
// persist -> version), generalized to the event-sourced model and the
// three merge strategies SPEC_FULL.md names.
package applicator

import (
	"encoding/json"
	"fmt"

	"github.com/privstack/core/internal/event"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/storage"
)

// CustomMergeFunc resolves a concurrent update for entity types whose
// schema declares model.MergeCustom. It receives the current (possibly
// nil, for a brand-new entity) and incoming bodies plus their timestamps
// and must return the merged body.
type CustomMergeFunc func(current, incoming json.RawMessage, currentTS, incomingTS ids.HybridTimestamp) (json.RawMessage, error)

// Applicator replays events into the entity store, consulting a schema
// registry for each entity type's merge strategy.
type Applicator struct {
	store        *storage.DB
	schemas      SchemaLookup
	customMerges map[string]CustomMergeFunc
}

// SchemaLookup resolves an entity type's merge strategy and indexed
// fields — kept as an interface so the applicator doesn't depend on how a
// caller sources or validates schemas (a static registry, a database
// table, a no-op default for callers that don't need per-type behavior).
type SchemaLookup interface {
	SchemaFor(entityType model.EntityType) (model.EntitySchema, bool)
}

// New creates an Applicator over store, consulting schemas for merge
// strategy selection.
func New(store *storage.DB, schemas SchemaLookup) *Applicator {
	return &Applicator{store: store, schemas: schemas, customMerges: make(map[string]CustomMergeFunc)}
}

// RegisterCustomMerge installs the merge function an EntitySchema refers
// to by CustomMergeID.
func (a *Applicator) RegisterCustomMerge(id string, fn CustomMergeFunc) {
	a.customMerges[id] = fn
}

// Apply projects one event onto the entity store. decryptedBody is the
// plaintext body already unwrapped from the event's encrypted envelope by
// the caller (the applicator never sees key material); it is ignored for
// event kinds that don't carry a body (delete, ACL, team events — those
// are handled by internal/acl, not here).
func (a *Applicator) Apply(ev event.Event, decryptedBody json.RawMessage) error {
	switch ev.Kind {
	case event.KindEntityCreated:
		return a.applyCreated(ev, decryptedBody)
	case event.KindEntityUpdated:
		return a.applyUpdated(ev, decryptedBody)
	case event.KindEntityDeleted:
		return a.applyDeleted(ev)
	case event.KindFullSnapshot:
		return a.applySnapshot(ev, decryptedBody)
	default:
		// ACL/team events are routed to internal/acl by the caller; the
		// applicator only owns entity projection.
		return nil
	}
}

func (a *Applicator) applyCreated(ev event.Event, body json.RawMessage) error {
	var payload event.EntityCreatedPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("applicator: decode entity_created: %w", err)
	}

	existing, err := a.store.Entities.Get(ev.EntityID)
	if err == nil && existing.UpdatedAt.After(ev.Timestamp) {
		// A causally-later write already landed (can happen during
		// out-of-order delta sync); keep it.
		return nil
	}

	entity := model.Entity{
		ID: ev.EntityID, Type: payload.Type, Body: body,
		UpdatedAt: ev.Timestamp, UpdatedBy: ev.Author, Version: 1,
	}
	if schema, ok := a.schemas.SchemaFor(payload.Type); ok && schema.MergeStrategy == model.MergeLwwPerField {
		entity.FieldTimestamps = fieldTimestampsForNewBody(body, ev.Timestamp)
	}
	return a.store.Entities.Put(entity)
}

func (a *Applicator) applyUpdated(ev event.Event, incomingBody json.RawMessage) error {
	current, err := a.store.Entities.Get(ev.EntityID)
	if err != nil {
		if _, ok := err.(storage.ErrNotFound); !ok {
			return fmt.Errorf("applicator: load current entity: %w", err)
		}
		// Update for an entity we've never seen created locally (e.g.
		// receiving updates before the creation event during delta sync).
		// Materialize a placeholder so the update isn't lost; a later
		// EntityCreated or FullSnapshot corrects the type.
		current = model.Entity{ID: ev.EntityID, Type: ""}
	}

	mergedBody, mergedFieldTS, err := a.mergeBody(current, incomingBody, ev.Timestamp)
	if err != nil {
		return err
	}
	if current.UpdatedAt.After(ev.Timestamp) && current.Version > 0 && mergedFieldTS == nil {
		return nil // stale whole-document update, nothing to do
	}

	current.Body = mergedBody
	current.FieldTimestamps = mergedFieldTS
	if ev.Timestamp.After(current.UpdatedAt) {
		current.UpdatedAt = ev.Timestamp
		current.UpdatedBy = ev.Author
	}
	current.Version++
	current.Deleted = false
	return a.store.Entities.Put(current)
}

func (a *Applicator) applyDeleted(ev event.Event) error {
	current, err := a.store.Entities.Get(ev.EntityID)
	if err != nil {
		if _, ok := err.(storage.ErrNotFound); ok {
			return nil // nothing to tombstone
		}
		return fmt.Errorf("applicator: load entity for delete: %w", err)
	}
	if current.UpdatedAt.After(ev.Timestamp) {
		return nil // a later write already superseded this delete
	}
	current.Deleted = true
	current.UpdatedAt = ev.Timestamp
	current.UpdatedBy = ev.Author
	current.Version++
	return a.store.Entities.Put(current)
}

func (a *Applicator) applySnapshot(ev event.Event, body json.RawMessage) error {
	var payload event.FullSnapshotPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("applicator: decode full_snapshot: %w", err)
	}
	current, err := a.store.Entities.Get(ev.EntityID)
	version := 1
	if err == nil {
		version = current.Version + 1
	}
	entity := model.Entity{
		ID: ev.EntityID, Type: payload.Type, Body: body,
		UpdatedAt: ev.Timestamp, UpdatedBy: ev.Author, Version: version, Deleted: payload.Deleted,
	}
	if schema, ok := a.schemas.SchemaFor(payload.Type); ok && schema.MergeStrategy == model.MergeLwwPerField {
		// A full snapshot replaces every field wholesale, so every field's
		// timestamp resets to the snapshot's timestamp.
		entity.FieldTimestamps = fieldTimestampsForNewBody(body, ev.Timestamp)
	}
	return a.store.Entities.Put(entity)
}

// mergeBody reconciles current.Body with incoming according to the
// entity's declared merge strategy. With no schema registered, it falls
// back to LwwDocument: the causally-latest write wins outright. The
// returned map is non-nil only for MergeLwwPerField, carrying the updated
// per-field timestamps the caller must persist back onto the entity.
func (a *Applicator) mergeBody(current model.Entity, incoming json.RawMessage, incomingTS ids.HybridTimestamp) (json.RawMessage, map[string]ids.HybridTimestamp, error) {
	schema, ok := a.schemas.SchemaFor(current.Type)
	strategy := model.MergeLwwDocument
	if ok {
		strategy = schema.MergeStrategy
	}

	switch strategy {
	case model.MergeLwwDocument:
		if current.Version == 0 || incomingTS.After(current.UpdatedAt) {
			return incoming, nil, nil
		}
		return current.Body, nil, nil

	case model.MergeLwwPerField:
		merged, fieldTS, err := mergeLWWPerField(current.Body, incoming, current.FieldTimestamps, incomingTS)
		if err != nil {
			return nil, nil, err
		}
		return merged, fieldTS, nil

	case model.MergeCustom:
		fn, ok := a.customMerges[schema.CustomMergeID]
		if !ok {
			return nil, nil, fmt.Errorf("applicator: no custom merge registered for %q", schema.CustomMergeID)
		}
		merged, err := fn(current.Body, incoming, current.UpdatedAt, incomingTS)
		return merged, nil, err

	default:
		return nil, nil, fmt.Errorf("applicator: unknown merge strategy %q", strategy)
	}
}

// mergeLWWPerField treats each top-level JSON field as an independent LWW
// register keyed by its own timestamp in fieldTS (not the whole entity's
// UpdatedAt): the field from whichever side wrote it later wins, so two
// concurrent updates touching different fields both survive regardless of
// how their timestamps compare to each other's unrelated fields. A field
// with no recorded timestamp (never written under per-field tracking) is
// treated as losing to any incoming write.
func mergeLWWPerField(currentBody, incomingBody json.RawMessage, fieldTS map[string]ids.HybridTimestamp, incomingTS ids.HybridTimestamp) (json.RawMessage, map[string]ids.HybridTimestamp, error) {
	var current, incoming map[string]json.RawMessage
	if len(currentBody) > 0 {
		if err := json.Unmarshal(currentBody, &current); err != nil {
			return nil, nil, fmt.Errorf("applicator: decode current body: %w", err)
		}
	}
	if err := json.Unmarshal(incomingBody, &incoming); err != nil {
		return nil, nil, fmt.Errorf("applicator: decode incoming body: %w", err)
	}
	if current == nil {
		current = make(map[string]json.RawMessage)
	}

	mergedTS := make(map[string]ids.HybridTimestamp, len(fieldTS)+len(incoming))
	for field, ts := range fieldTS {
		mergedTS[field] = ts
	}

	for field, value := range incoming {
		existingTS, seen := mergedTS[field]
		if !seen || incomingTS.After(existingTS) {
			current[field] = value
			mergedTS[field] = incomingTS
		}
	}

	merged, err := json.Marshal(current)
	if err != nil {
		return nil, nil, fmt.Errorf("applicator: encode merged body: %w", err)
	}
	return merged, mergedTS, nil
}

// fieldTimestampsForNewBody stamps every top-level field of body with ts,
// used when an entity_created or full_snapshot event establishes a fresh
// baseline for per-field LWW tracking.
func fieldTimestampsForNewBody(body json.RawMessage, ts ids.HybridTimestamp) map[string]ids.HybridTimestamp {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil
	}
	out := make(map[string]ids.HybridTimestamp, len(fields))
	for field := range fields {
		out[field] = ts
	}
	return out
}
