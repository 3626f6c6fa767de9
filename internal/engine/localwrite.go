package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/privstack/core/internal/acl"
	"github.com/privstack/core/internal/event"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
)

// CreateEntity mints an EntityCreated event for a brand-new entity of the
// given type, grants the local peer Owner on it (so CanWrite/CanAdmin hold
// for the author before any delta sync happens), applies both locally, and
// returns the event the caller can hand to SyncWith/NotifySubscribers to
// replicate it. plaintext is the entity body before envelope encryption.
func (e *Engine) CreateEntity(entityType model.EntityType, plaintext json.RawMessage) (event.Event, error) {
	entityID := ids.NewEntityId()

	grant := event.Event{
		ID: ids.NewEventId(), EntityID: entityID, Kind: event.KindAclGranted,
		Author: e.cfg.LocalPeerID, Timestamp: e.cfg.Clock.Now(),
		Payload: event.Marshal(event.AclGrantedPayload{
			Subject: event.Subject{Peer: e.cfg.LocalPeerID}, Role: event.RoleOwner,
		}),
	}
	if err := e.applyAndRecord(grant); err != nil {
		return event.Event{}, fmt.Errorf("engine: grant owner on create: %w", err)
	}

	encryptedBody, err := e.cfg.Encryptor.EncryptBytes(entityID, plaintext)
	if err != nil {
		return event.Event{}, fmt.Errorf("engine: encrypt new entity body: %w", err)
	}
	created := event.Event{
		ID: ids.NewEventId(), EntityID: entityID, Kind: event.KindEntityCreated,
		Author: e.cfg.LocalPeerID, Timestamp: e.cfg.Clock.Now(),
		Payload: event.Marshal(event.EntityCreatedPayload{Type: entityType, EncryptedBody: encryptedBody}),
	}
	if err := e.applyAndRecord(created); err != nil {
		return event.Event{}, fmt.Errorf("engine: apply entity_created: %w", err)
	}
	return created, nil
}

// UpdateEntity mints and applies an EntityUpdated event for entityID,
// refusing the write if the local peer lacks at least Editor access.
func (e *Engine) UpdateEntity(entityID ids.EntityId, plaintext json.RawMessage) (event.Event, error) {
	if !e.cfg.Policy.CanWrite(entityID, e.cfg.LocalPeerID) {
		return event.Event{}, acl.ErrAccessDenied{EntityID: entityID, Peer: e.cfg.LocalPeerID, Action: "update"}
	}
	encryptedBody, err := e.cfg.Encryptor.EncryptBytes(entityID, plaintext)
	if err != nil {
		return event.Event{}, fmt.Errorf("engine: encrypt updated entity body: %w", err)
	}
	ev := event.Event{
		ID: ids.NewEventId(), EntityID: entityID, Kind: event.KindEntityUpdated,
		Author: e.cfg.LocalPeerID, Timestamp: e.cfg.Clock.Now(),
		Payload: event.Marshal(event.EntityUpdatedPayload{EncryptedBody: encryptedBody}),
	}
	if err := e.applyAndRecord(ev); err != nil {
		return event.Event{}, fmt.Errorf("engine: apply entity_updated: %w", err)
	}
	return ev, nil
}

// DeleteEntity mints and applies an EntityDeleted tombstone for entityID,
// refusing the write if the local peer lacks at least Editor access.
func (e *Engine) DeleteEntity(entityID ids.EntityId) (event.Event, error) {
	if !e.cfg.Policy.CanWrite(entityID, e.cfg.LocalPeerID) {
		return event.Event{}, acl.ErrAccessDenied{EntityID: entityID, Peer: e.cfg.LocalPeerID, Action: "delete"}
	}
	ev := event.Event{
		ID: ids.NewEventId(), EntityID: entityID, Kind: event.KindEntityDeleted,
		Author: e.cfg.LocalPeerID, Timestamp: e.cfg.Clock.Now(),
		Payload: event.Marshal(event.EntityDeletedPayload{}),
	}
	if err := e.applyAndRecord(ev); err != nil {
		return event.Event{}, fmt.Errorf("engine: apply entity_deleted: %w", err)
	}
	return ev, nil
}

// GrantAccess mints and applies an AclGranted event for subject on
// entityID, refusing the write if the local peer lacks Admin (or Owner)
// access — per spec.md §4.6, only an Admin/Owner may change an entity's
// ACL.
func (e *Engine) GrantAccess(entityID ids.EntityId, subject event.Subject, role event.Role) (event.Event, error) {
	if !e.cfg.Policy.CanAdmin(entityID, e.cfg.LocalPeerID) {
		return event.Event{}, acl.ErrAccessDenied{EntityID: entityID, Peer: e.cfg.LocalPeerID, Action: "grant"}
	}
	ev := event.Event{
		ID: ids.NewEventId(), EntityID: entityID, Kind: event.KindAclGranted,
		Author: e.cfg.LocalPeerID, Timestamp: e.cfg.Clock.Now(),
		Payload: event.Marshal(event.AclGrantedPayload{Subject: subject, Role: role}),
	}
	if err := e.applyAndRecord(ev); err != nil {
		return event.Event{}, fmt.Errorf("engine: apply acl_granted: %w", err)
	}
	return ev, nil
}

// RevokeAccess mints and applies an AclRevoked event for subject on
// entityID, subject to the same Admin/Owner requirement as GrantAccess.
func (e *Engine) RevokeAccess(entityID ids.EntityId, subject event.Subject) (event.Event, error) {
	if !e.cfg.Policy.CanAdmin(entityID, e.cfg.LocalPeerID) {
		return event.Event{}, acl.ErrAccessDenied{EntityID: entityID, Peer: e.cfg.LocalPeerID, Action: "revoke"}
	}
	ev := event.Event{
		ID: ids.NewEventId(), EntityID: entityID, Kind: event.KindAclRevoked,
		Author: e.cfg.LocalPeerID, Timestamp: e.cfg.Clock.Now(),
		Payload: event.Marshal(event.AclRevokedPayload{Subject: subject}),
	}
	if err := e.applyAndRecord(ev); err != nil {
		return event.Event{}, fmt.Errorf("engine: apply acl_revoked: %w", err)
	}
	return ev, nil
}

// BroadcastToSubscribers pushes ev to every peer subscribed to its entity,
// a thin convenience wrapper around NotifySubscribers for callers that
// just performed a local write and want it replicated to live subscribers
// without also driving a full SyncWith.
func (e *Engine) BroadcastToSubscribers(ctx context.Context, ev event.Event) {
	e.NotifySubscribers(ctx, ev)
}
