// Package event defines the immutable, append-only log records that are
// the source of truth for privstack-core: every mutation to an entity, its
// ACL, or a team, is captured as one Event before anything else observes
// it. The entity store and the ACL policy are projections built by
// replaying events.
package event

import (
	"encoding/json"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
)

// Kind names the payload variant carried by an Event.
type Kind string

const (
	KindEntityCreated Kind = "entity_created"
	KindEntityUpdated Kind = "entity_updated"
	KindEntityDeleted Kind = "entity_deleted"
	KindFullSnapshot  Kind = "full_snapshot"
	KindAclGranted    Kind = "acl_granted"
	KindAclRevoked    Kind = "acl_revoked"
	KindAclDefaultSet Kind = "acl_default_set"
	KindTeamCreated   Kind = "team_created"
	KindTeamMemberAdded Kind = "team_member_added"
	KindTeamMemberRemoved Kind = "team_member_removed"
)

// Event is one immutable log record. Payload is the JSON-encoded variant
// named by Kind; entity payloads carry the body as encrypted envelope bytes
// in their EncryptedBody field (see internal/envelope); ACL/team events carry
// their fields in the clear since access-control metadata must be
// evaluable without decrypting entity content.
type Event struct {
	ID        ids.EventId         `json:"id"`
	EntityID  ids.EntityId        `json:"entity_id"`
	Kind      Kind                `json:"kind"`
	Author    ids.PeerId          `json:"author"`
	Timestamp ids.HybridTimestamp `json:"timestamp"`
	Payload   json.RawMessage     `json:"payload"`
}

// EntityCreatedPayload is the payload of a KindEntityCreated event.
type EntityCreatedPayload struct {
	Type          model.EntityType `json:"type"`
	EncryptedBody []byte           `json:"encrypted_body"`
}

// EntityUpdatedPayload is the payload of a KindEntityUpdated event.
// EncryptedBody decrypts to the full new body for MergeLwwDocument schemas, or a map of
// field -> new value for MergeLwwPerField ones; the applicator interprets
// it according to the entity's EntitySchema.
type EntityUpdatedPayload struct {
	EncryptedBody []byte `json:"encrypted_body"`
}

// EntityDeletedPayload is the payload of a KindEntityDeleted event. Empty:
// the event itself (id, entity, timestamp) is the tombstone.
type EntityDeletedPayload struct{}

// FullSnapshotPayload carries a complete entity body, used to compact a
// long history into one event (e.g. after tombstone GC, or during initial
// sync of a large entity) without replaying every prior update.
type FullSnapshotPayload struct {
	Type          model.EntityType `json:"type"`
	EncryptedBody []byte           `json:"encrypted_body"`
	Deleted       bool             `json:"deleted"`
}

// Role names an ACL permission level. Defined here (not internal/acl) so
// that event payloads don't import the acl package, avoiding an import
// cycle between event replay and ACL projection.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Subject names who an ACL grant applies to: exactly one of Peer or Team is
// set.
type Subject struct {
	Peer ids.PeerId `json:"peer,omitempty"`
	Team string     `json:"team,omitempty"`
}

// AclGrantedPayload is the payload of a KindAclGranted event.
type AclGrantedPayload struct {
	Subject Subject `json:"subject"`
	Role    Role    `json:"role"`
}

// AclRevokedPayload is the payload of a KindAclRevoked event.
type AclRevokedPayload struct {
	Subject Subject `json:"subject"`
}

// AclDefaultSetPayload is the payload of a KindAclDefaultSet event. A nil
// Role clears the default, falling back to no access for unlisted subjects.
type AclDefaultSetPayload struct {
	Role *Role `json:"role,omitempty"`
}

// TeamCreatedPayload is the payload of a KindTeamCreated event.
type TeamCreatedPayload struct {
	Name string `json:"name"`
}

// TeamMemberAddedPayload is the payload of a KindTeamMemberAdded event.
type TeamMemberAddedPayload struct {
	Peer ids.PeerId `json:"peer"`
}

// TeamMemberRemovedPayload is the payload of a KindTeamMemberRemoved event.
type TeamMemberRemovedPayload struct {
	Peer ids.PeerId `json:"peer"`
}

// Marshal encodes a typed payload for storage in Event.Payload.
func Marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload type above is plain data; marshal failure would be
		// a programming error, not a runtime condition callers can recover
		// from.
		panic("event: marshal payload: " + err.Error())
	}
	return b
}
