// Package acl derives per-entity access policy from the ACL/team events in
// the log: no ACL state is ever written directly, it is only ever the
// result of replaying AclGranted/AclRevoked/AclDefaultSet/Team* events.
// Grounded on the teacher's internal/acl/store.go (the role-check surface:
// CheckRead/CheckWrite/CheckAdmin, grant/revoke, default/public access),
// redesigned from a last-write-wins column store into the CRDT spec.md §4.6
// describes, cross-checked against
// original_source/core/privstack-sync/src/acl_applicator.rs for the event
// shapes (AclGrantPeer/AclGrantTeam collapse into one AclGranted event
// keyed by Subject here; AclRevokePeer/AclRevokeTeam into one AclRevoked).
package acl

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/privstack/core/internal/crdt"
	"github.com/privstack/core/internal/event"
	"github.com/privstack/core/internal/ids"
)

// Role mirrors event.Role; re-exported here so callers reasoning about
// policy don't need to import internal/event for the enum.
type Role = event.Role

const (
	RoleViewer = event.RoleViewer
	RoleEditor = event.RoleEditor
	RoleAdmin  = event.RoleAdmin
	RoleOwner  = event.RoleOwner
)

func roleRank(r Role) int {
	switch r {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	case RoleOwner:
		return 4
	default:
		return 0
	}
}

// TeamId identifies a team. Teams share the log's entity-id namespace (a
// team is addressed the same way an entity is) so TeamCreated events can
// reuse event.Event.EntityID rather than widening the log schema with a
// second id column.
type TeamId = ids.EntityId

// roleGrant is one (subject, entity) grant or revoke, with the timestamp it
// was asserted at. role == nil means revoked.
type roleGrant struct {
	role      *Role
	timestamp ids.HybridTimestamp
}

// mergeGrant resolves two concurrent assertions about the same subject's
// role on the same entity. Later timestamp wins outright; on an exact tie,
// a revoke beats a grant (spec.md §4.6); on a tie between two grants
// (two peers granting the same subject a role at the same millisecond-plus-
// logical tick, vanishingly rare but possible under clock skew) the more
// permissive role wins, which is the only choice that stays commutative and
// associative without bringing writer identity into an ACL decision.
func mergeGrant(a, b roleGrant) roleGrant {
	switch {
	case b.timestamp.After(a.timestamp):
		return b
	case a.timestamp.After(b.timestamp):
		return a
	case a.role == nil:
		return a
	case b.role == nil:
		return b
	case roleRank(*b.role) > roleRank(*a.role):
		return b
	default:
		return a
	}
}

// Policy holds the live ACL projection for every entity, derived by
// replaying events through Apply. It is the only thing internal/engine and
// internal/protocol consult to authorize a peer's access to an entity.
type Policy struct {
	mu sync.RWMutex

	peerGrants map[ids.EntityId]map[ids.PeerId]roleGrant
	teamGrants map[ids.EntityId]map[TeamId]roleGrant
	defaults   map[ids.EntityId]roleGrant
	teams      map[TeamId]*crdt.ORSet[ids.PeerId]
}

// NewPolicy returns an empty policy; entities with no recorded grants have
// no accessible subjects until their owner (usually the local peer that
// created them) is granted Owner by the caller that emits the first
// AclGranted event for the entity.
func NewPolicy() *Policy {
	return &Policy{
		peerGrants: make(map[ids.EntityId]map[ids.PeerId]roleGrant),
		teamGrants: make(map[ids.EntityId]map[TeamId]roleGrant),
		defaults:   make(map[ids.EntityId]roleGrant),
		teams:      make(map[TeamId]*crdt.ORSet[ids.PeerId]),
	}
}

// IsAclEvent reports whether kind is one this package handles; callers use
// it to route events between internal/applicator (entity projection) and
// Policy.Apply (access projection) without either package knowing the
// other's Kind set exhaustively.
func IsAclEvent(kind event.Kind) bool {
	switch kind {
	case event.KindAclGranted, event.KindAclRevoked, event.KindAclDefaultSet,
		event.KindTeamCreated, event.KindTeamMemberAdded, event.KindTeamMemberRemoved:
		return true
	default:
		return false
	}
}

// Apply projects one ACL/team event onto the policy. It is idempotent and
// commutative: replaying the same event twice, or two events out of their
// original order, converges to the same policy, matching the log's
// at-least-once delivery guarantee.
func (p *Policy) Apply(ev event.Event) error {
	switch ev.Kind {
	case event.KindAclGranted:
		var payload event.AclGrantedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("acl: decode acl_granted: %w", err)
		}
		role := payload.Role
		return p.applyGrant(ev.EntityID, payload.Subject, roleGrant{role: &role, timestamp: ev.Timestamp})

	case event.KindAclRevoked:
		var payload event.AclRevokedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("acl: decode acl_revoked: %w", err)
		}
		return p.applyGrant(ev.EntityID, payload.Subject, roleGrant{role: nil, timestamp: ev.Timestamp})

	case event.KindAclDefaultSet:
		var payload event.AclDefaultSetPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("acl: decode acl_default_set: %w", err)
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		current := p.defaults[ev.EntityID]
		p.defaults[ev.EntityID] = mergeGrant(current, roleGrant{role: payload.Role, timestamp: ev.Timestamp})
		return nil

	case event.KindTeamCreated:
		p.mu.Lock()
		defer p.mu.Unlock()
		team := ev.EntityID
		if _, ok := p.teams[team]; !ok {
			p.teams[team] = crdt.NewORSet[ids.PeerId]()
		}
		return nil

	case event.KindTeamMemberAdded:
		var payload event.TeamMemberAddedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("acl: decode team_member_added: %w", err)
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.teamFor(ev.EntityID).Add(payload.Peer)
		return nil

	case event.KindTeamMemberRemoved:
		var payload event.TeamMemberRemovedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("acl: decode team_member_removed: %w", err)
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.teamFor(ev.EntityID).Remove(payload.Peer)
		return nil

	default:
		return nil
	}
}

// teamFor returns the team's membership set, creating it lazily — a
// TeamMemberAdded event can arrive before its TeamCreated event during
// out-of-order delta sync. Callers must hold p.mu.
func (p *Policy) teamFor(team TeamId) *crdt.ORSet[ids.PeerId] {
	set, ok := p.teams[team]
	if !ok {
		set = crdt.NewORSet[ids.PeerId]()
		p.teams[team] = set
	}
	return set
}

func (p *Policy) applyGrant(entityID ids.EntityId, subject event.Subject, incoming roleGrant) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !subject.Peer.IsNil() {
		byPeer, ok := p.peerGrants[entityID]
		if !ok {
			byPeer = make(map[ids.PeerId]roleGrant)
			p.peerGrants[entityID] = byPeer
		}
		byPeer[subject.Peer] = mergeGrant(byPeer[subject.Peer], incoming)
		return nil
	}
	if subject.Team != "" {
		team, err := ids.ParseEntityId(subject.Team)
		if err != nil {
			return fmt.Errorf("acl: invalid team subject %q: %w", subject.Team, err)
		}
		byTeam, ok := p.teamGrants[entityID]
		if !ok {
			byTeam = make(map[TeamId]roleGrant)
			p.teamGrants[entityID] = byTeam
		}
		byTeam[team] = mergeGrant(byTeam[team], incoming)
		return nil
	}
	return fmt.Errorf("acl: grant/revoke with neither peer nor team subject")
}

// EffectiveRole returns peer's role on entityID: the highest of its direct
// grant, every team grant for a team it belongs to, and the entity's
// default role. Each source's own concurrent writes were already resolved
// by mergeGrant at write time (see applyGrant); combining across sources
// here is a plain max over permission level, not a timestamp comparison —
// a peer's Owner grant via one team does not get out-raced by an older
// Viewer default. A peer with no applicable grant and no default has no
// access at all — represented by the zero Role, which ranks below Viewer.
func (p *Policy) EffectiveRole(entityID ids.EntityId, peer ids.PeerId) Role {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *Role
	consider := func(g roleGrant) {
		if g.role != nil && (best == nil || roleRank(*g.role) > roleRank(*best)) {
			best = g.role
		}
	}

	consider(p.defaults[entityID])
	consider(p.peerGrants[entityID][peer])
	for team, grant := range p.teamGrants[entityID] {
		members, ok := p.teams[team]
		if !ok || !members.Contains(peer) {
			continue
		}
		consider(grant)
	}

	if best == nil {
		var zero Role
		return zero
	}
	return *best
}

// CanRead reports whether peer may read entityID: Viewer or above.
func (p *Policy) CanRead(entityID ids.EntityId, peer ids.PeerId) bool {
	return roleRank(p.EffectiveRole(entityID, peer)) >= roleRank(RoleViewer)
}

// CanWrite reports whether peer may write entityID: Editor or above.
func (p *Policy) CanWrite(entityID ids.EntityId, peer ids.PeerId) bool {
	return roleRank(p.EffectiveRole(entityID, peer)) >= roleRank(RoleEditor)
}

// CanAdmin reports whether peer may manage entityID's ACL: Admin or above.
func (p *Policy) CanAdmin(entityID ids.EntityId, peer ids.PeerId) bool {
	return roleRank(p.EffectiveRole(entityID, peer)) >= roleRank(RoleAdmin)
}

// IsOwner reports whether peer holds Owner on entityID.
func (p *Policy) IsOwner(entityID ids.EntityId, peer ids.PeerId) bool {
	return p.EffectiveRole(entityID, peer) == RoleOwner
}

// ErrAccessDenied is returned by callers (internal/engine, internal/protocol)
// that reject an operation on policy grounds; it carries protocol.go's
// error code 99 via the Code field rather than importing internal/protocol,
// avoiding a cycle.
type ErrAccessDenied struct {
	EntityID ids.EntityId
	Peer     ids.PeerId
	Action   string
	Code     int
}

func (e ErrAccessDenied) Error() string {
	return fmt.Sprintf("acl: peer %s cannot %s entity %s", e.Peer, e.Action, e.EntityID)
}

// DeniedEventBatch is the canonical ErrAccessDenied raised when a peer's
// EventBatch for entityID is rejected for lacking write access, i.e.
// Editor+ role as checked by CanWrite (spec.md
// §4.5/§4.6, error code 99).
func DeniedEventBatch(entityID ids.EntityId, peer ids.PeerId) ErrAccessDenied {
	return ErrAccessDenied{EntityID: entityID, Peer: peer, Action: "sync", Code: 99}
}
