// Package engine drives the per-peer sync state machine spec.md §4.5
// names, computing and applying deltas over a SyncTransport. Grounded on
// original_source/core/privstack-sync/src/state.rs (SyncState,
// EntitySyncState) for delta bookkeeping and internal/sync/p2p.go's
// SyncWith/handleStream for the connection lifecycle, the teacher's only
// analogue of a session driver.
package engine

import (
	gosync "sync"

	"github.com/privstack/core/internal/crdt"
	"github.com/privstack/core/internal/event"
	"github.com/privstack/core/internal/ids"
)

// entitySyncState tracks delta bookkeeping for one entity: the vector
// clock derived from events observed so far, the set of event ids already
// seen (for dedup and "what's missing" computation), and per-peer last
// sync times. Ported from state.rs's EntitySyncState.
type entitySyncState struct {
	clock        *crdt.VectorClock
	seenEventIDs map[ids.EventId]struct{}
	lastSync     map[ids.PeerId]ids.HybridTimestamp
}

func newEntitySyncState() *entitySyncState {
	return &entitySyncState{
		clock:        crdt.NewVectorClock(),
		seenEventIDs: make(map[ids.EventId]struct{}),
		lastSync:     make(map[ids.PeerId]ids.HybridTimestamp),
	}
}

// recordEvent registers ev as seen, ticking the clock for its author only
// the first time (matches state.rs's dedup-then-increment order: a
// re-delivered event must not double-count).
func (s *entitySyncState) recordEvent(ev event.Event) {
	if _, seen := s.seenEventIDs[ev.ID]; seen {
		return
	}
	s.seenEventIDs[ev.ID] = struct{}{}
	s.clock.Tick(ev.Author)
}

func (s *entitySyncState) recordSync(peer ids.PeerId, ts ids.HybridTimestamp) {
	s.lastSync[peer] = ts
}

// SyncState is the process-wide tracker of per-entity delta state, one
// instance shared by every peer session (state.rs's SyncState is likewise
// a single struct threaded through the whole sync subsystem, not
// per-connection).
type SyncState struct {
	mu           gosync.Mutex
	localPeerID  ids.PeerId
	entities     map[ids.EntityId]*entitySyncState
}

// NewSyncState creates an empty tracker for localPeerID.
func NewSyncState(localPeerID ids.PeerId) *SyncState {
	return &SyncState{localPeerID: localPeerID, entities: make(map[ids.EntityId]*entitySyncState)}
}

func (s *SyncState) LocalPeerID() ids.PeerId { return s.localPeerID }

func (s *SyncState) entityState(entityID ids.EntityId) *entitySyncState {
	st, ok := s.entities[entityID]
	if !ok {
		st = newEntitySyncState()
		s.entities[entityID] = st
	}
	return st
}

// RecordEvent registers ev as applied for entityID, advancing that
// entity's vector clock.
func (s *SyncState) RecordEvent(entityID ids.EntityId, ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entityState(entityID).recordEvent(ev)
}

// RecordSync notes that entityID was last synced with peer at ts.
func (s *SyncState) RecordSync(entityID ids.EntityId, peer ids.PeerId, ts ids.HybridTimestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entityState(entityID).recordSync(peer, ts)
}

// Clock returns a snapshot of entityID's vector clock (nil if untracked).
func (s *SyncState) Clock(entityID ids.EntityId) *crdt.VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entityID]
	if !ok {
		return nil
	}
	return st.clock.Clone()
}

// KnownEventIDs returns the event ids this replica has recorded for
// entityID, for inclusion in a SyncRequest/SyncState handshake payload.
func (s *SyncState) KnownEventIDs(entityID ids.EntityId) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entityID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(st.seenEventIDs))
	for id := range st.seenEventIDs {
		out = append(out, id.String())
	}
	return out
}

// ComputeMissing returns the subset of candidates whose id is not present
// in peerKnownIDs — ported from state.rs's compute_missing_events: compare
// id sets, never timestamps, since a peer's clock can lag its actual
// coverage when events arrive out of HLC order.
func ComputeMissing(candidates []event.Event, peerKnownIDs map[string]struct{}) []event.Event {
	missing := make([]event.Event, 0, len(candidates))
	for _, ev := range candidates {
		if _, known := peerKnownIDs[ev.ID.String()]; !known {
			missing = append(missing, ev)
		}
	}
	return missing
}

// StringSet converts a known-event-id slice (as carried on the wire) into
// a lookup set for ComputeMissing.
func StringSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
