package storage

import (
	"database/sql"
	"fmt"

	"github.com/privstack/core/internal/event"
	"github.com/privstack/core/internal/ids"
)

// EventLogStore is the append-only source of truth: every event, once
// written, is never mutated. Writes are idempotent by EventId so
// re-delivery during sync (at-least-once) never double-applies.
type EventLogStore struct {
	db *sql.DB
}

func (s *EventLogStore) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			author TEXT NOT NULL,
			wall_time INTEGER NOT NULL,
			logical INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_entity_order
			ON events(entity_id, wall_time, logical, id);
		CREATE INDEX IF NOT EXISTS idx_events_peer_order
			ON events(author, wall_time, logical);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts ev if its id hasn't been seen before; re-appending an
// already-known id is a silent no-op, giving the sync engine idempotent
// replay for free.
func (s *EventLogStore) Append(ev event.Event) error {
	_, err := s.db.Exec(`
		INSERT INTO events (id, entity_id, kind, author, wall_time, logical, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, ev.ID.String(), ev.EntityID.String(), string(ev.Kind), ev.Author.String(),
		ev.Timestamp.WallTime, ev.Timestamp.Logical, []byte(ev.Payload))
	if err != nil {
		return fmt.Errorf("storage: append event: %w", err)
	}
	return nil
}

// EventsForEntity returns every event recorded for entityID in causal
// order (wall_time, logical, id — the id tie-break keeps ordering total
// even for same-millisecond same-peer events, which can't happen given the
// HLC's own tie-break, but keeps the query deterministic regardless).
func (s *EventLogStore) EventsForEntity(entityID ids.EntityId) ([]event.Event, error) {
	rows, err := s.db.Query(`
		SELECT id, entity_id, kind, author, wall_time, logical, payload
		FROM events WHERE entity_id = ?
		ORDER BY wall_time, logical, id
	`, entityID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: events for entity: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsSince returns every event strictly after the given timestamp,
// across all entities, in causal order. Used to compute what a peer needs
// to catch up on.
func (s *EventLogStore) EventsSince(since ids.HybridTimestamp, limit int) ([]event.Event, error) {
	query := `
		SELECT id, entity_id, kind, author, wall_time, logical, payload
		FROM events
		WHERE wall_time > ? OR (wall_time = ? AND logical > ?)
		ORDER BY wall_time, logical, id
	`
	args := []any{since.WallTime, since.WallTime, since.Logical}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: events since: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestTimestampForPeer returns the newest timestamp recorded as authored
// by peer, used to resume an HLC across restarts and to compute sync
// deltas per-peer.
func (s *EventLogStore) LatestTimestampForPeer(peer ids.PeerId) (ids.HybridTimestamp, bool, error) {
	var wall sql.NullInt64
	var logical sql.NullInt64
	err := s.db.QueryRow(`
		SELECT wall_time, logical FROM events WHERE author = ?
		ORDER BY wall_time DESC, logical DESC LIMIT 1
	`, peer.String()).Scan(&wall, &logical)
	if err == sql.ErrNoRows {
		return ids.HybridTimestamp{}, false, nil
	}
	if err != nil {
		return ids.HybridTimestamp{}, false, fmt.Errorf("storage: latest timestamp for peer: %w", err)
	}
	return ids.HybridTimestamp{WallTime: wall.Int64, Logical: uint32(logical.Int64)}, true, nil
}

// MaxTimestamp returns the newest timestamp recorded across all events,
// used to recover a local HLC's state on startup.
func (s *EventLogStore) MaxTimestamp() (ids.HybridTimestamp, bool, error) {
	var wall sql.NullInt64
	var logical sql.NullInt64
	err := s.db.QueryRow(`SELECT wall_time, logical FROM events ORDER BY wall_time DESC, logical DESC LIMIT 1`).
		Scan(&wall, &logical)
	if err == sql.ErrNoRows {
		return ids.HybridTimestamp{}, false, nil
	}
	if err != nil {
		return ids.HybridTimestamp{}, false, fmt.Errorf("storage: max timestamp: %w", err)
	}
	return ids.HybridTimestamp{WallTime: wall.Int64, Logical: uint32(logical.Int64)}, true, nil
}

// Has reports whether id has already been appended, for peers that want to
// filter a batch before sending it.
func (s *EventLogStore) Has(id ids.EventId) (bool, error) {
	var exists int
	err := s.db.QueryRow("SELECT 1 FROM events WHERE id = ?", id.String()).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: has event: %w", err)
	}
	return true, nil
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var out []event.Event
	for rows.Next() {
		var idStr, entityStr, kindStr, authorStr string
		var wall int64
		var logical int64
		var payload []byte
		if err := rows.Scan(&idStr, &entityStr, &kindStr, &authorStr, &wall, &logical, &payload); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		id, err := ids.ParseEventId(idStr)
		if err != nil {
			return nil, err
		}
		entityID, err := ids.ParseEntityId(entityStr)
		if err != nil {
			return nil, err
		}
		author, err := ids.ParsePeerId(authorStr)
		if err != nil {
			return nil, err
		}
		out = append(out, event.Event{
			ID:        id,
			EntityID:  entityID,
			Kind:      event.Kind(kindStr),
			Author:    author,
			Timestamp: ids.HybridTimestamp{WallTime: wall, Logical: uint32(logical)},
			Payload:   payload,
		})
	}
	return out, rows.Err()
}
