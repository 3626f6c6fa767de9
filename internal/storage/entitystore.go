package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
)

// ErrNotFound is returned when an entity id has no row in the store.
type ErrNotFound struct{ ID ids.EntityId }

func (e ErrNotFound) Error() string { return fmt.Sprintf("storage: entity %s not found", e.ID) }

// ListFilter narrows EntityStore.List. A nil/zero field means "don't
// filter on this", except Deleted: when false, tombstoned entities are
// excluded.
type ListFilter struct {
	Type    *model.EntityType
	Deleted bool // include tombstoned entities
	Since   *ids.HybridTimestamp
	Until   *ids.HybridTimestamp
	Limit   int
	Offset  int
}

// EntityStore is the materialized, schema-typed projection that the
// applicator maintains by replaying events. It is never a source of
// truth — it can always be rebuilt from EventLogStore — so every write
// here is an idempotent upsert.
type EntityStore struct {
	db *sql.DB
}

func (s *EntityStore) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			body BLOB NOT NULL,
			updated_wall INTEGER NOT NULL,
			updated_logical INTEGER NOT NULL,
			updated_by TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			field_timestamps BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);
		CREATE INDEX IF NOT EXISTS idx_entities_updated ON entities(updated_wall, updated_logical);
		CREATE INDEX IF NOT EXISTS idx_entities_deleted ON entities(deleted);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put upserts e, replacing any prior projection for e.ID.
func (s *EntityStore) Put(e model.Entity) error {
	var fieldTSBytes []byte
	if e.FieldTimestamps != nil {
		b, err := json.Marshal(e.FieldTimestamps)
		if err != nil {
			return fmt.Errorf("storage: encode field timestamps: %w", err)
		}
		fieldTSBytes = b
	}

	_, err := s.db.Exec(`
		INSERT INTO entities (id, type, body, updated_wall, updated_logical, updated_by, version, deleted, field_timestamps)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			body = excluded.body,
			updated_wall = excluded.updated_wall,
			updated_logical = excluded.updated_logical,
			updated_by = excluded.updated_by,
			version = excluded.version,
			deleted = excluded.deleted,
			field_timestamps = excluded.field_timestamps
	`, e.ID.String(), string(e.Type), []byte(e.Body), e.UpdatedAt.WallTime, e.UpdatedAt.Logical,
		e.UpdatedBy.String(), e.Version, boolToInt(e.Deleted), fieldTSBytes)
	if err != nil {
		return fmt.Errorf("storage: put entity: %w", err)
	}
	return nil
}

// Get returns the current projection for id, including a tombstoned one.
func (s *EntityStore) Get(id ids.EntityId) (model.Entity, error) {
	var e model.Entity
	var typeStr, updatedByStr string
	var wall, logical int64
	var version int
	var deleted int
	var fieldTSBytes []byte

	err := s.db.QueryRow(`
		SELECT type, body, updated_wall, updated_logical, updated_by, version, deleted, field_timestamps
		FROM entities WHERE id = ?
	`, id.String()).Scan(&typeStr, &e.Body, &wall, &logical, &updatedByStr, &version, &deleted, &fieldTSBytes)
	if err == sql.ErrNoRows {
		return model.Entity{}, ErrNotFound{ID: id}
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}

	updatedBy, err := ids.ParsePeerId(updatedByStr)
	if err != nil {
		return model.Entity{}, err
	}
	e.ID = id
	e.Type = model.EntityType(typeStr)
	e.UpdatedAt = ids.HybridTimestamp{WallTime: wall, Logical: uint32(logical)}
	e.UpdatedBy = updatedBy
	e.Version = version
	e.Deleted = deleted != 0
	if len(fieldTSBytes) > 0 {
		if err := json.Unmarshal(fieldTSBytes, &e.FieldTimestamps); err != nil {
			return model.Entity{}, fmt.Errorf("storage: decode field timestamps: %w", err)
		}
	}
	return e, nil
}

// List returns entities matching filter, newest-updated first.
func (s *EntityStore) List(filter ListFilter) ([]model.Entity, error) {
	query := "SELECT id, type, body, updated_wall, updated_logical, updated_by, version, deleted, field_timestamps FROM entities WHERE 1=1"
	var args []any

	if filter.Type != nil {
		query += " AND type = ?"
		args = append(args, string(*filter.Type))
	}
	if !filter.Deleted {
		query += " AND deleted = 0"
	}
	if filter.Since != nil {
		query += " AND (updated_wall > ? OR (updated_wall = ? AND updated_logical >= ?))"
		args = append(args, filter.Since.WallTime, filter.Since.WallTime, filter.Since.Logical)
	}
	if filter.Until != nil {
		query += " AND (updated_wall < ? OR (updated_wall = ? AND updated_logical <= ?))"
		args = append(args, filter.Until.WallTime, filter.Until.WallTime, filter.Until.Logical)
	}

	query += " ORDER BY updated_wall DESC, updated_logical DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var idStr, typeStr, updatedByStr string
		var wall, logical int64
		var version, deleted int
		var fieldTSBytes []byte
		var e model.Entity
		if err := rows.Scan(&idStr, &typeStr, &e.Body, &wall, &logical, &updatedByStr, &version, &deleted, &fieldTSBytes); err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		id, err := ids.ParseEntityId(idStr)
		if err != nil {
			return nil, err
		}
		updatedBy, err := ids.ParsePeerId(updatedByStr)
		if err != nil {
			return nil, err
		}
		e.ID = id
		e.Type = model.EntityType(typeStr)
		e.UpdatedAt = ids.HybridTimestamp{WallTime: wall, Logical: uint32(logical)}
		e.UpdatedBy = updatedBy
		e.Version = version
		e.Deleted = deleted != 0
		if len(fieldTSBytes) > 0 {
			if err := json.Unmarshal(fieldTSBytes, &e.FieldTimestamps); err != nil {
				return nil, fmt.Errorf("storage: decode field timestamps: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete tombstones id in place (soft delete, matching the event log's
// KindEntityDeleted semantics — nothing is physically removed here).
func (s *EntityStore) Delete(id ids.EntityId) error {
	result, err := s.db.Exec("UPDATE entities SET deleted = 1 WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("storage: delete entity: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound{ID: id}
	}
	return nil
}

// GarbageCollect permanently removes tombstoned rows whose id is not in
// keep. Per DESIGN.md's Open Question decision, the engine never calls
// this automatically; callers decide when a tombstone has been observed
// by every replica.
func (s *EntityStore) GarbageCollect(keep map[ids.EntityId]bool) (int, error) {
	rows, err := s.db.Query("SELECT id FROM entities WHERE deleted = 1")
	if err != nil {
		return 0, fmt.Errorf("storage: gc scan: %w", err)
	}
	var toRemove []string
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			rows.Close()
			return 0, err
		}
		id, err := ids.ParseEntityId(idStr)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[id] {
			toRemove = append(toRemove, idStr)
		}
	}
	rows.Close()

	for _, idStr := range toRemove {
		if _, err := s.db.Exec("DELETE FROM entities WHERE id = ?", idStr); err != nil {
			return 0, fmt.Errorf("storage: gc delete: %w", err)
		}
	}
	return len(toRemove), nil
}
