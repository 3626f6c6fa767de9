// Package storage implements privstack-core's two on-disk stores over a
// single SQLite database: an append-only event log (the source of truth)
// and a materialized entity store (a projection the applicator maintains
// for fast reads). Mirrors the teacher's one-package-per-SQLite-backend
// layout, folding both tables into one package since they share a
// connection and lifecycle.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB owns the shared *sql.DB and exposes the event log and entity stores
// built on top of it.
type DB struct {
	conn   *sql.DB
	Events *EventLogStore
	Entities *EntityStore
}

// Open creates (or reopens) the on-disk database at path, or an in-memory
// one for path == ":memory:", and initializes both stores' schemas.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db := &DB{conn: conn}
	db.Events = &EventLogStore{db: conn}
	db.Entities = &EntityStore{db: conn}

	if err := db.Events.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: init event log schema: %w", err)
	}
	if err := db.Entities.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: init entity store schema: %w", err)
	}
	return db, nil
}

// Close releases the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
