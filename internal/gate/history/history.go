// Package history persists the outcome of resolved approval requests in a
// local SQLite database so operators can review past decisions offline and
// through GET /history.
//
// Only terminal outcomes are recorded; pending state lives exclusively in
// memory and dies with the process. The audit JSONL log remains the
// authoritative record — history is the queryable convenience view.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Entry is one resolved approval request.
type Entry struct {
	ID         string    `json:"id"`
	Reference  string    `json:"reference"`
	Item       string    `json:"item"`
	Reason     string    `json:"reason"`
	Outcome    string    `json:"outcome"`
	CreatedAt  time.Time `json:"createdAt"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// SQLite is single-writer by design. Keep a single shared connection so
	// concurrent callers are serialized by database/sql instead of fighting
	// for write locks across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id          TEXT PRIMARY KEY,
			reference   TEXT NOT NULL,
			item        TEXT NOT NULL,
			reason      TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create requests table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one resolved request.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (id, reference, item, reason, outcome, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Reference, e.Item, e.Reason, e.Outcome, e.CreatedAt.UTC(), e.ResolvedAt.UTC())
	if err != nil {
		return fmt.Errorf("record request %s: %w", e.ID, err)
	}
	return nil
}

// List returns the most recently resolved requests, newest first.
// limit <= 0 defaults to 50.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reference, item, reason, outcome, created_at, resolved_at
		FROM requests
		ORDER BY resolved_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Reference, &e.Item, &e.Reason, &e.Outcome, &e.CreatedAt, &e.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return entries, nil
}
