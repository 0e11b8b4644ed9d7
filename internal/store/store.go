// Package store provides the SQLite-backed tool call journal. Every
// dispatched call can be recorded with its outcome, duration and the
// configuration version it ran under, and listed later with `ragkit history`.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Entry is one journaled tool call.
type Entry struct {
	// ID is assigned by the store.
	ID int64 `json:"id"`

	Tool string `json:"tool"`

	// Status is ok, no_context or error.
	Status string `json:"status"`

	// Kind is the error kind for failed and no-context calls.
	Kind string `json:"kind,omitempty"`

	// Message is the caller-facing error message, if any.
	Message string `json:"message,omitempty"`

	// Args is the JSON encoding of the call arguments, possibly truncated.
	Args string `json:"args"`

	// Fingerprint is the retrieval fingerprint for retrieval-class calls.
	Fingerprint string `json:"fingerprint,omitempty"`

	Duration time.Duration `json:"duration"`

	// SnapshotVersion is the configuration version the call ran under.
	SnapshotVersion uint64 `json:"snapshot_version"`

	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows Recent. Zero fields match everything.
type Filter struct {
	Tool  string
	Kind  string
	Limit int
}

// Journal persists and lists call entries. Implementations must be safe for
// concurrent use.
type Journal interface {
	// Record persists e. CreatedAt defaults to now.
	Record(ctx context.Context, e Entry) error
	// Recent returns matching entries, newest first.
	Recent(ctx context.Context, f Filter) ([]Entry, error)
	// Close releases any resources held by the journal.
	Close() error
}

// defaultLimit bounds Recent when the filter sets no limit.
const defaultLimit = 50

// SQLiteStore is a Journal backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default journal path, ~/.ragkit/history.db,
// creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ragkit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tool_calls (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    tool             TEXT    NOT NULL,
    status           TEXT    NOT NULL CHECK(status IN ('ok','no_context','error')),
    kind             TEXT    NOT NULL DEFAULT '',
    message          TEXT    NOT NULL DEFAULT '',
    args             TEXT    NOT NULL DEFAULT '{}',
    fingerprint      TEXT    NOT NULL DEFAULT '',
    duration_us      INTEGER NOT NULL,
    snapshot_version INTEGER NOT NULL,
    created_at       INTEGER NOT NULL  -- Unix timestamp (milliseconds)
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_created
    ON tool_calls (created_at);
CREATE INDEX IF NOT EXISTS idx_tool_calls_tool_created
    ON tool_calls (tool, created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Record persists e.
func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Args == "" {
		e.Args = "{}"
	}
	const q = `
INSERT INTO tool_calls (tool, status, kind, message, args, fingerprint, duration_us, snapshot_version, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		e.Tool, e.Status, e.Kind, e.Message, e.Args, e.Fingerprint,
		e.Duration.Microseconds(), int64(e.SnapshotVersion), e.CreatedAt.UnixMilli(), //nolint:gosec // versions stay far below MaxInt64
	)
	if err != nil {
		return fmt.Errorf("store: record: %w", err)
	}
	return nil
}

// Recent returns matching entries, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Tool != "" {
		where = append(where, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	q := `SELECT id, tool, status, kind, message, args, fingerprint, duration_us, snapshot_version, created_at FROM tool_calls`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			durationUS int64
			version    int64
			createdMS  int64
		)
		if err := rows.Scan(&e.ID, &e.Tool, &e.Status, &e.Kind, &e.Message, &e.Args, &e.Fingerprint,
			&durationUS, &version, &createdMS); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		e.Duration = time.Duration(durationUS) * time.Microsecond
		e.SnapshotVersion = uint64(version) //nolint:gosec // written from a uint64
		e.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w", err)
	}
	return out, nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
