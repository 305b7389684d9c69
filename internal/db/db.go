// Package db provides the durable SQLite store backing the sync queue.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultBusyTimeoutMs is how long SQLite waits on a locked database before
// returning SQLITE_BUSY.
const DefaultBusyTimeoutMs = 5000

// DB wraps sql.DB with the sync core's SQLite configuration.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the SQLite database at path.
// The database is opened with:
// - WAL mode so readers do not block the writer
// - a busy timeout
// - a single connection, since SQLite allows one writer
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d;", DefaultBusyTimeoutMs),
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{db}, nil
}

// Migrate brings the schema up to date.
func (db *DB) Migrate(ctx context.Context) error {
	return NewMigrator(db.DB).Up(ctx)
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
