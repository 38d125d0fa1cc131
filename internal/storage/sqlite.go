// Package storage opens the SQLite database backing the dispatch journal.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. Paths on network filesystems are refused.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := CheckLocalFilesystem(path); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The pool and API share one writer; a single connection keeps
	// :memory: databases coherent and avoids SQLITE_BUSY on files.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatch_journal (
  id             TEXT PRIMARY KEY,
  kind           TEXT NOT NULL,
  command        TEXT NOT NULL,
  payload_digest TEXT NOT NULL,
  payload_bytes  INTEGER NOT NULL,
  slot           INTEGER,
  status         TEXT NOT NULL,
  attempts       INTEGER NOT NULL DEFAULT 0,
  recycled       INTEGER NOT NULL DEFAULT 0,
  last_error     TEXT,
  created_at     TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS worker_events (
  id         TEXT PRIMARY KEY,
  slot       INTEGER NOT NULL,
  event      TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS dispatch_journal_created_at_idx ON dispatch_journal(created_at);`,
		`CREATE INDEX IF NOT EXISTS dispatch_journal_status_idx ON dispatch_journal(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS worker_events_slot_idx ON worker_events(slot, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
