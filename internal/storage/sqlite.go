// Package storage opens the dispatch trace database.
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
// ensures the trace tables exist. The path must be on a local filesystem.
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
	// The trace writer is the only writer; one connection keeps :memory:
	// databases coherent.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
//
// event_log holds one row per resolved inbound event; dispatch_log one row
// per finished dispatch cycle. Times are UTC RFC3339 text with fixed-width
// nanoseconds, so they sort as strings.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_log (
  id           TEXT PRIMARY KEY,
  seq          INTEGER NOT NULL,
  kind         TEXT NOT NULL,
  action       TEXT NOT NULL,
  device_id    INTEGER NOT NULL,
  injected     INTEGER NOT NULL DEFAULT 0,
  injector_uid INTEGER,
  result       TEXT NOT NULL,
  targets      INTEGER NOT NULL,
  drop_reason  TEXT,
  event_time   INTEGER NOT NULL,
  resolved_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS dispatch_log (
  id            TEXT PRIMARY KEY,
  seq           INTEGER NOT NULL,
  channel       TEXT NOT NULL,
  kind          TEXT NOT NULL,
  handled       INTEGER NOT NULL,
  samples       INTEGER NOT NULL,
  event_time    INTEGER NOT NULL,
  dispatched_at TEXT NOT NULL,
  finished_at   TEXT NOT NULL,
  latency_us    INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS event_log_resolved_at_idx ON event_log(resolved_at);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_finished_at_idx ON dispatch_log(finished_at);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_channel_idx ON dispatch_log(channel, finished_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
