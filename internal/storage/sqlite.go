// Package storage opens the SQLite database behind the call journal.
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

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var pragmas = []string{
	"PRAGMA foreign_keys = ON;",
	"PRAGMA busy_timeout = 5000;",
	"PRAGMA journal_mode = WAL;",
}

type migration struct {
	version int
	stmts   []string
}

// migrations are applied in order, each in its own transaction.
var migrations = []migration{
	{version: 1, stmts: []string{
		`CREATE TABLE IF NOT EXISTS act_log (
  id          TEXT PRIMARY KEY,
  tx          TEXT NOT NULL,
  pattern     TEXT NOT NULL,
  action      TEXT NOT NULL DEFAULT '',
  status      TEXT NOT NULL,
  error_code  TEXT,
  started_at  TEXT NOT NULL,
  ended_at    TEXT NOT NULL,
  duration_ms INTEGER NOT NULL,
  parent_id   TEXT
);`,
		`CREATE INDEX IF NOT EXISTS act_log_ended_at_idx ON act_log(ended_at);`,
		`CREATE INDEX IF NOT EXISTS act_log_tx_idx ON act_log(tx);`,
	}},
	{version: 2, stmts: []string{
		`CREATE INDEX IF NOT EXISTS act_log_pattern_status_idx ON act_log(pattern, status);`,
	}},
}

// SchemaVersion is the newest schema this build understands.
func SchemaVersion() int { return migrations[len(migrations)-1].version }

// OpenSQLite opens the database at path, creating it and its directory if
// needed, and migrates it to SchemaVersion. Paths on network filesystems are
// refused.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != MemoryPath {
		if err := requireLocal(path, filesystemType); err != nil {
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
	if path == MemoryPath {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite applies every pending migration. A database migrated by a
// newer build is rejected.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
  version    INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);`); err != nil {
		return fmt.Errorf("bootstrap sqlite: %w", err)
	}

	current, err := AppliedVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > SchemaVersion() {
		return fmt.Errorf("db schema version %d is newer than supported %d", current, SchemaVersion())
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return fmt.Errorf("bootstrap sqlite: migration %d: %w", m.version, err)
		}
	}
	return nil
}

// AppliedVersion returns the highest applied migration, or 0.
func AppliedVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?);`,
		m.version, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	return tx.Commit()
}
