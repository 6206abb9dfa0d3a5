package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database schema migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of all database migrations
var migrations = []Migration{
	{
		Version:     1,
		Description: "Projects and sandbox iterations",
		SQL: `
CREATE TABLE IF NOT EXISTS projects (
    project_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    iterations INTEGER NOT NULL DEFAULT 0,
    health_score INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);

CREATE TABLE IF NOT EXISTS sandbox_iterations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL,
    number INTEGER NOT NULL,
    install_success BOOLEAN NOT NULL,
    build_success BOOLEAN NOT NULL,
    start_success BOOLEAN NOT NULL,
    health_check_passed BOOLEAN NOT NULL,
    errors TEXT NOT NULL DEFAULT '[]',
    fixes_applied TEXT NOT NULL DEFAULT '[]',
    log_excerpt TEXT,
    started_at TEXT,
    completed_at TEXT,
    health_score INTEGER NOT NULL DEFAULT 0,
    UNIQUE (project_id, number)
);

CREATE INDEX IF NOT EXISTS idx_sandbox_iterations_project ON sandbox_iterations(project_id, number);
`,
	},
	{
		Version:     2,
		Description: "Heal log for delegated repairs",
		SQL: `
CREATE TABLE IF NOT EXISTS heal_log (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    iteration INTEGER NOT NULL,
    file_path TEXT NOT NULL,
    categories TEXT NOT NULL DEFAULT '[]',
    summary TEXT,
    bytes_before INTEGER NOT NULL DEFAULT 0,
    bytes_after INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_heal_log_project ON heal_log(project_id, iteration);
`,
	},
	{
		Version:     3,
		Description: "Record failed fixes per iteration",
		SQL: `
ALTER TABLE sandbox_iterations ADD COLUMN fixes_failed TEXT NOT NULL DEFAULT '[]';
`,
	},
}

// ApplyMigrations applies every migration not yet recorded in schema_version,
// serialized in a single transaction.
func (s *Store) ApplyMigrations() error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin exclusive transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := tx.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return fmt.Errorf("query schema versions: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate schema versions: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			m.Version, formatTime(s.clock())); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// GetLatestVersion returns the highest applied migration version.
func (s *Store) GetLatestVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query latest version: %w", err)
	}
	return version, nil
}
