package store

import (
	"context"
	"database/sql"
	"fmt"
)

type schemaMigration struct {
	version int
	name    string
	sql     string
}

// migrations is applied in version order. Version 1 creates the four
// entity tables in their current shape, including the not-null
// task/environment link and the job columns (attempt, not_before,
// lease_expires_at, last_error, dedupe_key); statuses, failed included,
// are free TEXT values. Version 2 adds the unique index that allows at
// most one pending or running job per dedupe key.
var migrations = []schemaMigration{
	{
		version: 1,
		name:    "create core tables",
		sql: `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	path TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS environments (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	status TEXT NOT NULL,
	metadata TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(project_id) REFERENCES projects(id)
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	environment_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(environment_id) REFERENCES environments(id),
	FOREIGN KEY(project_id) REFERENCES projects(id)
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	dedupe_key TEXT,
	not_before TEXT,
	lease_expires_at TEXT,
	last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_environments_project_status ON environments(project_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_environment_id ON tasks(environment_id);
CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
`,
	},
	{
		version: 2,
		name:    "unique dedupe key for active jobs",
		sql: `
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe_active ON jobs(dedupe_key)
	WHERE dedupe_key IS NOT NULL AND status IN ('pending', 'running');
`,
	},
}

func runMigrations(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TEXT NOT NULL
);
`); err != nil {
		return fmt.Errorf("store: ensure schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := migrationApplied(ctx, conn, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := applyMigration(ctx, conn, m); err != nil {
			return err
		}
	}
	return nil
}

func migrationApplied(ctx context.Context, conn *sql.DB, version int) (bool, error) {
	var count int
	err := conn.QueryRowContext(ctx, `SELECT count(1) FROM schema_migrations WHERE version = ?`, version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check migration %03d: %w", version, err)
	}
	return count > 0, nil
}

func applyMigration(ctx context.Context, conn *sql.DB, m schemaMigration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration %03d (%s): %w", m.version, m.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("store: apply migration %03d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)
`, m.version, m.name, formatTimestamp(nowUTC())); err != nil {
		return fmt.Errorf("store: record migration %03d (%s): %w", m.version, m.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit migration %03d (%s): %w", m.version, m.name, err)
	}
	return nil
}
