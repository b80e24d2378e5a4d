package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workd-test.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return s
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	assertTableExists(t, s.SQL(), "schema_migrations")
	assertTableExists(t, s.SQL(), "projects")
	assertTableExists(t, s.SQL(), "environments")
	assertTableExists(t, s.SQL(), "tasks")
	assertTableExists(t, s.SQL(), "jobs")

	var count int
	if err := s.SQL().QueryRow(`SELECT count(1) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count schema_migrations error = %v", err)
	}
	if count != len(migrations) {
		t.Fatalf("schema_migrations rows = %d, want %d", count, len(migrations))
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s := newTestStore(t)

	if err := runMigrations(context.Background(), s.SQL()); err != nil {
		t.Fatalf("second runMigrations() error = %v", err)
	}

	var count int
	if err := s.SQL().QueryRow(`SELECT count(1) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count schema_migrations error = %v", err)
	}
	if count != len(migrations) {
		t.Fatalf("schema_migrations rows after rerun = %d, want %d", count, len(migrations))
	}
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Projects().Create(ctx, "demo", "/tmp/demo")
	if err != nil {
		t.Fatalf("create project error = %v", err)
	}
	if _, err := s.Environments().Create(ctx, p.ID, "git-worktree"); err != nil {
		t.Fatalf("create environment error = %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	projects, err := s.Projects().List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(projects) != 0 {
		t.Fatalf("List() after reset len = %d, want 0", len(projects))
	}
}
