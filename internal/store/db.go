package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the embedded sqlite database and exposes the transactional
// operations the rest of the daemon composes. A single physical
// connection is held open; the store's own serializability is relied on
// for concurrent writers, per the single-writer design.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, enables
// foreign keys, and runs any pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create database directory %q: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database at %q: %w", path, err)
	}

	// The embedded driver does not support concurrent writers; serialize
	// on a single physical connection and let sqlite's own locking do the
	// rest.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	if err := runMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Store{conn: conn}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Reset deletes every row from the jobs, tasks, environments and
// projects tables in one transaction, used by the /reset-database
// escape hatch. The schema and the migration ledger are left in place.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("reset", err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := []string{"jobs", "tasks", "environments", "projects"}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t); err != nil {
			return wrapStorage("reset", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapStorage("reset", err)
	}
	return nil
}

// SQL exposes the underlying *sql.DB for ancillary reads (e.g. health
// checks); repos should prefer their own typed methods.
func (s *Store) SQL() *sql.DB {
	return s.conn
}

// Projects returns the projects repo bound to this store's connection.
func (s *Store) Projects() *ProjectRepo { return &ProjectRepo{db: s.conn} }

// Environments returns the environments repo bound to this store's connection.
func (s *Store) Environments() *EnvironmentRepo { return &EnvironmentRepo{db: s.conn} }

// Tasks returns the tasks repo bound to this store's connection.
func (s *Store) Tasks() *TaskRepo { return &TaskRepo{db: s.conn} }

// Jobs returns the jobs repo bound to this store's connection.
func (s *Store) Jobs() *JobRepo { return &JobRepo{db: s.conn, conn: s.conn} }

// ProjectsTx, EnvironmentsTx, TasksTx and JobsTx bind repos to an
// in-flight transaction, for internal/staging's atomic multi-row
// writes. JobsTx-bound repos support every JobRepo method except
// ClaimBatch, which always opens its own top-level transaction.
func ProjectsTx(tx *sql.Tx) *ProjectRepo         { return &ProjectRepo{db: tx} }
func EnvironmentsTx(tx *sql.Tx) *EnvironmentRepo { return &EnvironmentRepo{db: tx} }
func TasksTx(tx *sql.Tx) *TaskRepo               { return &TaskRepo{db: tx} }
func JobsTx(tx *sql.Tx) *JobRepo                 { return &JobRepo{db: tx} }

// dbtx is satisfied by both *sql.DB and *sql.Tx, letting every repo
// method run either standalone or inside a staging transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on error or panic. Used by internal/staging to compose
// entity writes with job insertion atomically.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("begin tx", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapStorage("commit tx", err)
	}
	return nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStorage("rows affected", err)
	}
	return n, nil
}
