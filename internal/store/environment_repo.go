package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/orbitwork/workd/internal/id"
)

// EnvironmentRepo persists Environment rows.
type EnvironmentRepo struct {
	db dbtx
}

// Create inserts a new environment in the preparing status.
func (r *EnvironmentRepo) Create(ctx context.Context, projectID, provider string) (*Environment, error) {
	e := &Environment{
		ID:        id.New(),
		ProjectID: projectID,
		Provider:  provider,
		Status:    EnvironmentPreparing,
		CreatedAt: nowUTC(),
	}
	e.UpdatedAt = e.CreatedAt

	_, err := r.db.ExecContext(ctx, `
INSERT INTO environments (id, project_id, provider, status, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, e.ID, e.ProjectID, e.Provider, string(e.Status), nil, formatTimestamp(e.CreatedAt), formatTimestamp(e.UpdatedAt))
	if err != nil {
		return nil, wrapStorage("create environment", err)
	}
	return e, nil
}

// Get returns the environment with id, or ErrNotFound.
func (r *EnvironmentRepo) Get(ctx context.Context, envID string) (*Environment, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, project_id, provider, status, metadata, created_at, updated_at FROM environments WHERE id = ?
`, envID)
	return scanEnvironment(row)
}

// List returns all environments.
func (r *EnvironmentRepo) List(ctx context.Context) ([]*Environment, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, project_id, provider, status, metadata, created_at, updated_at FROM environments ORDER BY created_at ASC
`)
	if err != nil {
		return nil, wrapStorage("list environments", err)
	}
	defer rows.Close()

	var out []*Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list environments", err)
	}
	return out, nil
}

// UpdateMetadata overwrites the metadata column for envID.
func (r *EnvironmentRepo) UpdateMetadata(ctx context.Context, envID string, metadata json.RawMessage) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE environments SET metadata = ?, updated_at = ? WHERE id = ?
`, nullableJSON(metadata), formatTimestamp(nowUTC()), envID)
	if err != nil {
		return wrapStorage("update environment metadata", err)
	}
	return mustAffect(res, envID, "environment")
}

// UpdateStatus sets the status column for envID unconditionally.
func (r *EnvironmentRepo) UpdateStatus(ctx context.Context, envID string, status EnvironmentStatus) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE environments SET status = ?, updated_at = ? WHERE id = ?
`, string(status), formatTimestamp(nowUTC()), envID)
	if err != nil {
		return wrapStorage("update environment status", err)
	}
	return mustAffect(res, envID, "environment")
}

// UpdateStatusIf transitions envID to newStatus only if its current
// status equals from, returning true if the row changed. Used for
// compare-and-swap claims (e.g. pool -> in_use).
func (r *EnvironmentRepo) UpdateStatusIf(ctx context.Context, envID string, from, newStatus EnvironmentStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE environments SET status = ?, updated_at = ? WHERE id = ? AND status = ?
`, string(newStatus), formatTimestamp(nowUTC()), envID, string(from))
	if err != nil {
		return false, wrapStorage("conditionally update environment status", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompletePreparing atomically transitions envID from preparing to
// newStatus (pool or in_use) and stores metadata, failing
// ErrInvalidState if the row is not currently preparing.
func (r *EnvironmentRepo) CompletePreparing(ctx context.Context, envID string, newStatus EnvironmentStatus, metadata json.RawMessage) error {
	if newStatus != EnvironmentPool && newStatus != EnvironmentInUse {
		return fmt.Errorf("complete preparing environment %q: final status must be pool or in_use: %w", envID, ErrInvalidState)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE environments SET status = ?, metadata = ?, updated_at = ? WHERE id = ? AND status = ?
`, string(newStatus), nullableJSON(metadata), formatTimestamp(nowUTC()), envID, string(EnvironmentPreparing))
	if err != nil {
		return wrapStorage("complete preparing environment", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("environment %q is not preparing: %w", envID, ErrInvalidState)
	}
	return nil
}

// ClaimOldestPooled claims (flips pool -> in_use) the oldest pooled
// environment matching provider and projectID, returning it, or
// (nil, nil) if none match.
func (r *EnvironmentRepo) ClaimOldestPooled(ctx context.Context, provider, projectID string) (*Environment, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id FROM environments
WHERE provider = ? AND project_id = ? AND status = ?
ORDER BY created_at ASC
LIMIT 1
`, provider, projectID, string(EnvironmentPool))
	var envID string
	if err := row.Scan(&envID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapStorage("find pooled environment", err)
	}

	ok, err := r.UpdateStatusIf(ctx, envID, EnvironmentPool, EnvironmentInUse)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race to another claimant; caller falls back to preparing
		// a fresh environment.
		return nil, nil
	}
	return r.Get(ctx, envID)
}

// Delete removes the environment row.
func (r *EnvironmentRepo) Delete(ctx context.Context, envID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, envID)
	if err != nil {
		return wrapStorage("delete environment", err)
	}
	return nil
}

// CountTasksReferencing returns how many task rows reference envID.
func (r *EnvironmentRepo) CountTasksReferencing(ctx context.Context, envID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT count(1) FROM tasks WHERE environment_id = ?`, envID).Scan(&n)
	if err != nil {
		return 0, wrapStorage("count tasks referencing environment", err)
	}
	return n, nil
}

func scanEnvironment(row rowScanner) (*Environment, error) {
	var e Environment
	var status, createdAtRaw, updatedAtRaw string
	var metadata sql.NullString
	err := row.Scan(&e.ID, &e.ProjectID, &e.Provider, &status, &metadata, &createdAtRaw, &updatedAtRaw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, wrapStorage("scan environment", err)
	}
	e.Status = EnvironmentStatus(status)
	if metadata.Valid {
		e.Metadata = json.RawMessage(metadata.String)
	}
	if e.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &e, nil
}

func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func mustAffect(res sql.Result, rowID, entity string) error {
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", entity, rowID, ErrNotFound)
	}
	return nil
}
