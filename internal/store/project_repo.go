package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/orbitwork/workd/internal/id"
)

// ProjectRepo persists Project rows.
type ProjectRepo struct {
	db dbtx
}

// Create inserts a new project, failing ErrDuplicate on a name collision.
func (r *ProjectRepo) Create(ctx context.Context, name, path string) (*Project, error) {
	p := &Project{
		ID:        id.New(),
		Name:      name,
		Path:      path,
		CreatedAt: nowUTC(),
	}
	p.UpdatedAt = p.CreatedAt

	_, err := r.db.ExecContext(ctx, `
INSERT INTO projects (id, name, path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
`, p.ID, p.Name, p.Path, formatTimestamp(p.CreatedAt), formatTimestamp(p.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("project %q: %w", name, ErrDuplicate)
		}
		return nil, wrapStorage("create project", err)
	}
	return p, nil
}

// Get returns the project with id, or ErrNotFound.
func (r *ProjectRepo) Get(ctx context.Context, projectID string) (*Project, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, path, created_at, updated_at FROM projects WHERE id = ?
`, projectID)
	return scanProject(row)
}

// GetByName returns the project with name, or ErrNotFound.
func (r *ProjectRepo) GetByName(ctx context.Context, name string) (*Project, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, path, created_at, updated_at FROM projects WHERE name = ?
`, name)
	return scanProject(row)
}

// List returns all projects ordered by name.
func (r *ProjectRepo) List(ctx context.Context) ([]*Project, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, path, created_at, updated_at FROM projects ORDER BY name ASC
`)
	if err != nil {
		return nil, wrapStorage("list projects", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list projects", err)
	}
	return out, nil
}

// Delete removes the project named name, failing ErrNotFound if absent.
func (r *ProjectRepo) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return wrapStorage("delete project", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %q: %w", name, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var createdAtRaw, updatedAtRaw string
	err := row.Scan(&p.ID, &p.Name, &p.Path, &createdAtRaw, &updatedAtRaw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, wrapStorage("scan project", err)
	}
	if p.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanProjectRow(rows *sql.Rows) (*Project, error) {
	return scanProject(rows)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
