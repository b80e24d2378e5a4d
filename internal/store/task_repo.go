package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/orbitwork/workd/internal/id"
)

// TaskRepo persists Task rows.
type TaskRepo struct {
	db dbtx
}

// Create inserts a new task in the pending status, bound to environmentID.
func (r *TaskRepo) Create(ctx context.Context, projectID, environmentID, provider, description string) (*Task, error) {
	t := &Task{
		ID:            id.New(),
		EnvironmentID: environmentID,
		ProjectID:     projectID,
		Provider:      provider,
		Description:   description,
		Status:        TaskPending,
		CreatedAt:     nowUTC(),
	}
	t.UpdatedAt = t.CreatedAt

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id, environment_id, project_id, provider, description, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, t.ID, t.EnvironmentID, t.ProjectID, t.Provider, t.Description, string(t.Status), formatTimestamp(t.CreatedAt), formatTimestamp(t.UpdatedAt))
	if err != nil {
		return nil, wrapStorage("create task", err)
	}
	return t, nil
}

// Get returns the task with id, or ErrNotFound.
func (r *TaskRepo) Get(ctx context.Context, taskID string) (*Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, environment_id, project_id, provider, description, status, created_at, updated_at FROM tasks WHERE id = ?
`, taskID)
	return scanTask(row)
}

// List returns all tasks.
func (r *TaskRepo) List(ctx context.Context) ([]*Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, environment_id, project_id, provider, description, status, created_at, updated_at FROM tasks ORDER BY created_at ASC
`)
	if err != nil {
		return nil, wrapStorage("list tasks", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list tasks", err)
	}
	return out, nil
}

// Start transitions taskID from pending to started, failing
// ErrInvalidState otherwise.
func (r *TaskRepo) Start(ctx context.Context, taskID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
`, string(TaskStarted), formatTimestamp(nowUTC()), taskID, string(TaskPending))
	if err != nil {
		return wrapStorage("start task", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %q is not pending: %w", taskID, ErrInvalidState)
	}
	return nil
}

// UpdateStatus sets the status column for taskID unconditionally.
func (r *TaskRepo) UpdateStatus(ctx context.Context, taskID string, status TaskStatus) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
`, string(status), formatTimestamp(nowUTC()), taskID)
	if err != nil {
		return wrapStorage("update task status", err)
	}
	return mustAffect(res, taskID, "task")
}

// Delete removes the task row. Callers that also need to remove the
// task's paired environment should compose this with
// EnvironmentRepo.Delete inside a single Store.WithTx, both repos bound
// to the same tx (see internal/staging's force-delete operations).
func (r *TaskRepo) Delete(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return wrapStorage("delete task", err)
	}
	return nil
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status, createdAtRaw, updatedAtRaw string
	err := row.Scan(&t.ID, &t.EnvironmentID, &t.ProjectID, &t.Provider, &t.Description, &status, &createdAtRaw, &updatedAtRaw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, wrapStorage("scan task", err)
	}
	t.Status = TaskStatus(status)
	if t.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &t, nil
}
