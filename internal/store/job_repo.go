package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orbitwork/workd/internal/id"
)

// JobRepo persists Job rows and implements the claim/lease/retry
// lifecycle. ClaimBatch needs to begin its own top-level transaction
// (it is never composed inside a staging transaction), so the repo
// also holds the raw *sql.DB alongside the dbtx it uses for every
// other method.
type JobRepo struct {
	db   dbtx
	conn *sql.DB
}

// Insert enqueues a new pending job. If dedupeKey is non-nil and an
// active (pending or running) job already carries it, Insert returns
// that existing job instead of creating a duplicate: at most one
// active job may exist per dedupe key.
func (r *JobRepo) Insert(ctx context.Context, jobType JobType, payload any, dedupeKey *string) (*Job, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("store: marshal job payload: %w", err)
	}

	if dedupeKey != nil {
		if existing, err := r.activeByDedupeKey(ctx, *dedupeKey); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}

	j := &Job{
		ID:        id.New(),
		Type:      jobType,
		Payload:   raw,
		Status:    JobPending,
		Attempt:   0,
		CreatedAt: nowUTC(),
		DedupeKey: dedupeKey,
	}
	j.UpdatedAt = j.CreatedAt

	_, err = r.db.ExecContext(ctx, `
INSERT INTO jobs (id, type, payload, status, attempt, created_at, updated_at, dedupe_key, not_before, lease_expires_at, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, j.ID, string(j.Type), string(j.Payload), string(j.Status), j.Attempt,
		formatTimestamp(j.CreatedAt), formatTimestamp(j.UpdatedAt), j.DedupeKey, nil, nil, nil)
	if err != nil {
		if isUniqueViolation(err) && dedupeKey != nil {
			// Lost a race against a concurrent insert with the same key.
			existing, err2 := r.activeByDedupeKey(ctx, *dedupeKey)
			if err2 != nil {
				return nil, err2
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, wrapStorage("insert job", err)
	}
	return j, nil
}

func (r *JobRepo) activeByDedupeKey(ctx context.Context, dedupeKey string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, type, payload, status, attempt, created_at, updated_at, dedupe_key, not_before, lease_expires_at, last_error
FROM jobs
WHERE dedupe_key = ? AND status IN (?, ?)
LIMIT 1
`, dedupeKey, string(JobPending), string(JobRunning))
	j, err := scanJob(row)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

// Get returns the job with id, or ErrNotFound.
func (r *JobRepo) Get(ctx context.Context, jobID string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, type, payload, status, attempt, created_at, updated_at, dedupe_key, not_before, lease_expires_at, last_error
FROM jobs WHERE id = ?
`, jobID)
	return scanJob(row)
}

// ClaimBatch selects up to limit eligible jobs and transitions them to
// running with a fresh lease, in one transaction. A job is eligible if
// it is pending with not_before in the past (or unset), or running with
// an expired lease (abandoned by a crashed worker). Eligible rows are
// claimed oldest-created_at first, attempt incremented, lease set to
// now + leaseSeconds.
func (r *JobRepo) ClaimBatch(ctx context.Context, limit int, leaseSeconds int) ([]*Job, error) {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStorage("begin claim transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowUTC()
	nowStr := formatTimestamp(now)

	rows, err := tx.QueryContext(ctx, `
SELECT id FROM jobs
WHERE (status = ? AND (not_before IS NULL OR not_before <= ?))
   OR (status = ? AND lease_expires_at <= ?)
ORDER BY created_at ASC
LIMIT ?
`, string(JobPending), nowStr, string(JobRunning), nowStr, limit)
	if err != nil {
		return nil, wrapStorage("select claimable jobs", err)
	}
	var ids []string
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			rows.Close()
			return nil, wrapStorage("scan claimable job id", err)
		}
		ids = append(ids, jobID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrapStorage("iterate claimable jobs", err)
	}
	rows.Close()

	if len(ids) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, wrapStorage("commit empty claim", err)
		}
		return nil, nil
	}

	leaseUntil := now.Add(time.Duration(leaseSeconds) * time.Second)
	claimed := make([]*Job, 0, len(ids))
	for _, jobID := range ids {
		_, err := tx.ExecContext(ctx, `
UPDATE jobs
SET status = ?, attempt = attempt + 1, not_before = NULL, lease_expires_at = ?, last_error = NULL, updated_at = ?
WHERE id = ?
`, string(JobRunning), formatTimestamp(leaseUntil), nowStr, jobID)
		if err != nil {
			return nil, wrapStorage("claim job", err)
		}
		row := tx.QueryRowContext(ctx, `
SELECT id, type, payload, status, attempt, created_at, updated_at, dedupe_key, not_before, lease_expires_at, last_error
FROM jobs WHERE id = ?
`, jobID)
		j, err := scanJob(row)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStorage("commit claim", err)
	}
	return claimed, nil
}

// MarkComplete clears the dedupe key and marks jobID as complete.
func (r *JobRepo) MarkComplete(ctx context.Context, jobID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, dedupe_key = NULL, lease_expires_at = NULL, updated_at = ? WHERE id = ?
`, string(JobComplete), formatTimestamp(nowUTC()), jobID)
	if err != nil {
		return wrapStorage("mark job complete", err)
	}
	return mustAffect(res, jobID, "job")
}

// MarkFailed clears the dedupe key and marks jobID as terminally failed
// with errMsg recorded in last_error.
func (r *JobRepo) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, dedupe_key = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ? WHERE id = ?
`, string(JobFailed), errMsg, formatTimestamp(nowUTC()), jobID)
	if err != nil {
		return wrapStorage("mark job failed", err)
	}
	return mustAffect(res, jobID, "job")
}

// Requeue moves jobID back to pending, eligible again after delaySeconds,
// recording errMsg as the transient failure reason.
func (r *JobRepo) Requeue(ctx context.Context, jobID string, errMsg string, delaySeconds int) error {
	notBefore := nowUTC().Add(time.Duration(delaySeconds) * time.Second)
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, not_before = ?, lease_expires_at = NULL, last_error = ?, updated_at = ? WHERE id = ?
`, string(JobPending), formatTimestamp(notBefore), errMsg, formatTimestamp(nowUTC()), jobID)
	if err != nil {
		return wrapStorage("requeue job", err)
	}
	return mustAffect(res, jobID, "job")
}

// RefreshLease extends jobID's lease by leaseSeconds if it is still
// running, returning false if the row is no longer owned (completed,
// failed, or reclaimed by another worker).
func (r *JobRepo) RefreshLease(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	leaseUntil := nowUTC().Add(time.Duration(leaseSeconds) * time.Second)
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND status = ?
`, formatTimestamp(leaseUntil), formatTimestamp(nowUTC()), jobID, string(JobRunning))
	if err != nil {
		return false, wrapStorage("refresh job lease", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var jobType, payload, status string
	var createdAtRaw, updatedAtRaw string
	var dedupeKey, notBefore, leaseExpiresAt, lastError sql.NullString
	err := row.Scan(&j.ID, &jobType, &payload, &status, &j.Attempt, &createdAtRaw, &updatedAtRaw,
		&dedupeKey, &notBefore, &leaseExpiresAt, &lastError)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, wrapStorage("scan job", err)
	}
	j.Type = JobType(jobType)
	j.Payload = json.RawMessage(payload)
	j.Status = JobStatus(status)
	if dedupeKey.Valid {
		v := dedupeKey.String
		j.DedupeKey = &v
	}
	if lastError.Valid {
		v := lastError.String
		j.LastError = &v
	}
	if j.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	var nbPtr, lePtr *string
	if notBefore.Valid {
		nbPtr = &notBefore.String
	}
	if leaseExpiresAt.Valid {
		lePtr = &leaseExpiresAt.String
	}
	if j.NotBefore, err = parseNullableTimestamp(nbPtr); err != nil {
		return nil, err
	}
	if j.LeaseExpiresAt, err = parseNullableTimestamp(lePtr); err != nil {
		return nil, err
	}
	return &j, nil
}
