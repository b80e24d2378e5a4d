// Package staging implements the transactional operations through
// which every external mutation flows. Each opens one store
// transaction, validates, writes entity rows, and inserts the
// follow-up job(s) before committing, so that no job can exist without
// its target row and no preparing/removing row can exist without its
// matching job. Every successful call emits one event bus tick.
package staging

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/orbitwork/workd/internal/eventbus"
	"github.com/orbitwork/workd/internal/store"
)

// Staging wires the store and event bus together for the operations
// below. It holds no other state.
type Staging struct {
	store *store.Store
	bus   *eventbus.Bus
}

func New(s *store.Store, bus *eventbus.Bus) *Staging {
	return &Staging{store: s, bus: bus}
}

func dedupeKey(parts ...string) *string {
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += ":"
		}
		s += p
	}
	return &s
}

// PrepareEnvironment inserts a new preparing environment and its
// matching prepare_environment job in one transaction.
func (s *Staging) PrepareEnvironment(ctx context.Context, projectID, provider string, claimAfterPrepare bool) (*store.Environment, *store.Job, error) {
	if _, err := s.store.Projects().Get(ctx, projectID); err != nil {
		return nil, nil, fmt.Errorf("stage prepare environment: %w", err)
	}

	var env *store.Environment
	var job *store.Job
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		env, err = store.EnvironmentsTx(tx).Create(ctx, projectID, provider)
		if err != nil {
			return err
		}
		job, err = store.JobsTx(tx).Insert(ctx, store.JobPrepareEnvironment,
			store.EnvironmentPayload{EnvironmentID: env.ID, ClaimAfterPrepare: claimAfterPrepare},
			dedupeKey("prepare_environment", "env", env.ID))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.bus.Notify()
	return env, job, nil
}

// TaskCreate atomically claims a pooled environment (or prepares a
// fresh one), inserts the task against it, and enqueues the
// corresponding follow-up job.
func (s *Staging) TaskCreate(ctx context.Context, projectID, taskProvider, envProvider, description string) (*store.Task, *store.Environment, *store.Job, error) {
	if _, err := s.store.Projects().Get(ctx, projectID); err != nil {
		return nil, nil, nil, fmt.Errorf("stage task create: %w", err)
	}

	var task *store.Task
	var env *store.Environment
	var job *store.Job
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		envRepo := store.EnvironmentsTx(tx)

		claimed, err := envRepo.ClaimOldestPooled(ctx, envProvider, projectID)
		if err != nil {
			return err
		}

		var jobType store.JobType
		var dedupe *string
		if claimed != nil {
			env = claimed
			jobType = store.JobClaimEnvironment
			dedupe = dedupeKey("claim_environment", "env", env.ID)
		} else {
			env, err = envRepo.Create(ctx, projectID, envProvider)
			if err != nil {
				return err
			}
			jobType = store.JobPrepareEnvironment
			dedupe = dedupeKey("prepare_environment", "env", env.ID)
		}

		task, err = store.TasksTx(tx).Create(ctx, projectID, env.ID, taskProvider, description)
		if err != nil {
			return err
		}

		job, err = store.JobsTx(tx).Insert(ctx, jobType,
			store.EnvironmentPayload{EnvironmentID: env.ID, TaskID: task.ID}, dedupe)
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	s.bus.Notify()
	return task, env, job, nil
}

// UpdateEnvironment enqueues update_environment for a pooled
// environment, failing ErrInvalidState if it is not currently pool.
func (s *Staging) UpdateEnvironment(ctx context.Context, envID string) (*store.Job, error) {
	env, err := s.store.Environments().Get(ctx, envID)
	if err != nil {
		return nil, fmt.Errorf("stage update environment: %w", err)
	}
	if env.Status != store.EnvironmentPool {
		return nil, fmt.Errorf("stage update environment %q: %w", envID, store.ErrInvalidState)
	}

	var job *store.Job
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = store.JobsTx(tx).Insert(ctx, store.JobUpdateEnvironment,
			store.EnvironmentPayload{EnvironmentID: envID}, dedupeKey("update_environment", "env", envID))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.bus.Notify()
	return job, nil
}

// ClaimEnvironment transitions envID from pool to in_use and enqueues
// claim_environment, failing ErrInvalidState otherwise.
func (s *Staging) ClaimEnvironment(ctx context.Context, envID string) (*store.Job, error) {
	var job *store.Job
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := store.EnvironmentsTx(tx).UpdateStatusIf(ctx, envID, store.EnvironmentPool, store.EnvironmentInUse)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("stage claim environment %q: %w", envID, store.ErrInvalidState)
		}
		job, err = store.JobsTx(tx).Insert(ctx, store.JobClaimEnvironment,
			store.EnvironmentPayload{EnvironmentID: envID}, dedupeKey("claim_environment", "env", envID))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.bus.Notify()
	return job, nil
}

// ClaimNextEnvironment picks the oldest pooled environment matching
// provider/projectID and claims it, or returns (nil, nil, nil) if none
// match.
func (s *Staging) ClaimNextEnvironment(ctx context.Context, provider, projectID string) (*store.Environment, *store.Job, error) {
	var env *store.Environment
	var job *store.Job
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		envRepo := store.EnvironmentsTx(tx)
		claimed, err := envRepo.ClaimOldestPooled(ctx, provider, projectID)
		if err != nil {
			return err
		}
		if claimed == nil {
			return nil
		}
		env = claimed
		job, err = store.JobsTx(tx).Insert(ctx, store.JobClaimEnvironment,
			store.EnvironmentPayload{EnvironmentID: env.ID}, dedupeKey("claim_environment", "env", env.ID))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if env == nil {
		return nil, nil, nil
	}
	s.bus.Notify()
	return env, job, nil
}

// RemoveEnvironment refuses with ErrConflict if any task references
// envID, otherwise marks it removing and enqueues remove_environment.
func (s *Staging) RemoveEnvironment(ctx context.Context, envID string) (*store.Job, error) {
	var job *store.Job
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		envRepo := store.EnvironmentsTx(tx)

		env, err := envRepo.Get(ctx, envID)
		if err != nil {
			return err
		}
		n, err := countTasksReferencingTx(ctx, tx, envID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("remove environment %q: %w", envID, store.ErrConflict)
		}
		if env.Status == store.EnvironmentRemoving {
			return fmt.Errorf("remove environment %q: already removing: %w", envID, store.ErrInvalidState)
		}
		if err := envRepo.UpdateStatus(ctx, envID, store.EnvironmentRemoving); err != nil {
			return err
		}
		job, err = store.JobsTx(tx).Insert(ctx, store.JobRemoveEnvironment,
			store.EnvironmentPayload{EnvironmentID: envID}, dedupeKey("remove_environment", "env", envID))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.bus.Notify()
	return job, nil
}

// RemoveTask marks the paired environment removing (if not already)
// and enqueues remove_task.
func (s *Staging) RemoveTask(ctx context.Context, taskID string) (*store.Job, error) {
	var job *store.Job
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		task, err := store.TasksTx(tx).Get(ctx, taskID)
		if err != nil {
			return err
		}
		envRepo := store.EnvironmentsTx(tx)
		env, err := envRepo.Get(ctx, task.EnvironmentID)
		if err == nil && env.Status != store.EnvironmentRemoving {
			if err := envRepo.UpdateStatus(ctx, task.EnvironmentID, store.EnvironmentRemoving); err != nil {
				return err
			}
		}
		job, err = store.JobsTx(tx).Insert(ctx, store.JobRemoveTask,
			store.TaskPayload{TaskID: taskID, EnvironmentID: task.EnvironmentID},
			dedupeKey("remove_task", "task", taskID))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.bus.Notify()
	return job, nil
}

// ForceDeleteEnvironment deletes an environment row directly without
// enqueuing provider cleanup — an escape hatch for clients that opt out
// of provider-side teardown.
func (s *Staging) ForceDeleteEnvironment(ctx context.Context, envID string) error {
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.EnvironmentsTx(tx).Delete(ctx, envID)
	})
	if err != nil {
		return err
	}
	s.bus.Notify()
	return nil
}

// ForceDeleteTask deletes a task row and its paired environment row
// directly, in one transaction, without enqueuing provider cleanup.
func (s *Staging) ForceDeleteTask(ctx context.Context, taskID string) error {
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		task, err := store.TasksTx(tx).Get(ctx, taskID)
		if err != nil {
			return err
		}
		if err := store.TasksTx(tx).Delete(ctx, taskID); err != nil {
			return err
		}
		return store.EnvironmentsTx(tx).Delete(ctx, task.EnvironmentID)
	})
	if err != nil {
		return err
	}
	s.bus.Notify()
	return nil
}

func countTasksReferencingTx(ctx context.Context, tx *sql.Tx, envID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(1) FROM tasks WHERE environment_id = ?`, envID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks referencing environment: %w", err)
	}
	return n, nil
}
