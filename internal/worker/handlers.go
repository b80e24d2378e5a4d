package worker

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/orbitwork/workd/internal/provider"
	"github.com/orbitwork/workd/internal/store"
)

func decodePayload(job *store.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("worker: decode %s payload: %w", job.Type, err)
	}
	return nil
}

func decodeMetadata(raw json.RawMessage) provider.Metadata {
	if len(raw) == 0 {
		return provider.Metadata{}
	}
	var m provider.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return provider.Metadata{}
	}
	return m
}

// dispatch routes job to its handler by job type.
func (p *Pool) dispatch(ctx context.Context, job *store.Job) error {
	switch job.Type {
	case store.JobPrepareEnvironment:
		return p.handlePrepareEnvironment(ctx, job)
	case store.JobUpdateEnvironment:
		return p.handleUpdateEnvironment(ctx, job)
	case store.JobClaimEnvironment:
		return p.handleClaimEnvironment(ctx, job)
	case store.JobRemoveEnvironment:
		return p.handleRemoveEnvironment(ctx, job)
	case store.JobRemoveTask:
		return p.handleRemoveTask(ctx, job)
	case store.JobRunTask:
		return p.handleRunTask(ctx, job)
	default:
		return fmt.Errorf("worker: unknown job type %q", job.Type)
	}
}

// handlePrepareEnvironment runs a preparing environment's provider
// prepare step, optionally claiming it immediately afterward, and
// enqueues run_task if a task was named.
func (p *Pool) handlePrepareEnvironment(ctx context.Context, job *store.Job) error {
	var payload store.EnvironmentPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}

	env, err := p.store.Environments().Get(ctx, payload.EnvironmentID)
	if err != nil {
		return err
	}
	if env.Status == store.EnvironmentPool || env.Status == store.EnvironmentInUse {
		return nil // idempotent replay
	}
	if env.Status != store.EnvironmentPreparing {
		return fmt.Errorf("prepare_environment: environment %q not preparing: %w", env.ID, store.ErrInvalidState)
	}

	proj, err := p.store.Projects().Get(ctx, env.ProjectID)
	if err != nil {
		return err
	}
	prov, err := p.registry.Resolve(env.Provider)
	if err != nil {
		return err
	}

	metadata, err := prov.Prepare(ctx, proj.Path, env.ID, p.sink)
	if err != nil {
		return fmt.Errorf("prepare_environment: provider prepare: %w", err)
	}

	finalStatus := store.EnvironmentPool
	if payload.ClaimAfterPrepare || payload.TaskID != "" {
		metadata, err = prov.Claim(ctx, metadata, p.sink)
		if err != nil {
			return fmt.Errorf("prepare_environment: provider claim: %w", err)
		}
		finalStatus = store.EnvironmentInUse
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("prepare_environment: marshal metadata: %w", err)
	}

	return p.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.EnvironmentsTx(tx).CompletePreparing(ctx, env.ID, finalStatus, metaJSON); err != nil {
			return err
		}
		if payload.TaskID == "" {
			return nil
		}
		_, err := store.JobsTx(tx).Insert(ctx, store.JobRunTask,
			store.TaskPayload{TaskID: payload.TaskID, EnvironmentID: env.ID},
			runTaskDedupe(payload.TaskID))
		return err
	})
}

// handleUpdateEnvironment refreshes a pooled environment's metadata via
// its provider; a missing or non-pooled environment is a silent no-op.
func (p *Pool) handleUpdateEnvironment(ctx context.Context, job *store.Job) error {
	var payload store.EnvironmentPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}

	env, err := p.store.Environments().Get(ctx, payload.EnvironmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if env.Status != store.EnvironmentPool {
		return nil
	}

	prov, err := p.registry.Resolve(env.Provider)
	if err != nil {
		return err
	}
	metadata, err := prov.Update(ctx, decodeMetadata(env.Metadata), p.sink)
	if err != nil {
		return fmt.Errorf("update_environment: provider update: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("update_environment: marshal metadata: %w", err)
	}
	return p.store.Environments().UpdateMetadata(ctx, env.ID, metaJSON)
}

// handleClaimEnvironment runs the provider's claim step against an
// in_use environment and enqueues run_task if a task was named and is
// still pending.
func (p *Pool) handleClaimEnvironment(ctx context.Context, job *store.Job) error {
	var payload store.EnvironmentPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}

	env, err := p.store.Environments().Get(ctx, payload.EnvironmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if env.Status != store.EnvironmentInUse {
		if payload.TaskID == "" {
			return nil
		}
		return fmt.Errorf("claim_environment: environment %q not in_use: %w", env.ID, store.ErrInvalidState)
	}

	prov, err := p.registry.Resolve(env.Provider)
	if err != nil {
		return err
	}
	metadata, err := prov.Claim(ctx, decodeMetadata(env.Metadata), p.sink)
	if err != nil {
		return fmt.Errorf("claim_environment: provider claim: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("claim_environment: marshal metadata: %w", err)
	}
	if err := p.store.Environments().UpdateMetadata(ctx, env.ID, metaJSON); err != nil {
		return err
	}

	if payload.TaskID == "" {
		return nil
	}
	task, err := p.store.Tasks().Get(ctx, payload.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status != store.TaskPending {
		return nil
	}
	_, err = p.store.Jobs().Insert(ctx, store.JobRunTask,
		store.TaskPayload{TaskID: task.ID, EnvironmentID: env.ID}, runTaskDedupe(task.ID))
	return err
}

// handleRemoveEnvironment runs the provider's remove step and deletes
// the row; a missing environment is a no-op success.
func (p *Pool) handleRemoveEnvironment(ctx context.Context, job *store.Job) error {
	var payload store.EnvironmentPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}

	env, err := p.store.Environments().Get(ctx, payload.EnvironmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	prov, err := p.registry.Resolve(env.Provider)
	if err != nil {
		return err
	}
	if err := prov.Remove(ctx, decodeMetadata(env.Metadata), p.sink); err != nil {
		return fmt.Errorf("remove_environment: provider remove: %w", err)
	}
	return p.store.Environments().Delete(ctx, env.ID)
}

// handleRemoveTask tears down the paired environment via its provider
// if it still exists, then deletes both rows in one transaction and
// removes the task's log file.
func (p *Pool) handleRemoveTask(ctx context.Context, job *store.Job) error {
	var payload store.TaskPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}

	env, err := p.store.Environments().Get(ctx, payload.EnvironmentID)
	if err == nil {
		prov, rerr := p.registry.Resolve(env.Provider)
		if rerr != nil {
			return rerr
		}
		if err := prov.Remove(ctx, decodeMetadata(env.Metadata), p.sink); err != nil {
			return fmt.Errorf("remove_task: provider remove: %w", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.TasksTx(tx).Delete(ctx, payload.TaskID); err != nil {
			return err
		}
		return store.EnvironmentsTx(tx).Delete(ctx, payload.EnvironmentID)
	}); err != nil {
		return err
	}

	_ = os.Remove(p.taskLogPath(payload.TaskID))
	return nil
}

// handleRunTask runs the task's process to completion. Errors returned
// here are failures before the process runs, a failure to launch it
// included, and are subject to the retry policy; the task's own
// complete/failed outcome is recorded directly once the process has
// actually run, from its exit status.
func (p *Pool) handleRunTask(ctx context.Context, job *store.Job) error {
	var payload store.TaskPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}

	task, err := p.store.Tasks().Get(ctx, payload.TaskID)
	if err != nil {
		return err
	}
	if task.Status == store.TaskStarted {
		return fmt.Errorf("run_task: task %q already started: %w", task.ID, store.ErrInvalidState)
	}

	env, err := p.store.Environments().Get(ctx, payload.EnvironmentID)
	if err != nil {
		return err
	}
	if env.Status != store.EnvironmentInUse {
		return fmt.Errorf("run_task: environment %q not in_use: %w", env.ID, store.ErrInvalidState)
	}

	prov, err := p.registry.Resolve(task.Provider)
	if err != nil {
		return err
	}
	spec, err := prov.Run(ctx, decodeMetadata(env.Metadata), task.Description, nil)
	if err != nil {
		return fmt.Errorf("run_task: provider run: %w", err)
	}

	// Start is recorded only once the process is about to launch, so a
	// retryable failure resolving the provider or building its RunSpec
	// leaves the task pending and eligible for a clean retry instead of
	// permanently wedged behind the "already started" guard above.
	if err := p.store.Tasks().Start(ctx, task.ID); err != nil {
		return err
	}

	exitErr := p.runTaskProcess(ctx, task.ID, spec)
	var exitStatus *exec.ExitError
	if exitErr != nil && !errors.As(exitErr, &exitStatus) {
		// The process never ran: put the task back to pending so the
		// retry is not refused by the "already started" guard.
		if err := p.store.Tasks().UpdateStatus(ctx, task.ID, store.TaskPending); err != nil {
			return err
		}
		return fmt.Errorf("run_task: launch process: %w", exitErr)
	}
	finalStatus := store.TaskComplete
	if exitErr != nil {
		finalStatus = store.TaskFailed
	}
	if err := p.store.Tasks().UpdateStatus(ctx, task.ID, finalStatus); err != nil {
		return err
	}
	return nil
}

// runTaskProcess launches spec, redirecting combined stdout/stderr to
// the task's log file, and returns cmd.Run's error: nil on a zero
// exit, *exec.ExitError on a nonzero one, or a launch failure if the
// process never started. handleRunTask records the first two as the
// task's own outcome and returns the third as a job-level error.
func (p *Pool) runTaskProcess(ctx context.Context, taskID string, spec provider.RunSpec) error {
	logPath := p.taskLogPath(taskID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		p.log.Error("worker: create task log dir", "task_id", taskID, "err", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		p.log.Error("worker: open task log", "task_id", taskID, "err", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	cmd := exec.CommandContext(ctx, spec.Program, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	if len(spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	return cmd.Run()
}

func (p *Pool) taskLogPath(taskID string) string {
	return filepath.Join(p.cfg.TaskLogDir, taskID+".log")
}

func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

// applyTerminalSideEffects writes the environment/task status fallout
// for a terminally-failed job (retry limit exhausted). Failures here
// are logged, not propagated: the job is already terminal.
func (p *Pool) applyTerminalSideEffects(ctx context.Context, job *store.Job) {
	switch job.Type {
	case store.JobPrepareEnvironment, store.JobClaimEnvironment:
		var payload store.EnvironmentPayload
		if decodePayload(job, &payload) != nil {
			return
		}
		p.failEnvironment(ctx, payload.EnvironmentID)
		if payload.TaskID != "" {
			p.failTask(ctx, payload.TaskID)
		}

	case store.JobUpdateEnvironment, store.JobRemoveEnvironment:
		var payload store.EnvironmentPayload
		if decodePayload(job, &payload) != nil {
			return
		}
		p.failEnvironment(ctx, payload.EnvironmentID)

	case store.JobRemoveTask:
		var payload store.TaskPayload
		if decodePayload(job, &payload) != nil {
			return
		}
		p.failEnvironment(ctx, payload.EnvironmentID)
		// Task row is preserved deliberately: a failed teardown should
		// not erase the record of what was being removed.

	case store.JobRunTask:
		var payload store.TaskPayload
		if decodePayload(job, &payload) != nil {
			return
		}
		p.failEnvironment(ctx, payload.EnvironmentID)
		p.failTask(ctx, payload.TaskID)
	}
}

func (p *Pool) failEnvironment(ctx context.Context, envID string) {
	if envID == "" {
		return
	}
	if err := p.store.Environments().UpdateStatus(ctx, envID, store.EnvironmentFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.log.Error("worker: fail environment", "env_id", envID, "err", err)
	}
}

func (p *Pool) failTask(ctx context.Context, taskID string) {
	if taskID == "" {
		return
	}
	if err := p.store.Tasks().UpdateStatus(ctx, taskID, store.TaskFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.log.Error("worker: fail task", "task_id", taskID, "err", err)
	}
}

func runTaskDedupe(taskID string) *string {
	key := "run_task:task:" + taskID
	return &key
}
