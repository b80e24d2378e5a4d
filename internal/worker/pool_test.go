package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/orbitwork/workd/internal/eventbus"
	"github.com/orbitwork/workd/internal/logsink"
	"github.com/orbitwork/workd/internal/provider"
	"github.com/orbitwork/workd/internal/store"
)

const fakeScriptBody = `#!/bin/sh
case "$1" in
  prepare) cat <<'EOF'
{"metadata":{"path":"/tmp/fake-env"}}
EOF
  ;;
  claim) cat <<'EOF'
{"metadata":{"path":"/tmp/fake-env","claimed":true}}
EOF
  ;;
  remove) exit 0 ;;
  *) exit 1 ;;
esac
`

func writeFakeScript(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake provider requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-provider.sh")
	if err := os.WriteFile(path, []byte(fakeScriptBody), 0o755); err != nil {
		t.Fatalf("write fake script error = %v", err)
	}
	return path
}

func newTestPool(t *testing.T) (*Pool, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "workd-test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	scriptPath := writeFakeScript(t)
	registry := provider.NewRegistry(map[string]provider.Config{
		"fake-script": {Type: "script", Path: scriptPath},
	})
	bus := eventbus.New()
	sink := logsink.New(filepath.Join(t.TempDir(), "environments"), nil)
	t.Cleanup(func() { _ = sink.Close() })

	cfg := DefaultConfig()
	cfg.TaskLogDir = filepath.Join(t.TempDir(), "tasks")

	return New(s, registry, bus, sink, cfg, nil), s
}

func TestHandlePrepareEnvironmentCompletesToPool(t *testing.T) {
	p, s := newTestPool(t)
	ctx := context.Background()

	proj, err := s.Projects().Create(ctx, "demo", "/tmp/demo")
	if err != nil {
		t.Fatalf("create project error = %v", err)
	}
	env, err := s.Environments().Create(ctx, proj.ID, "fake-script")
	if err != nil {
		t.Fatalf("create environment error = %v", err)
	}
	job, err := s.Jobs().Insert(ctx, store.JobPrepareEnvironment, store.EnvironmentPayload{EnvironmentID: env.ID}, nil)
	if err != nil {
		t.Fatalf("insert job error = %v", err)
	}

	if err := p.dispatch(ctx, job); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}

	got, err := s.Environments().Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != store.EnvironmentPool {
		t.Fatalf("status = %s, want pool", got.Status)
	}
	if len(got.Metadata) == 0 {
		t.Fatal("expected metadata to be populated from provider prepare")
	}
}

func TestHandlePrepareEnvironmentIdempotentReplay(t *testing.T) {
	p, s := newTestPool(t)
	ctx := context.Background()

	proj, _ := s.Projects().Create(ctx, "demo", "/tmp/demo")
	env, _ := s.Environments().Create(ctx, proj.ID, "fake-script")
	if err := s.Environments().CompletePreparing(ctx, env.ID, store.EnvironmentPool, nil); err != nil {
		t.Fatalf("CompletePreparing() error = %v", err)
	}
	job, err := s.Jobs().Insert(ctx, store.JobPrepareEnvironment, store.EnvironmentPayload{EnvironmentID: env.ID}, nil)
	if err != nil {
		t.Fatalf("insert job error = %v", err)
	}

	if err := p.dispatch(ctx, job); err != nil {
		t.Fatalf("dispatch() on already-pool environment error = %v, want nil (idempotent)", err)
	}
}

func TestHandlePrepareEnvironmentWithTaskClaimsAndEnqueuesRunTask(t *testing.T) {
	p, s := newTestPool(t)
	ctx := context.Background()

	proj, _ := s.Projects().Create(ctx, "demo", "/tmp/demo")
	env, _ := s.Environments().Create(ctx, proj.ID, "fake-script")
	task, err := s.Tasks().Create(ctx, proj.ID, env.ID, "fake-script", "do the thing")
	if err != nil {
		t.Fatalf("create task error = %v", err)
	}
	job, err := s.Jobs().Insert(ctx, store.JobPrepareEnvironment,
		store.EnvironmentPayload{EnvironmentID: env.ID, TaskID: task.ID}, nil)
	if err != nil {
		t.Fatalf("insert job error = %v", err)
	}

	if err := p.dispatch(ctx, job); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}

	gotEnv, err := s.Environments().Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotEnv.Status != store.EnvironmentInUse {
		t.Fatalf("status = %s, want in_use", gotEnv.Status)
	}

	countRunTaskJobs := func() int {
		var n int
		if err := s.SQL().QueryRowContext(ctx, `SELECT count(1) FROM jobs WHERE type = ?`, string(store.JobRunTask)).Scan(&n); err != nil {
			t.Fatalf("count run_task jobs error = %v", err)
		}
		return n
	}
	if n := countRunTaskJobs(); n != 1 {
		t.Fatalf("run_task jobs after dispatch = %d, want 1", n)
	}

	runJob, err := s.Jobs().Insert(ctx, store.JobRunTask, store.TaskPayload{TaskID: task.ID, EnvironmentID: env.ID}, runTaskDedupe(task.ID))
	if err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if runJob.Status != store.JobPending {
		t.Fatalf("expected the dedupe lookup to return the already-enqueued pending run_task job, got status = %s", runJob.Status)
	}
	if n := countRunTaskJobs(); n != 1 {
		t.Fatalf("run_task jobs after second insert = %d, want 1 (dedupe should return the enqueued job)", n)
	}
}

func TestHandleRemoveEnvironmentDeletesRow(t *testing.T) {
	p, s := newTestPool(t)
	ctx := context.Background()

	proj, _ := s.Projects().Create(ctx, "demo", "/tmp/demo")
	env, _ := s.Environments().Create(ctx, proj.ID, "fake-script")
	if err := s.Environments().CompletePreparing(ctx, env.ID, store.EnvironmentPool, nil); err != nil {
		t.Fatalf("CompletePreparing() error = %v", err)
	}
	job, err := s.Jobs().Insert(ctx, store.JobRemoveEnvironment, store.EnvironmentPayload{EnvironmentID: env.ID}, nil)
	if err != nil {
		t.Fatalf("insert job error = %v", err)
	}

	if err := p.dispatch(ctx, job); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
	if _, err := s.Environments().Get(ctx, env.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get() after remove error = %v, want ErrNotFound", err)
	}
}

func TestHandleRemoveEnvironmentMissingIsSuccess(t *testing.T) {
	p, s := newTestPool(t)
	ctx := context.Background()
	job, err := s.Jobs().Insert(ctx, store.JobRemoveEnvironment, store.EnvironmentPayload{EnvironmentID: "ghost"}, nil)
	if err != nil {
		t.Fatalf("insert job error = %v", err)
	}
	if err := p.dispatch(ctx, job); err != nil {
		t.Fatalf("dispatch() on missing environment error = %v, want nil", err)
	}
}

func TestApplyTerminalSideEffectsRunTaskFailsBothRows(t *testing.T) {
	p, s := newTestPool(t)
	ctx := context.Background()

	proj, _ := s.Projects().Create(ctx, "demo", "/tmp/demo")
	env, _ := s.Environments().Create(ctx, proj.ID, "fake-script")
	task, _ := s.Tasks().Create(ctx, proj.ID, env.ID, "fake-script", "x")

	job, err := s.Jobs().Insert(ctx, store.JobRunTask, store.TaskPayload{TaskID: task.ID, EnvironmentID: env.ID}, nil)
	if err != nil {
		t.Fatalf("insert job error = %v", err)
	}

	p.applyTerminalSideEffects(ctx, job)

	gotEnv, err := s.Environments().Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotEnv.Status != store.EnvironmentFailed {
		t.Fatalf("env status = %s, want failed", gotEnv.Status)
	}
	gotTask, err := s.Tasks().Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotTask.Status != store.TaskFailed {
		t.Fatalf("task status = %s, want failed", gotTask.Status)
	}
}

func TestApplyTerminalSideEffectsRemoveTaskPreservesTaskRow(t *testing.T) {
	p, s := newTestPool(t)
	ctx := context.Background()

	proj, _ := s.Projects().Create(ctx, "demo", "/tmp/demo")
	env, _ := s.Environments().Create(ctx, proj.ID, "fake-script")
	task, _ := s.Tasks().Create(ctx, proj.ID, env.ID, "fake-script", "x")

	job, err := s.Jobs().Insert(ctx, store.JobRemoveTask, store.TaskPayload{TaskID: task.ID, EnvironmentID: env.ID}, nil)
	if err != nil {
		t.Fatalf("insert job error = %v", err)
	}

	p.applyTerminalSideEffects(ctx, job)

	gotEnv, err := s.Environments().Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotEnv.Status != store.EnvironmentFailed {
		t.Fatalf("env status = %s, want failed", gotEnv.Status)
	}
	if _, err := s.Tasks().Get(ctx, task.ID); err != nil {
		t.Fatalf("task row should survive remove_task terminal failure, Get() error = %v", err)
	}
}

// TestRunTaskSurvivesPollLoopCancellation covers the shutdown race: a
// run_task handler already dispatched when Run's ctx is canceled must
// still run its subprocess to completion rather than having it killed
// mid-attempt.
func TestRunTaskSurvivesPollLoopCancellation(t *testing.T) {
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "workd-test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	registry := provider.NewRegistry(map[string]provider.Config{
		"slow-command": {Type: "command", Command: "sh", Args: []string{"-c", "sleep 0.3 && echo finished"}},
	})
	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)
	sink := logsink.New(filepath.Join(t.TempDir(), "environments"), nil)
	t.Cleanup(func() { _ = sink.Close() })

	cfg := DefaultConfig()
	cfg.TaskLogDir = filepath.Join(t.TempDir(), "tasks")
	cfg.PollInterval = 5 * time.Millisecond
	p := New(s, registry, bus, sink, cfg, nil)

	ctx := context.Background()
	proj, err := s.Projects().Create(ctx, "demo", "/tmp/demo")
	if err != nil {
		t.Fatalf("create project error = %v", err)
	}
	env, err := s.Environments().Create(ctx, proj.ID, "slow-command")
	if err != nil {
		t.Fatalf("create environment error = %v", err)
	}
	if err := s.Environments().UpdateStatus(ctx, env.ID, store.EnvironmentInUse); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	task, err := s.Tasks().Create(ctx, proj.ID, env.ID, "slow-command", "x")
	if err != nil {
		t.Fatalf("create task error = %v", err)
	}
	if _, err := s.Jobs().Insert(ctx, store.JobRunTask, store.TaskPayload{TaskID: task.ID, EnvironmentID: env.ID}, nil); err != nil {
		t.Fatalf("insert job error = %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(runCtx)
	}()

	// Give the poll loop time to claim and dispatch the job, then cancel
	// while the subprocess is still sleeping.
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after ctx cancellation and in-flight job completion")
	}

	gotTask, err := s.Tasks().Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotTask.Status != store.TaskComplete {
		t.Fatalf("task status = %s, want complete (subprocess must not be killed by shutdown)", gotTask.Status)
	}
}

func TestHeartbeatStopsWhenLeaseNoLongerOwned(t *testing.T) {
	p, s := newTestPool(t)
	p.cfg.RenewInterval = 5 * time.Millisecond
	ctx := context.Background()

	job, err := s.Jobs().Insert(ctx, store.JobPrepareEnvironment, store.EnvironmentPayload{EnvironmentID: "env-1"}, nil)
	if err != nil {
		t.Fatalf("insert job error = %v", err)
	}
	// Never claimed, so it is still pending: RefreshLease requires
	// status = running and will never flip a row, so the heartbeat
	// should return quickly instead of looping forever.
	done := make(chan struct{})
	go func() {
		p.heartbeat(ctx, job.ID)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat() did not exit after failing to refresh an unowned lease")
	}
}
