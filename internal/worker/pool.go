// Package worker implements the claim/lease/retry job loop: a poller
// claims due jobs in small batches, dispatches each to a per-type
// handler under a bounded concurrency semaphore, and resolves
// success/retry/terminal-failure outcomes against the job queue,
// applying the appropriate side effects on terminal failure.
//
// The shape is a pull loop that batches claims, a pool of in-flight
// handler goroutines bounded by a weighted semaphore, and a
// lease-heartbeat goroutine that periodically extends a claim while
// its handler runs.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/orbitwork/workd/internal/eventbus"
	"github.com/orbitwork/workd/internal/logsink"
	"github.com/orbitwork/workd/internal/provider"
	"github.com/orbitwork/workd/internal/store"
)

// Pool drives job claiming and dispatch. Construct with New and run
// with Run; Run blocks until ctx is canceled and every in-flight
// handler has finished.
type Pool struct {
	store    *store.Store
	registry *provider.Registry
	bus      *eventbus.Bus
	sink     *logsink.Sink
	cfg      Config
	log      *slog.Logger

	sem     *semaphore.Weighted
	running atomic.Int64
	wg      sync.WaitGroup
}

func New(s *store.Store, registry *provider.Registry, bus *eventbus.Bus, sink *logsink.Sink, cfg Config, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		store:    s,
		registry: registry,
		bus:      bus,
		sink:     sink,
		cfg:      cfg,
		log:      log,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Run polls for claimable jobs every PollInterval until ctx is
// canceled, then waits for in-flight handlers to drain before
// returning. Claiming stops immediately on cancellation; handlers that
// are already running are allowed to finish their current attempt.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Pool) pollOnce(ctx context.Context) {
	available := p.cfg.MaxConcurrent - int(p.running.Load())
	if available <= 0 {
		return
	}
	limit := available
	if limit > p.cfg.BatchSize {
		limit = p.cfg.BatchSize
	}

	jobs, err := p.store.Jobs().ClaimBatch(ctx, limit, p.cfg.LeaseSeconds)
	if err != nil {
		p.log.Error("worker: claim batch", "err", err)
		return
	}

	// Once a job is claimed it runs to completion even if ctx is
	// canceled for shutdown: execute gets an uncancelable context so an
	// in-flight provider subprocess isn't killed mid-attempt. Only the
	// semaphore acquire below (bounding how many new jobs may start) and
	// ClaimBatch above (bounding polling) observe ctx's cancellation.
	runCtx := context.WithoutCancel(ctx)
	for _, j := range jobs {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		p.running.Add(1)
		p.wg.Add(1)
		go func(job *store.Job) {
			defer func() {
				p.sem.Release(1)
				p.running.Add(-1)
				p.wg.Done()
			}()
			p.execute(runCtx, job)
		}(j)
	}
}

// execute runs one claimed job end to end: start log, lease heartbeat,
// dispatch, then resolve the outcome against the job queue.
func (p *Pool) execute(ctx context.Context, job *store.Job) {
	envID := envIDForLog(job)
	p.sink.Phase(envID, string(job.Type), job.Attempt, "start")

	hbCtx, cancelHB := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		p.heartbeat(hbCtx, job.ID)
	}()

	err := p.dispatch(ctx, job)
	cancelHB()
	hbWG.Wait()

	switch {
	case err == nil:
		if e := p.store.Jobs().MarkComplete(ctx, job.ID); e != nil {
			p.log.Error("worker: mark job complete", "job_id", job.ID, "err", e)
		}
		p.sink.Phase(envID, string(job.Type), job.Attempt, "complete")

	case job.Attempt <= p.cfg.RetryLimit:
		delay := backoffSeconds(job.Attempt)
		if e := p.store.Jobs().Requeue(ctx, job.ID, err.Error(), delay); e != nil {
			p.log.Error("worker: requeue job", "job_id", job.ID, "err", e)
		}
		p.sink.Phase(envID, string(job.Type), job.Attempt, "retrying")

	default:
		if e := p.store.Jobs().MarkFailed(ctx, job.ID, err.Error()); e != nil {
			p.log.Error("worker: mark job failed", "job_id", job.ID, "err", e)
		}
		p.sink.Phase(envID, string(job.Type), job.Attempt, "failed")
		p.applyTerminalSideEffects(ctx, job)
	}

	p.bus.Notify()
}

// heartbeat extends job's lease every RenewInterval until ctx is
// canceled (the handler returned) or the store reports the job is no
// longer running under our claim, in which case it exits quietly: the
// handler still finishes its attempt and its terminal writes are
// advisory at that point.
func (p *Pool) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(p.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.store.Jobs().RefreshLease(ctx, jobID, p.cfg.LeaseSeconds)
			if err != nil {
				p.log.Error("worker: refresh lease", "job_id", jobID, "err", err)
				return
			}
			if !ok {
				return
			}
		}
	}
}

func envIDForLog(job *store.Job) string {
	switch job.Type {
	case store.JobPrepareEnvironment, store.JobUpdateEnvironment, store.JobClaimEnvironment, store.JobRemoveEnvironment:
		var payload store.EnvironmentPayload
		if decodePayload(job, &payload) == nil {
			return payload.EnvironmentID
		}
	case store.JobRemoveTask, store.JobRunTask:
		var payload store.TaskPayload
		if decodePayload(job, &payload) == nil {
			return payload.EnvironmentID
		}
	}
	return ""
}
