package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bridgemq/bridgemq/internal/job"
	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/logger"
	"github.com/bridgemq/bridgemq/internal/metrics"
	"github.com/bridgemq/bridgemq/internal/repo"
	"github.com/bridgemq/bridgemq/internal/retrypolicy"
	"github.com/bridgemq/bridgemq/internal/server"
	"github.com/bridgemq/bridgemq/internal/store"
)

// PoolConfig controls the claim-execute loop.
type PoolConfig struct {
	// Concurrency is the number of parallel executors.
	Concurrency int
	// PollInterval is the idle sleep between empty claims.
	PollInterval time.Duration
	// ClaimScanLimit bounds candidates the claim script examines per call.
	ClaimScanLimit int
	// StallTimeout mirrors the maintenance sweep setting; the lock renewal
	// cadence is a third of it.
	StallTimeout time.Duration
	// ShutdownGrace bounds how long Stop waits for in-flight handlers.
	ShutdownGrace time.Duration
}

// DefaultPoolConfig returns the worker defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:    5,
		PollInterval:   100 * time.Millisecond,
		ClaimScanLimit: 50,
		StallTimeout:   5 * time.Minute,
		ShutdownGrace:  30 * time.Second,
	}
}

// Pool claims jobs for a registered server and runs them through the handler
// registry.
type Pool struct {
	cfg      PoolConfig
	repo     *repo.Repo
	registry *Registry
	reg      *server.Registration
	log      logger.Logger

	wg      sync.WaitGroup
	stopped chan struct{}
}

// NewPool wires a pool to a repository, a handler registry and a registered
// server whose identity drives routing.
func NewPool(cfg PoolConfig, r *repo.Repo, registry *Registry, reg *server.Registration) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 5 * time.Minute
	}
	return &Pool{
		cfg:      cfg,
		repo:     r,
		registry: registry,
		reg:      reg,
		log: logger.Default().WithComponent(logger.ComponentWorker).
			WithFields(map[string]interface{}{"server_id": reg.ServerID()}),
		stopped: make(chan struct{}),
	}
}

// Run starts the executors and blocks until ctx is cancelled and all
// in-flight handlers finish or the shutdown grace expires.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("Worker pool starting",
		"concurrency", p.cfg.Concurrency, "types", p.registry.Types())

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.executor(ctx)
	}

	<-ctx.Done()
	p.log.Info("Worker pool draining", "grace", p.cfg.ShutdownGrace)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("Worker pool stopped")
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn("Shutdown grace expired with handlers still running")
	}
	close(p.stopped)
}

// Stopped is closed once Run has returned.
func (p *Pool) Stopped() <-chan struct{} { return p.stopped }

func (p *Pool) executor(ctx context.Context) {
	defer p.wg.Done()

	id := p.reg.Identity()
	claim := store.ClaimArgs{
		ServerID:     id.ServerID,
		Stack:        id.Stack,
		Region:       id.Region,
		Capabilities: id.Capabilities,
		ScanLimit:    p.cfg.ClaimScanLimit,
	}
	meshes := id.MeshIDs
	next := 0
	errBackoff := p.cfg.PollInterval

	for {
		if ctx.Err() != nil {
			return
		}

		claim.MeshID = meshes[next%len(meshes)]
		next++

		jobID, err := p.repo.ClaimJob(ctx, claim)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("Claim failed", "mesh", claim.MeshID, "error", err)
			// store trouble: back off up to 5s instead of hammering
			if !sleep(ctx, errBackoff) {
				return
			}
			if errBackoff < 5*time.Second {
				errBackoff *= 2
			}
			continue
		}
		errBackoff = p.cfg.PollInterval

		if jobID == "" {
			if next%len(meshes) == 0 {
				// all meshes empty this round
				if !sleep(ctx, p.cfg.PollInterval) {
					return
				}
			}
			continue
		}

		p.execute(ctx, jobID)
	}
}

// execute runs one claimed job to a terminal script call. The job is owned
// by this server from claim to finalize; a crash between the two is what the
// stall sweep exists for.
func (p *Pool) execute(ctx context.Context, jobID string) {
	serverID := p.reg.ServerID()
	jctx := context.WithValue(ctx, logger.CtxJobID, jobID)
	jctx = context.WithValue(jctx, logger.CtxWorkerID, serverID)

	j, err := p.repo.GetJob(jctx, jobID)
	if err != nil {
		p.log.ErrorContext(jctx, "Claimed job unreadable", "error", err)
		_, _ = p.repo.RetryJob(jctx, jobID, serverID, joberr.From(err))
		return
	}

	handler, ok := p.registry.Get(j.Type)
	if !ok {
		// a misrouted claim; hand the job back for a worker that has the type
		p.log.WarnContext(jctx, "No handler registered", "type", j.Type)
		_, _ = p.repo.RetryJob(jctx, jobID, serverID,
			joberr.Newf(joberr.CodeHandlerMissing, "no handler for type %q", j.Type))
		return
	}

	renewCtx, stopRenew := context.WithCancel(jctx)
	go p.renewLoop(renewCtx, serverID, jobID)

	started := time.Now()
	outcome := p.invoke(jctx, handler, j)
	stopRenew()
	elapsed := time.Since(started)

	switch outcome.Kind {
	case KindSuccess:
		res, err := p.repo.CompleteJob(jctx, jobID, serverID, job.StatusCompleted, outcome.Result)
		if err != nil {
			p.log.ErrorContext(jctx, "Finalize failed", "error", err)
			return
		}
		metrics.Get().RecordCompleted(j.Type, elapsed)
		p.log.InfoContext(jctx, "Job completed",
			"type", j.Type, "attempt", j.Attempt+1, "duration_ms", elapsed.Milliseconds())
		if len(res.Triggered) > 0 {
			p.log.DebugContext(jctx, "Dependents promoted", "triggered", res.Triggered)
		}

	case KindRetry:
		// non-retryable error classes fail terminally without a DLQ entry;
		// budget and enabled checks stay in the retry script, which owns the
		// DLQ move
		if !retrypolicy.Eligible(outcome.Err) {
			p.fail(jctx, j, serverID, outcome.Err, elapsed)
			return
		}
		outcome.Err.Attempt = j.Attempt + 1
		res, err := p.repo.RetryJob(jctx, jobID, serverID, outcome.Err)
		if err != nil {
			p.log.ErrorContext(jctx, "Retry record failed", "error", err)
			return
		}
		metrics.Get().RecordRetry(j.Type)
		if res.WillRetry {
			p.log.WarnContext(jctx, "Job will retry",
				"type", j.Type, "attempt", res.Attempt, "delay_ms", res.DelayMs, "error", outcome.Err)
		} else {
			metrics.Get().RecordFailed(j.Type)
			p.log.ErrorContext(jctx, "Job dead-lettered",
				"type", j.Type, "attempt", res.Attempt, "error", outcome.Err)
		}

	case KindFail:
		p.fail(jctx, j, serverID, outcome.Err, elapsed)
	}
}

// fail finalizes as failed, recording the error in the job history first.
func (p *Pool) fail(ctx context.Context, j *job.Job, serverID string, cause *joberr.Error, elapsed time.Duration) {
	if cause != nil {
		cause.Attempt = j.Attempt + 1
		if err := p.repo.AppendError(ctx, j.ID, cause); err != nil {
			p.log.WarnContext(ctx, "Error history write failed", "error", err)
		}
	}
	if _, err := p.repo.CompleteJob(ctx, j.ID, serverID, job.StatusFailed, nil); err != nil {
		p.log.ErrorContext(ctx, "Finalize failed", "error", err)
		return
	}
	metrics.Get().RecordFailed(j.Type)
	p.log.ErrorContext(ctx, "Job failed terminally",
		"type", j.Type, "attempt", j.Attempt+1, "duration_ms", elapsed.Milliseconds(), "error", cause)
}

// invoke runs the handler with panic containment. The recover call has to
// live in this deferred closure itself; one call frame lower and it would
// return nil and let the panic take the process down.
func (p *Pool) invoke(ctx context.Context, handler HandlerFunc, j *job.Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			perr := joberr.FromPanic(r)
			var pe *joberr.PanicError
			if errors.As(perr, &pe) {
				p.log.ErrorContext(ctx, "Handler panicked",
					"type", j.Type, "panic", joberr.FormatPanicForLog(pe))
			}
			out = Outcome{Kind: KindRetry, Err: perr}
		}
	}()
	jc := &JobContext{
		Job:  j,
		Log:  p.log.WithSource(logger.LogSourceJob),
		repo: p.repo,
	}
	return handler(ctx, jc)
}

// renewLoop refreshes the claim lock while the handler runs so the stall
// sweep does not reclaim a healthy long-running job.
func (p *Pool) renewLoop(ctx context.Context, serverID, jobID string) {
	interval := p.cfg.StallTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.repo.RenewLock(ctx, serverID, jobID); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.WarnContext(ctx, "Lock renewal failed", "error", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
