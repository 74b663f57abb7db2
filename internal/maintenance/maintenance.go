// Package maintenance runs the broker's background sweeps: delayed-job
// promotion, stall detection and terminal-job cleanup. Every instance of the
// maintenance process can run concurrently; the underlying scripts are
// atomic and promotion/recovery are idempotent.
package maintenance

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bridgemq/bridgemq/internal/job"
	"github.com/bridgemq/bridgemq/internal/logger"
	"github.com/bridgemq/bridgemq/internal/repo"
	"github.com/bridgemq/bridgemq/internal/store"
)

// Config controls the sweep cadences and thresholds.
type Config struct {
	// PromoteInterval is the delayed-promotion cadence.
	PromoteInterval time.Duration
	// PromoteBatch caps promotions per sweep (server caps at 100).
	PromoteBatch int

	// StallInterval is the stall-sweep cadence.
	StallInterval time.Duration
	// StallTimeout is how long an active claim may go unrenewed.
	StallTimeout time.Duration
	// MaxStallCount dead-letters a job after this many stall recoveries.
	MaxStallCount int

	// CleanInterval is the cleanup cadence.
	CleanInterval time.Duration
	// Retention keeps completed and cancelled jobs readable for this long.
	Retention time.Duration
	// FailedRetention keeps failed jobs, and their dead-letter entries, for
	// this long. Failed jobs outlive successful ones so operators can requeue
	// from the DLQ well after the fact.
	FailedRetention time.Duration
	// CleanBatch caps deletions per sweep.
	CleanBatch int
}

// DefaultConfig returns the maintenance defaults.
func DefaultConfig() Config {
	return Config{
		PromoteInterval: time.Second,
		PromoteBatch:    100,
		StallInterval:   30 * time.Second,
		StallTimeout:    5 * time.Minute,
		MaxStallCount:   3,
		CleanInterval:   5 * time.Minute,
		Retention:       24 * time.Hour,
		FailedRetention: 7 * 24 * time.Hour,
		CleanBatch:      500,
	}
}

// Runner drives the sweeps.
type Runner struct {
	cfg  Config
	repo *repo.Repo
	log  logger.Logger
}

// NewRunner creates a maintenance runner.
func NewRunner(cfg Config, r *repo.Repo) *Runner {
	return &Runner{
		cfg:  cfg,
		repo: r,
		log:  logger.Default().WithComponent(logger.ComponentMaintenance),
	}
}

// Run starts all sweeps and blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("Maintenance starting",
		"promote_interval", r.cfg.PromoteInterval,
		"stall_interval", r.cfg.StallInterval,
		"stall_timeout", r.cfg.StallTimeout,
		"clean_interval", r.cfg.CleanInterval,
		"retention", r.cfg.Retention)

	var wg sync.WaitGroup
	loops := []struct {
		interval time.Duration
		tick     func(context.Context)
	}{
		{r.cfg.PromoteInterval, r.promoteTick},
		{r.cfg.StallInterval, r.stallTick},
		{r.cfg.CleanInterval, r.cleanTick},
	}
	for _, l := range loops {
		if l.interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(interval time.Duration, tick func(context.Context)) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					tick(ctx)
				}
			}
		}(l.interval, l.tick)
	}
	wg.Wait()
	r.log.Info("Maintenance stopped")
}

func (r *Runner) promoteTick(ctx context.Context) {
	res, err := r.repo.PromoteDelayed(ctx, r.cfg.PromoteBatch)
	if err != nil {
		r.log.Warn("Delayed promotion failed", "error", err)
		return
	}
	if res.Processed > 0 {
		r.log.Debug("Delayed jobs promoted", "count", res.Processed)
	}
}

func (r *Runner) stallTick(ctx context.Context) {
	res, err := r.repo.DetectStalled(ctx, r.cfg.StallTimeout, r.cfg.MaxStallCount)
	if err != nil {
		r.log.Warn("Stall sweep failed", "error", err)
		return
	}
	if res.Detected > 0 {
		r.log.Info("Stalled jobs handled",
			"detected", res.Detected, "recovered", res.Recovered, "dlq", res.MovedToDLQ)
	}
}

// cleanTick deletes terminal jobs older than their retention window. Jobs
// with a lifecycle TTL expire on their own; this sweep catches the rest.
// Failed jobs use the longer FailedRetention window, and their dead-letter
// entries are removed alongside the job keys so the DLQ never holds ids that
// no longer resolve.
func (r *Runner) cleanTick(ctx context.Context) {
	if r.cfg.Retention <= 0 && r.cfg.FailedRetention <= 0 {
		return
	}
	c := r.repo.Store().Client()
	sch := r.repo.Store().Schema()
	now := store.Now()

	var (
		cursor  uint64
		removed int
	)
	pattern := sch.Namespace() + ":job:*:meta"
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.log.Warn("Cleanup scan failed", "error", err)
			return
		}
		for _, metaKey := range keys {
			if removed >= r.cfg.CleanBatch {
				return
			}
			fields, err := c.HMGet(ctx, metaKey, "id", "status", "completedAt", "meshId").Result()
			if err != nil || len(fields) < 4 || fields[0] == nil {
				continue
			}
			id, _ := fields[0].(string)
			st, _ := fields[1].(string)
			doneRaw, _ := fields[2].(string)
			meshID, _ := fields[3].(string)
			completedAt, _ := strconv.ParseInt(doneRaw, 10, 64)

			status := job.Status(st)
			if !status.Terminal() || completedAt == 0 {
				continue
			}
			retention := r.cfg.Retention
			if status == job.StatusFailed {
				retention = r.cfg.FailedRetention
			}
			if retention <= 0 || completedAt > now-retention.Milliseconds() {
				continue
			}
			if status == job.StatusFailed && meshID != "" {
				if err := c.LRem(ctx, sch.DLQ(meshID), 0, id).Err(); err != nil {
					r.log.Warn("DLQ entry removal failed", "job_id", id, "error", err)
				}
			}
			if err := r.deleteJob(ctx, c, id); err != nil {
				r.log.Warn("Cleanup delete failed", "job_id", id, "error", err)
				continue
			}
			removed++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if removed > 0 {
		r.log.Info("Terminal jobs cleaned", "count", removed)
	}
}

func (r *Runner) deleteJob(ctx context.Context, c *redis.Client, id string) error {
	sch := r.repo.Store().Schema()
	return c.Del(ctx,
		sch.JobMeta(id), sch.JobConfig(id), sch.JobPayload(id),
		sch.JobResult(id), sch.JobErrors(id),
		sch.JobDepends(id), sch.JobWaiters(id)).Err()
}
