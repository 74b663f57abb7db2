// Package cron turns recurring schedules into concrete job submissions. The
// interval math uses robfig/cron expressions; a per-schedule distributed
// lock ensures exactly one scheduler instance fires each occurrence even
// when several maintenance processes run.
package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/bridgemq/bridgemq/internal/job"
	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/logger"
	"github.com/bridgemq/bridgemq/internal/repo"
	"github.com/bridgemq/bridgemq/internal/store"
)

// Schedule is one recurring submission.
type Schedule struct {
	// ID names the schedule; it keys the lock and the run state.
	ID string
	// Spec is a standard 5-field cron expression (descriptors like @hourly
	// are accepted too).
	Spec string
	// Timezone is an IANA zone name; empty means UTC.
	Timezone string
	// MeshID receives the jobs; empty means the default mesh.
	MeshID string
	// Template describes the job submitted at each occurrence.
	Template job.Template
}

// parser accepts the standard 5-field form plus @descriptors.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type entry struct {
	schedule Schedule
	cronExpr cron.Schedule
	loc      *time.Location
}

// Scheduler fires registered schedules.
type Scheduler struct {
	repo     *repo.Repo
	lockTTL  time.Duration
	interval time.Duration
	log      logger.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewScheduler creates a scheduler over a repository.
func NewScheduler(r *repo.Repo) *Scheduler {
	return &Scheduler{
		repo:     r,
		lockTTL:  30 * time.Second,
		interval: time.Second,
		log:      logger.Default().WithComponent(logger.ComponentCron),
		entries:  make(map[string]*entry),
	}
}

// Add registers a schedule, validating the expression and timezone.
func (s *Scheduler) Add(sched Schedule) error {
	if sched.ID == "" {
		return joberr.New(joberr.CodeInvalidConfig, "schedule id required")
	}
	if err := job.ValidateType(sched.Template.Type); err != nil {
		return err
	}
	expr, err := parser.Parse(sched.Spec)
	if err != nil {
		return joberr.Wrap(joberr.CodeInvalidConfig, "bad cron expression", err)
	}
	loc := time.UTC
	if sched.Timezone != "" {
		loc, err = time.LoadLocation(sched.Timezone)
		if err != nil {
			return joberr.Wrap(joberr.CodeInvalidConfig, "unknown timezone", err)
		}
	}
	if sched.MeshID == "" {
		sched.MeshID = job.DefaultMesh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sched.ID] = &entry{schedule: sched, cronExpr: expr, loc: loc}
	return nil
}

// Remove unregisters a schedule.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Run fires due schedules until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		if err := s.fireIfDue(ctx, e); err != nil {
			s.log.Warn("Schedule tick failed", "schedule", e.schedule.ID, "error", err)
		}
	}
}

// fireIfDue submits the schedule's job when its next occurrence has passed,
// guarded by the schedule lock so concurrent schedulers fire it once.
func (s *Scheduler) fireIfDue(ctx context.Context, e *entry) error {
	now := time.UnixMilli(store.Now()).In(e.loc)

	last, err := s.lastRun(ctx, e.schedule.ID)
	if err != nil {
		return err
	}
	base := now.Add(-s.interval)
	if !last.IsZero() {
		base = last.In(e.loc)
	}
	next := e.cronExpr.Next(base)
	if next.After(now) {
		return nil
	}

	token := uuid.New().String()
	acquired, err := s.acquireLock(ctx, e.schedule.ID, token)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer s.releaseLock(ctx, e.schedule.ID, token)

	// re-read under the lock; another instance may have fired this occurrence
	last, err = s.lastRun(ctx, e.schedule.ID)
	if err != nil {
		return err
	}
	if !last.IsZero() && e.cronExpr.Next(last.In(e.loc)).After(now) {
		return nil
	}

	tpl := e.schedule.Template
	j, err := job.New(tpl.Type, tpl.Payload, tpl.Config)
	if err != nil {
		return err
	}
	j.Version = tpl.Version
	j.MeshID = e.schedule.MeshID

	if _, err := s.repo.CreateJob(ctx, j); err != nil {
		return err
	}
	if err := s.recordRun(ctx, e.schedule.ID, now); err != nil {
		return err
	}
	s.log.Info("Schedule fired",
		"schedule", e.schedule.ID, "job_id", j.ID, "type", tpl.Type, "occurrence", next)
	return nil
}

func (s *Scheduler) lastRun(ctx context.Context, id string) (time.Time, error) {
	raw, err := s.repo.Store().Client().HGet(ctx, s.repo.Store().Schema().ScheduleState(id), "lastRun").Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, joberr.Wrap(joberr.CodeStorageRead, "schedule state read failed", err)
	}
	return time.UnixMilli(raw), nil
}

func (s *Scheduler) recordRun(ctx context.Context, id string, at time.Time) error {
	err := s.repo.Store().Client().HSet(ctx, s.repo.Store().Schema().ScheduleState(id),
		"lastRun", at.UnixMilli()).Err()
	if err != nil {
		return joberr.Wrap(joberr.CodeStorageWrite, "schedule state write failed", err)
	}
	return nil
}

func (s *Scheduler) acquireLock(ctx context.Context, id, token string) (bool, error) {
	ok, err := s.repo.Store().Client().SetNX(ctx,
		s.repo.Store().Schema().ScheduleLock(id), token, s.lockTTL).Result()
	if err != nil {
		return false, joberr.Wrap(joberr.CodeStorageWrite, "schedule lock failed", err)
	}
	return ok, nil
}

// releaseLock frees the lock only if this instance still holds it; an
// expired-and-retaken lock must not be deleted from here.
func (s *Scheduler) releaseLock(ctx context.Context, id, token string) {
	script := `if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('DEL', KEYS[1]) end return 0`
	err := s.repo.Store().Client().Eval(ctx, script,
		[]string{s.repo.Store().Schema().ScheduleLock(id)}, token).Err()
	if err != nil {
		s.log.Warn("Schedule lock release failed", "schedule", id, "error", err)
	}
}
