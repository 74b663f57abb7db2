package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/bridgemq/bridgemq/internal/job"
	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/maintenance"
	"github.com/bridgemq/bridgemq/internal/repo"
	"github.com/bridgemq/bridgemq/internal/server"
	"github.com/bridgemq/bridgemq/internal/store"
)

func testPoolConfig() PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ShutdownGrace = 2 * time.Second
	return cfg
}

func TestDefaultPoolStallTimeout(t *testing.T) {
	if got := DefaultPoolConfig().StallTimeout; got != 5*time.Minute {
		t.Fatalf("stall timeout default = %v", got)
	}
}

func setupPool(t *testing.T, registry *Registry) (*repo.Repo, *Pool, context.CancelFunc) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.Open(context.Background(), store.DefaultConfig("redis://"+mr.Addr()), keys.NewSchema("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg, err := server.Register(context.Background(), s, server.Identity{ServerID: "test-worker"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(func() { reg.Deregister(context.Background()) })

	r := repo.New(s)
	pool := NewPool(testPoolConfig(), r, registry, reg)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-pool.Stopped()
	})
	return r, pool, cancel
}

func waitForStatus(t *testing.T, r *repo.Repo, jobID string, want job.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := r.GetStatus(context.Background(), jobID)
		if err == nil && st == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, err := r.GetStatus(context.Background(), jobID)
	t.Fatalf("job %s never reached %q (last: %q, err: %v)", jobID, want, st, err)
}

func TestPoolCompletesJob(t *testing.T) {
	registry := NewRegistry()
	err := registry.Register("greet", func(ctx context.Context, jc *JobContext) Outcome {
		var p map[string]string
		if err := jc.Unmarshal(&p); err != nil {
			return Fail(err)
		}
		return Success(map[string]string{"greeting": "hello " + p["name"]})
	})
	if err != nil {
		t.Fatal(err)
	}

	r, _, _ := setupPool(t, registry)
	j, _ := job.NewWithJSON("greet", map[string]string{"name": "ada"}, nil)
	if _, err := r.CreateJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, r, j.ID, job.StatusCompleted)
	raw, err := r.GetResult(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) == "" {
		t.Fatal("no result stored")
	}
}

func TestPoolRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	registry := NewRegistry()
	_ = registry.Register("flaky", func(ctx context.Context, jc *JobContext) Outcome {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return Retry(joberr.New(joberr.CodeRedisFailure, "transient"))
		}
		return Success(nil)
	})

	r, _, _ := setupPool(t, registry)

	// short promote cadence so the rescheduled attempt surfaces quickly
	mctx, mcancel := context.WithCancel(context.Background())
	t.Cleanup(mcancel)
	mcfg := maintenance.DefaultConfig()
	mcfg.PromoteInterval = 10 * time.Millisecond
	mcfg.StallInterval = 0
	mcfg.CleanInterval = 0
	go maintenance.NewRunner(mcfg, r).Run(mctx)

	j, _ := job.NewWithJSON("flaky", nil, &job.Config{
		Retry: &job.RetryConfig{MaxAttempts: 3, Backoff: job.BackoffFixed, BaseDelayMs: 20},
	})
	if _, err := r.CreateJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, r, j.ID, job.StatusCompleted)
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	final, _ := r.GetJob(context.Background(), j.ID)
	if final.Attempt != 1 {
		t.Fatalf("recorded attempt = %d", final.Attempt)
	}
	if len(final.Errors) != 1 {
		t.Fatalf("error history = %d entries", len(final.Errors))
	}
}

func TestPoolFailOutcomeIsTerminal(t *testing.T) {
	var attempts int32
	registry := NewRegistry()
	_ = registry.Register("doomed", func(ctx context.Context, jc *JobContext) Outcome {
		atomic.AddInt32(&attempts, 1)
		return Fail(joberr.New(joberr.CodeInvalidPayload, "unusable input"))
	})

	r, _, _ := setupPool(t, registry)
	j, _ := job.NewWithJSON("doomed", nil, &job.Config{
		Retry: &job.RetryConfig{MaxAttempts: 5},
	})
	if _, err := r.CreateJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, r, j.ID, job.StatusFailed)
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, fail must not retry", got)
	}
	final, _ := r.GetJob(context.Background(), j.ID)
	if len(final.Errors) != 1 || final.Errors[0].Code != joberr.CodeInvalidPayload {
		t.Fatalf("error history: %+v", final.Errors)
	}
}

func TestPoolRecoversPanicToDLQ(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register("bomb", func(ctx context.Context, jc *JobContext) Outcome {
		panic("handler exploded")
	})

	r, _, _ := setupPool(t, registry)
	j, _ := job.NewWithJSON("bomb", nil, &job.Config{
		Retry: &job.RetryConfig{MaxAttempts: 1},
	})
	if _, err := r.CreateJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	// one attempt allowed: the panic retry request dead-letters immediately
	waitForStatus(t, r, j.ID, job.StatusFailed)
	ids, err := r.DLQJobs(context.Background(), "default", 0, 10)
	if err != nil || len(ids) != 1 || ids[0] != j.ID {
		t.Fatalf("dlq = %v (%v)", ids, err)
	}
	final, _ := r.GetJob(context.Background(), j.ID)
	if len(final.Errors) != 1 || final.Errors[0].Code != joberr.CodeHandlerPanic {
		t.Fatalf("panic not recorded: %+v", final.Errors)
	}
}

func TestRegistryValidation(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("bad type!", func(context.Context, *JobContext) Outcome { return Success(nil) }); err == nil {
		t.Fatal("invalid type accepted")
	}
	if err := registry.Register("ok", nil); err == nil {
		t.Fatal("nil handler accepted")
	}
}
