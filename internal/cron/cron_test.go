package cron

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/bridgemq/bridgemq/internal/job"
	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/repo"
	"github.com/bridgemq/bridgemq/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.Open(context.Background(), store.DefaultConfig("redis://"+mr.Addr()), keys.NewSchema("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewScheduler(repo.New(s)), s
}

// pinClock parks the script clock just past a minute boundary so an
// every-minute expression is due on the first evaluation.
func pinClock(t *testing.T) time.Time {
	t.Helper()
	boundary := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	now := boundary.Add(500 * time.Millisecond)
	store.SetClock(func() int64 { return now.UnixMilli() })
	t.Cleanup(func() { store.SetClock(nil) })
	return now
}

func jobCount(t *testing.T, s *store.Store) int {
	t.Helper()
	ks, err := s.Client().Keys(context.Background(), "test:job:*:meta").Result()
	if err != nil {
		t.Fatal(err)
	}
	return len(ks)
}

func TestAddValidation(t *testing.T) {
	sched, _ := newTestScheduler(t)

	ok := Schedule{ID: "nightly", Spec: "0 2 * * *", Template: job.Template{Type: "report"}}
	if err := sched.Add(ok); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
	if err := sched.Add(Schedule{ID: "h", Spec: "@hourly", Template: job.Template{Type: "sync"}}); err != nil {
		t.Fatalf("descriptor rejected: %v", err)
	}

	bad := []Schedule{
		{Spec: "* * * * *", Template: job.Template{Type: "x"}},                            // no id
		{ID: "a", Spec: "not a cron", Template: job.Template{Type: "x"}},                  // bad expression
		{ID: "b", Spec: "* * * * *", Timezone: "Mars/Olympus", Template: job.Template{Type: "x"}}, // bad tz
		{ID: "c", Spec: "* * * * *", Template: job.Template{Type: "bad type!"}},           // bad job type
	}
	for i, sc := range bad {
		if err := sched.Add(sc); err == nil {
			t.Errorf("case %d accepted", i)
		}
	}
}

func TestFiresOnceWhenDue(t *testing.T) {
	sched, s := newTestScheduler(t)
	now := pinClock(t)
	ctx := context.Background()

	err := sched.Add(Schedule{
		ID:       "minutely",
		Spec:     "* * * * *",
		Template: job.Template{Type: "heartbeat"},
	})
	if err != nil {
		t.Fatal(err)
	}

	sched.tick(ctx)
	if n := jobCount(t, s); n != 1 {
		t.Fatalf("jobs after first tick = %d", n)
	}

	// the occurrence is recorded, so further ticks within the same minute
	// must not fire again
	sched.tick(ctx)
	sched.tick(ctx)
	if n := jobCount(t, s); n != 1 {
		t.Fatalf("jobs after repeated ticks = %d", n)
	}

	last, err := s.Client().HGet(ctx, s.Schema().ScheduleState("minutely"), "lastRun").Int64()
	if err != nil || last != now.UnixMilli() {
		t.Fatalf("lastRun = %d (%v)", last, err)
	}
}

func TestFiresAgainNextOccurrence(t *testing.T) {
	sched, s := newTestScheduler(t)
	now := pinClock(t)
	ctx := context.Background()

	err := sched.Add(Schedule{
		ID:       "minutely",
		Spec:     "* * * * *",
		Template: job.Template{Type: "heartbeat"},
	})
	if err != nil {
		t.Fatal(err)
	}
	sched.tick(ctx)

	// advance the clock one minute
	later := now.Add(time.Minute)
	store.SetClock(func() int64 { return later.UnixMilli() })
	sched.tick(ctx)

	if n := jobCount(t, s); n != 2 {
		t.Fatalf("jobs after second occurrence = %d", n)
	}
}

func TestLockBlocksConcurrentScheduler(t *testing.T) {
	sched, s := newTestScheduler(t)
	pinClock(t)
	ctx := context.Background()

	err := sched.Add(Schedule{
		ID:       "locked",
		Spec:     "* * * * *",
		Template: job.Template{Type: "heartbeat"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// another instance holds the schedule lock
	if err := s.Client().Set(ctx, s.Schema().ScheduleLock("locked"), "other-instance", time.Minute).Err(); err != nil {
		t.Fatal(err)
	}
	sched.tick(ctx)
	if n := jobCount(t, s); n != 0 {
		t.Fatalf("fired despite foreign lock: %d jobs", n)
	}
	// the foreign lock must survive the attempt
	if tok, _ := s.Client().Get(ctx, s.Schema().ScheduleLock("locked")).Result(); tok != "other-instance" {
		t.Fatalf("lock token = %q", tok)
	}
}

func TestRemove(t *testing.T) {
	sched, s := newTestScheduler(t)
	pinClock(t)
	ctx := context.Background()

	if err := sched.Add(Schedule{ID: "gone", Spec: "* * * * *", Template: job.Template{Type: "x"}}); err != nil {
		t.Fatal(err)
	}
	sched.Remove("gone")
	sched.tick(ctx)
	if n := jobCount(t, s); n != 0 {
		t.Fatalf("removed schedule fired: %d jobs", n)
	}
}
