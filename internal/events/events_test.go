package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/store"
)

func newTestBus(t *testing.T) (*Bus, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.Open(context.Background(), store.DefaultConfig("redis://"+mr.Addr()), keys.NewSchema("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewBus(s), s
}

func publish(t *testing.T, s *store.Store, channel string, ev Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Client().Publish(context.Background(), channel, data).Err(); err != nil {
		t.Fatal(err)
	}
}

func recv(t *testing.T, sub *Subscription) *Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event within deadline")
		return nil
	}
}

func TestGlobalSubscription(t *testing.T) {
	bus, s := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, err := bus.Global(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Close() })

	publish(t, s, s.Schema().EventsGlobal(), Event{
		Event: JobCompleted, JobID: "j1", MeshID: "default", Status: "completed", Timestamp: 42,
	})

	ev := recv(t, sub)
	if ev.Event != JobCompleted || ev.JobID != "j1" || ev.Timestamp != 42 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestScopedChannelsAreIsolated(t *testing.T) {
	bus, s := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	meshSub, err := bus.Mesh(ctx, "analytics")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { meshSub.Close() })

	// traffic on another mesh must not arrive
	publish(t, s, s.Schema().EventsMesh("default"), Event{Event: JobCreated, JobID: "other"})
	publish(t, s, s.Schema().EventsMesh("analytics"), Event{Event: JobCreated, JobID: "mine"})

	ev := recv(t, meshSub)
	if ev.JobID != "mine" {
		t.Fatalf("leaked event: %+v", ev)
	}
}

func TestPatternSubscription(t *testing.T) {
	bus, s := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, err := bus.Pattern(ctx, "type:*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Close() })

	publish(t, s, s.Schema().EventsType("email"), Event{Event: JobClaimed, JobID: "j1", JobType: "email"})
	ev := recv(t, sub)
	if ev.JobType != "email" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	bus, s := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, err := bus.Global(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Close() })

	if err := s.Client().Publish(ctx, s.Schema().EventsGlobal(), "not json").Err(); err != nil {
		t.Fatal(err)
	}
	publish(t, s, s.Schema().EventsGlobal(), Event{Event: JobCreated, JobID: "good"})

	ev := recv(t, sub)
	if ev.JobID != "good" {
		t.Fatalf("malformed payload not dropped: %+v", ev)
	}
}
