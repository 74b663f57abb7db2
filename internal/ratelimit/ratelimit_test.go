package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/store"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.Open(context.Background(), store.DefaultConfig("redis://"+mr.Addr()), keys.NewSchema("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestAllowUntilSaturated(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "api", 3, 60)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed || d.Remaining != 2-i {
			t.Fatalf("call %d: %+v", i+1, d)
		}
	}
	d, err := l.Allow(ctx, "api", 3, 60)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("saturated: %+v", d)
	}
	if d.Reset.IsZero() {
		t.Fatal("no reset time on denial")
	}
}

func TestBucketsIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "a", 1, 60); !d.Allowed {
		t.Fatal("first bucket")
	}
	if d, _ := l.Allow(ctx, "a", 1, 60); d.Allowed {
		t.Fatal("bucket a must be saturated")
	}
	if d, _ := l.Allow(ctx, "b", 1, 60); !d.Allowed {
		t.Fatal("bucket b must be untouched")
	}
}

func TestAllowOrParkThenDrain(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.Allow(ctx, "api", 1, 60); err != nil {
		t.Fatal(err)
	}
	d, err := l.AllowOrPark(ctx, "api", 1, 60, "j-waiting")
	if err != nil || d.Allowed {
		t.Fatalf("park: %+v %v", d, err)
	}

	parked, err := l.Parked(ctx, "api")
	if err != nil || len(parked) != 1 || parked[0] != "j-waiting" {
		t.Fatalf("parked = %v (%v)", parked, err)
	}
	drained, err := l.DrainParked(ctx, "api", 10)
	if err != nil || len(drained) != 1 {
		t.Fatalf("drained = %v (%v)", drained, err)
	}
	if left, _ := l.Parked(ctx, "api"); len(left) != 0 {
		t.Fatalf("residue = %v", left)
	}
}

func TestInvalidArguments(t *testing.T) {
	l := newTestLimiter(t)
	if _, err := l.Allow(context.Background(), "", 1, 60); err == nil {
		t.Fatal("empty bucket accepted")
	}
	if _, err := l.Allow(context.Background(), "x", 0, 60); err == nil {
		t.Fatal("zero max accepted")
	}
}
