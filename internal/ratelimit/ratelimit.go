// Package ratelimit wraps the fixed-window counter script for callers that
// check buckets outside the claim path (producers throttling submissions,
// operators probing headroom).
package ratelimit

import (
	"context"
	"time"

	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/store"
)

// Limiter checks fixed-window buckets backed by the store.
type Limiter struct {
	store *store.Store
}

// New creates a limiter over an open store.
func New(s *store.Store) *Limiter {
	return &Limiter{store: s}
}

// Decision is the outcome of a bucket check.
type Decision struct {
	Allowed   bool
	Remaining int
	// Reset is when the current window expires.
	Reset time.Time
}

// Allow consumes one unit from the bucket. Saturated buckets return a
// decision with Allowed=false and no error.
func (l *Limiter) Allow(ctx context.Context, bucket string, max, windowSeconds int) (*Decision, error) {
	return l.check(ctx, bucket, max, windowSeconds, "")
}

// AllowOrPark consumes one unit, parking jobID on the bucket's overflow list
// when saturated so an operator can drain it later.
func (l *Limiter) AllowOrPark(ctx context.Context, bucket string, max, windowSeconds int, jobID string) (*Decision, error) {
	return l.check(ctx, bucket, max, windowSeconds, jobID)
}

func (l *Limiter) check(ctx context.Context, bucket string, max, windowSeconds int, jobID string) (*Decision, error) {
	if bucket == "" || max <= 0 || windowSeconds <= 0 {
		return nil, joberr.New(joberr.CodeInvalidConfig, "rate limit bucket, max and window must be set")
	}
	res, err := l.store.CheckRateLimit(ctx, bucket, max, windowSeconds, jobID)
	if err != nil {
		return nil, err
	}
	return &Decision{
		Allowed:   res.Allowed,
		Remaining: res.Remaining,
		Reset:     time.UnixMilli(res.Reset),
	}, nil
}

// Parked returns the ids parked on a bucket's overflow list.
func (l *Limiter) Parked(ctx context.Context, bucket string) ([]string, error) {
	ids, err := l.store.Client().LRange(ctx, l.store.Schema().RateLimitQueue(bucket), 0, -1).Result()
	if err != nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "overflow list read failed", err)
	}
	return ids, nil
}

// DrainParked pops up to n ids off a bucket's overflow list.
func (l *Limiter) DrainParked(ctx context.Context, bucket string, n int) ([]string, error) {
	if n <= 0 {
		n = 100
	}
	key := l.store.Schema().RateLimitQueue(bucket)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := l.store.Client().LPop(ctx, key).Result()
		if err != nil {
			break
		}
		out = append(out, id)
	}
	return out, nil
}
