// Package client is the producer-facing API: submit jobs, query state,
// cancel, wait on results and inspect the dead-letter queue.
package client

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/bridgemq/bridgemq/internal/events"
	"github.com/bridgemq/bridgemq/internal/job"
	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/logger"
	"github.com/bridgemq/bridgemq/internal/ratelimit"
	"github.com/bridgemq/bridgemq/internal/repo"
	"github.com/bridgemq/bridgemq/internal/store"
)

// Options configures a Client.
type Options struct {
	// RedisURL is required unless Store is supplied.
	RedisURL string
	// Namespace prefixes every key; empty uses the default.
	Namespace string
	// MeshID is the default tenant for submissions; empty uses "default".
	MeshID string
	// Store reuses an already-open store instead of dialing a new one.
	Store *store.Store
}

// Client talks to the broker on behalf of a producer.
type Client struct {
	store    *store.Store
	ownStore bool
	repo     *repo.Repo
	bus      *events.Bus
	limiter  *ratelimit.Limiter
	mesh     string
	log      logger.Logger
}

// New opens a client. When opts.Store is nil a store is dialed and owned by
// the client; Close then closes it.
func New(ctx context.Context, opts Options) (*Client, error) {
	s := opts.Store
	own := false
	if s == nil {
		var err error
		s, err = store.Open(ctx, store.DefaultConfig(opts.RedisURL), keys.NewSchema(opts.Namespace))
		if err != nil {
			return nil, err
		}
		own = true
	}
	mesh := opts.MeshID
	if mesh == "" {
		mesh = job.DefaultMesh
	}
	return &Client{
		store:    s,
		ownStore: own,
		repo:     repo.New(s),
		bus:      events.NewBus(s),
		limiter:  ratelimit.New(s),
		mesh:     mesh,
		log:      logger.Default().WithComponent(logger.ComponentClient),
	}, nil
}

// Submission reports what a submit call produced.
type Submission struct {
	// JobID is the created job, or the earlier job when Deduplicated.
	JobID string
	// Status is the job's initial status (pending or scheduled).
	Status job.Status
	// Deduplicated is true when an idempotency key or fingerprint matched.
	Deduplicated bool
	// Reason names the dedup index that matched.
	Reason string
}

// Submit creates a job with a JSON-serialized payload.
func (c *Client) Submit(ctx context.Context, jobType string, payload interface{}, cfg *job.Config) (*Submission, error) {
	j, err := job.NewWithJSON(jobType, payload, cfg)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, j)
}

// SubmitProto creates a job with a protobuf payload.
func (c *Client) SubmitProto(ctx context.Context, jobType string, payload proto.Message, cfg *job.Config) (*Submission, error) {
	j, err := job.NewWithProto(jobType, payload, cfg)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, j)
}

// SubmitRaw creates a job from pre-encoded payload bytes; the bytes should
// already carry their format prefix.
func (c *Client) SubmitRaw(ctx context.Context, jobType string, payload []byte, cfg *job.Config) (*Submission, error) {
	j, err := job.New(jobType, payload, cfg)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, j)
}

// SubmitJob persists an already-built job. The job's MeshID is honored when
// set; otherwise the client default applies.
func (c *Client) SubmitJob(ctx context.Context, j *job.Job) (*Submission, error) {
	return c.submit(ctx, j)
}

func (c *Client) submit(ctx context.Context, j *job.Job) (*Submission, error) {
	if j.MeshID == "" || j.MeshID == job.DefaultMesh {
		j.MeshID = c.mesh
	}
	res, err := c.repo.CreateJob(ctx, j)
	if err != nil {
		return nil, err
	}
	sub := &Submission{
		JobID:        res.JobID,
		Status:       job.Status(res.Status),
		Deduplicated: res.Existing,
		Reason:       res.Reason,
	}
	if !res.Existing {
		c.log.DebugContext(ctx, "Job submitted",
			"job_id", res.JobID, "type", j.Type, "mesh", j.MeshID, "status", res.Status)
	}
	return sub, nil
}

// Get loads the full job record.
func (c *Client) Get(ctx context.Context, jobID string) (*job.Job, error) {
	return c.repo.GetJob(ctx, jobID)
}

// Status reads only the job's lifecycle status.
func (c *Client) Status(ctx context.Context, jobID string) (job.Status, error) {
	return c.repo.GetStatus(ctx, jobID)
}

// Result reads the stored handler result into v.
func (c *Client) Result(ctx context.Context, jobID string, v interface{}) error {
	raw, err := c.repo.GetResult(ctx, jobID)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return joberr.Wrap(joberr.CodeInvalidPayload, "stored result unreadable", err)
	}
	return nil
}

// Cancel cancels a pending or scheduled job.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.repo.CancelJob(ctx, jobID)
}

// Wait blocks until the job reaches a terminal status or ctx ends. It
// subscribes to the job's event channel and polls as a fallback, so a wait
// started after completion still returns.
func (c *Client) Wait(ctx context.Context, jobID string) (job.Status, error) {
	sub, err := c.bus.Job(ctx, jobID)
	if err != nil {
		return "", err
	}
	defer sub.Close()

	// the job may already be terminal
	if st, err := c.repo.GetStatus(ctx, jobID); err == nil && st.Terminal() {
		return st, nil
	}

	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return "", joberr.New(joberr.CodeEventPublish, "event stream closed")
			}
			st := job.Status(ev.Status)
			if st.Terminal() {
				return st, nil
			}
		case <-poll.C:
			st, err := c.repo.GetStatus(ctx, jobID)
			if err != nil {
				return "", err
			}
			if st.Terminal() {
				return st, nil
			}
		}
	}
}

// Events exposes the lifecycle event bus.
func (c *Client) Events() *events.Bus { return c.bus }

// RateLimiter exposes the fixed-window bucket checker.
func (c *Client) RateLimiter() *ratelimit.Limiter { return c.limiter }

// Repo exposes the underlying repository for advanced callers.
func (c *Client) Repo() *repo.Repo { return c.repo }

// DLQ pages through the default mesh's dead-letter queue.
func (c *Client) DLQ(ctx context.Context, offset, count int64) ([]string, error) {
	return c.repo.DLQJobs(ctx, c.mesh, offset, count)
}

// RequeueDLQ gives a dead-lettered job a fresh attempt budget.
func (c *Client) RequeueDLQ(ctx context.Context, jobID string) error {
	return c.repo.RequeueFromDLQ(ctx, c.mesh, jobID)
}

// Close releases the store when this client owns it.
func (c *Client) Close() error {
	if c.ownStore {
		return c.store.Close()
	}
	return nil
}
