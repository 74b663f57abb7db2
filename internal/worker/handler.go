// Package worker runs the claim-execute-finalize loop. Handlers report an
// explicit outcome; returning an error value alone never implies a retry.
package worker

import (
	"context"
	"sync"

	"google.golang.org/protobuf/proto"

	"github.com/bridgemq/bridgemq/internal/job"
	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/logger"
	"github.com/bridgemq/bridgemq/internal/repo"
)

// OutcomeKind enumerates how a handler finished.
type OutcomeKind int

const (
	// KindSuccess finalizes the job as completed.
	KindSuccess OutcomeKind = iota
	// KindRetry asks for another attempt, subject to the retry policy.
	KindRetry
	// KindFail finalizes the job as failed with no further attempts.
	KindFail
)

// Outcome is a handler's verdict on one attempt.
type Outcome struct {
	Kind OutcomeKind
	// Result is stored on success; must be JSON-serializable.
	Result interface{}
	// Err describes the failure for retry and fail outcomes.
	Err *joberr.Error
}

// Success finalizes the job as completed with an optional result.
func Success(result interface{}) Outcome {
	return Outcome{Kind: KindSuccess, Result: result}
}

// Retry requests another attempt. The retry policy may still dead-letter the
// job when the attempt budget is spent or the error is non-retryable.
func Retry(err error) Outcome {
	return Outcome{Kind: KindRetry, Err: joberr.From(err)}
}

// Fail finalizes the job as failed immediately, skipping remaining attempts.
func Fail(err error) Outcome {
	return Outcome{Kind: KindFail, Err: joberr.From(err)}
}

// JobContext is what a handler sees of its job.
type JobContext struct {
	Job  *job.Job
	Log  logger.Logger
	repo *repo.Repo
}

// Unmarshal decodes the payload into v, detecting the wire format.
func (jc *JobContext) Unmarshal(v interface{}) error {
	return jc.Job.UnmarshalPayload(v)
}

// UnmarshalProto decodes the payload into a protobuf message.
func (jc *JobContext) UnmarshalProto(msg proto.Message) error {
	return jc.Job.UnmarshalPayloadProto(msg)
}

// Progress reports handler progress (0..100); best-effort.
func (jc *JobContext) Progress(ctx context.Context, pct float64) error {
	return jc.repo.SetProgress(ctx, jc.Job.ID, pct)
}

// HandlerFunc processes one job attempt.
type HandlerFunc func(ctx context.Context, jc *JobContext) Outcome

// Registry maps job types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType string, h HandlerFunc) error {
	if err := job.ValidateType(jobType); err != nil {
		return err
	}
	if h == nil {
		return joberr.New(joberr.CodeHandlerMissing, "nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
	return nil
}

// Get looks up the handler for a job type.
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
