package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bridgemq/bridgemq/internal/joberr"
)

// nowFn supplies the clock passed into every script; tests pin it.
var nowFn = func() int64 { return time.Now().UnixMilli() }

// SetClock replaces the script clock. Pass nil to restore the wall clock.
func SetClock(fn func() int64) {
	if fn == nil {
		nowFn = func() int64 { return time.Now().UnixMilli() }
		return
	}
	nowFn = fn
}

// Now returns the current script clock reading.
func Now() int64 { return nowFn() }

// run executes a script with the shared ARGV prefix (namespace, now) and
// decodes the JSON result into out.
func (s *Store) run(ctx context.Context, script *redis.Script, out interface{}, args ...interface{}) error {
	argv := make([]interface{}, 0, len(args)+2)
	argv = append(argv, s.schema.Namespace(), nowFn())
	argv = append(argv, args...)

	raw, err := script.Run(ctx, s.client, nil, argv...).Text()
	if err != nil {
		return joberr.Wrap(joberr.CodeRedisFailure, "script execution failed", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return joberr.Wrap(joberr.CodeRedisFailure, "script returned malformed result", err)
	}
	return nil
}

// CreateJobArgs carries everything the create script persists.
type CreateJobArgs struct {
	JobID          string
	Type           string
	Version        string
	MeshID         string
	Priority       int
	ScheduledFor   int64
	ConfigJSON     []byte
	Payload        []byte
	IdempotencyKey string
	IdempotencyTTL int
	Fingerprint    string
	FingerprintTTL int
	LifecycleTTL   int
	DependsOn      []string
}

// CreateResult reports the outcome of a create.
type CreateResult struct {
	// Existing is true when a dedup index matched; JobID then names the
	// earlier job.
	Existing bool   `json:"existing"`
	Reason   string `json:"reason,omitempty"`
	JobID    string `json:"jobId"`
	Status   string `json:"status,omitempty"`
}

// CreateJob atomically materializes a job: dedup check, meta, config,
// payload, dependency edges and queue placement.
func (s *Store) CreateJob(ctx context.Context, a CreateJobArgs) (*CreateResult, error) {
	deps := ""
	if len(a.DependsOn) > 0 {
		b, err := json.Marshal(a.DependsOn)
		if err != nil {
			return nil, joberr.Wrap(joberr.CodeInvalidConfig, "dependency list not serializable", err)
		}
		deps = string(b)
	}
	var res CreateResult
	err := s.run(ctx, scriptCreateJob, &res,
		a.JobID, a.Type, a.Version, a.MeshID, a.Priority, a.ScheduledFor,
		a.ConfigJSON, a.Payload, a.IdempotencyKey, a.IdempotencyTTL,
		a.Fingerprint, a.FingerprintTTL, a.LifecycleTTL, deps)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ClaimArgs identifies the claiming worker and its routing dimensions.
type ClaimArgs struct {
	MeshID       string
	ServerID     string
	Stack        string
	Region       string
	Capabilities []string
	// ScanLimit bounds candidates examined per claim across all priorities.
	ScanLimit int
}

// ClaimJob returns the id of the claimed job, or "" when nothing is
// claimable for this worker right now.
func (s *Store) ClaimJob(ctx context.Context, a ClaimArgs) (string, error) {
	limit := a.ScanLimit
	if limit <= 0 {
		limit = 50
	}
	argv := []interface{}{
		s.schema.Namespace(), nowFn(),
		a.MeshID, a.ServerID, a.Stack, a.Region,
		strings.Join(a.Capabilities, ","), limit,
	}
	id, err := scriptClaimJob.Run(ctx, s.client, nil, argv...).Text()
	if err != nil {
		return "", joberr.Wrap(joberr.CodeRedisFailure, "claim failed", err)
	}
	return id, nil
}

// CompleteResult reports a finalize outcome.
type CompleteResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	// Triggered lists dependent jobs promoted to pending by this completion.
	Triggered      []string `json:"triggered,omitempty"`
	ProcessingTime int64    `json:"processingTime,omitempty"`
}

// CompleteJob finalizes an owned active job as completed or failed, cascading
// dependents and recording chain successors.
func (s *Store) CompleteJob(ctx context.Context, jobID, serverID, finalStatus string, resultJSON []byte) (*CompleteResult, error) {
	var res CompleteResult
	err := s.run(ctx, scriptCompleteJob, &res, jobID, serverID, finalStatus, resultJSON)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// RetryResult reports a retry outcome.
type RetryResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	WillRetry  bool   `json:"willRetry"`
	MovedToDLQ bool   `json:"movedToDLQ,omitempty"`
	Attempt    int    `json:"attempt"`
	DelayMs    int64  `json:"delayMs,omitempty"`
	NextRun    int64  `json:"nextRun,omitempty"`
}

// RetryJob records a failed attempt: reschedule with backoff, or DLQ once the
// attempt budget is spent. jitter must be uniform in [0,1); it is supplied by
// the caller so the script stays deterministic.
func (s *Store) RetryJob(ctx context.Context, jobID, serverID string, errorJSON []byte, jitter float64) (*RetryResult, error) {
	var res RetryResult
	err := s.run(ctx, scriptRetryJob, &res, jobID, serverID, errorJSON,
		strconv.FormatFloat(jitter, 'f', -1, 64))
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// PromoteResult reports a delayed-promotion sweep.
type PromoteResult struct {
	Processed int      `json:"processed"`
	JobIDs    []string `json:"jobIds,omitempty"`
}

// PromoteDelayed moves due delayed jobs into their pending queues, at most
// batchSize per call (capped at 100 server-side).
func (s *Store) PromoteDelayed(ctx context.Context, batchSize int) (*PromoteResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	var res PromoteResult
	if err := s.run(ctx, scriptProcessDelayed, &res, batchSize); err != nil {
		return nil, err
	}
	return &res, nil
}

// StallResult reports a stall sweep.
type StallResult struct {
	Detected   int `json:"detected"`
	Recovered  int `json:"recovered"`
	MovedToDLQ int `json:"movedToDLQ"`
}

// DetectStalled sweeps every active set for claims older than stallTimeout
// and recovers or dead-letters them.
func (s *Store) DetectStalled(ctx context.Context, stallTimeout time.Duration, maxStallCount int) (*StallResult, error) {
	var res StallResult
	err := s.run(ctx, scriptDetectStalled, &res, stallTimeout.Milliseconds(), maxStallCount)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// RateLimitResult reports a bucket check.
type RateLimitResult struct {
	Allowed   bool  `json:"allowed"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// CheckRateLimit consumes one unit from a fixed-window bucket. When the
// bucket is saturated and enqueueJobID is non-empty, the id is parked on the
// bucket's overflow list.
func (s *Store) CheckRateLimit(ctx context.Context, bucket string, max, windowSeconds int, enqueueJobID string) (*RateLimitResult, error) {
	var res RateLimitResult
	err := s.run(ctx, scriptRateLimitCheck, &res, bucket, max, windowSeconds, enqueueJobID)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// BatchResult reports a batch finalize.
type BatchResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	BatchID string `json:"batchId,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// FinalizeBatch seals an accumulator into a batch job.
func (s *Store) FinalizeBatch(ctx context.Context, accumulator, batchID, meshID, jobType string, priority int) (*BatchResult, error) {
	var res BatchResult
	err := s.run(ctx, scriptFinalizeBatch, &res, accumulator, batchID, meshID, jobType, priority)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelResult reports a cancel attempt.
type CancelResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Status  string `json:"status,omitempty"`
}

// CancelJob cancels a job that has not started executing.
func (s *Store) CancelJob(ctx context.Context, jobID string) (*CancelResult, error) {
	var res CancelResult
	if err := s.run(ctx, scriptCancelJob, &res, jobID); err != nil {
		return nil, err
	}
	return &res, nil
}

// RequeueResult reports a DLQ requeue attempt.
type RequeueResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RequeueFromDLQ atomically removes a job from the mesh's dead-letter list
// and re-enqueues it as pending with a fresh attempt budget.
func (s *Store) RequeueFromDLQ(ctx context.Context, meshID, jobID string) (*RequeueResult, error) {
	var res RequeueResult
	if err := s.run(ctx, scriptRequeueDLQ, &res, meshID, jobID); err != nil {
		return nil, err
	}
	return &res, nil
}

// RegisterServerArgs describes a worker server joining its meshes.
type RegisterServerArgs struct {
	ServerID     string
	Stack        string
	Region       string
	Capabilities []string
	MeshIDs      []string
	TTLSeconds   int
	Metadata     map[string]string
	Resources    map[string]interface{}
}

// RegisterServer upserts the server entry with a TTL and auto-creates the
// meshes it joins. Heartbeats call this again to refresh the TTL.
func (s *Store) RegisterServer(ctx context.Context, a RegisterServerArgs) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return joberr.Wrap(joberr.CodeInvalidConfig, "server metadata not serializable", err)
	}
	resources, err := json.Marshal(a.Resources)
	if err != nil {
		return joberr.Wrap(joberr.CodeInvalidConfig, "server resources not serializable", err)
	}
	var res struct {
		Success bool `json:"success"`
	}
	return s.run(ctx, scriptRegisterServer, &res,
		a.ServerID, a.Stack, a.Region,
		strings.Join(a.Capabilities, ","), strings.Join(a.MeshIDs, ","),
		a.TTLSeconds, meta, resources)
}
