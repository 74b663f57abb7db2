// Package repo is the typed repository over the store: it translates domain
// objects into script arguments and reads Redis hashes back into structs.
// All state transitions stay in the store's atomic scripts; this package only
// adds encoding, decoding and single-key reads.
package repo

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bridgemq/bridgemq/internal/job"
	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/logger"
	"github.com/bridgemq/bridgemq/internal/store"
)

// Repo exposes the broker's persistence operations.
type Repo struct {
	store *store.Store
	log   logger.Logger
}

// New creates a repository over an open store.
func New(s *store.Store) *Repo {
	return &Repo{
		store: s,
		log:   logger.Default().WithComponent(logger.ComponentRepo),
	}
}

// Store exposes the underlying store for callers that run scripts directly.
func (r *Repo) Store() *store.Store { return r.store }

// CreateJob persists a new job. Deduplication is applied from the job's
// config: an idempotency key when configured, and a content fingerprint when
// behavior.deduplication is set.
func (r *Repo) CreateJob(ctx context.Context, j *job.Job) (*store.CreateResult, error) {
	cfgJSON, err := j.Config.Encode()
	if err != nil {
		return nil, err
	}

	a := store.CreateJobArgs{
		JobID:        j.ID,
		Type:         j.Type,
		Version:      j.Version,
		MeshID:       j.MeshID,
		Priority:     j.Priority,
		ScheduledFor: j.ScheduledFor,
		ConfigJSON:   cfgJSON,
		Payload:      j.Payload,
		LifecycleTTL: j.Config.LifecycleTTL(),
		DependsOn:    j.DependsOn,
	}
	if idem := j.Config.Idempotency; idem != nil && idem.Key != "" {
		a.IdempotencyKey = idem.Key
		a.IdempotencyTTL = j.Config.IdempotencyWindow()
	}
	if b := j.Config.Behavior; b != nil && b.Deduplication {
		a.Fingerprint = job.Fingerprint(j.Type, j.Payload)
		a.FingerprintTTL = j.Config.IdempotencyWindow()
	}

	res, err := r.store.CreateJob(ctx, a)
	if err != nil {
		return nil, err
	}
	if res.Existing {
		r.log.DebugContext(ctx, "Create deduplicated", "job_id", res.JobID, "reason", res.Reason)
	}
	return res, nil
}

// ClaimJob claims the highest-priority eligible job for the worker, or
// returns "" when none qualifies.
func (r *Repo) ClaimJob(ctx context.Context, a store.ClaimArgs) (string, error) {
	return r.store.ClaimJob(ctx, a)
}

// CompleteJob finalizes an active job the server owns.
func (r *Repo) CompleteJob(ctx context.Context, jobID, serverID string, status job.Status, result interface{}) (*store.CompleteResult, error) {
	if status != job.StatusCompleted && status != job.StatusFailed {
		return nil, joberr.Newf(joberr.CodeInvalidTransition, "cannot finalize as %q", status)
	}
	var resultJSON []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, joberr.Wrap(joberr.CodeInvalidPayload, "result not serializable", err)
		}
		resultJSON = b
	}
	res, err := r.store.CompleteJob(ctx, jobID, serverID, string(status), resultJSON)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, joberr.Newf(joberr.CodeNotOwner, "job %s not active under server %s", jobID, serverID)
	}
	return res, nil
}

// RetryJob records a failed attempt and reschedules or dead-letters the job.
func (r *Repo) RetryJob(ctx context.Context, jobID, serverID string, cause *joberr.Error) (*store.RetryResult, error) {
	var errJSON []byte
	if cause != nil {
		b, err := cause.MarshalRecord()
		if err != nil {
			return nil, err
		}
		errJSON = b
	}
	res, err := r.store.RetryJob(ctx, jobID, serverID, errJSON, rand.Float64())
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, joberr.Newf(joberr.CodeNotOwner, "job %s not active under server %s", jobID, serverID)
	}
	return res, nil
}

// CancelJob cancels a pending or scheduled job.
func (r *Repo) CancelJob(ctx context.Context, jobID string) error {
	res, err := r.store.CancelJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !res.Success {
		if res.Error == "not_found" {
			return joberr.Newf(joberr.CodeJobNotFound, "job %s not found", jobID)
		}
		return joberr.Newf(joberr.CodeInvalidTransition, "job %s is %s, only pending or scheduled jobs cancel", jobID, res.Status)
	}
	return nil
}

// GetJob loads the full job record. Returns CodeJobNotFound when the meta
// hash is missing or expired.
func (r *Repo) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	c := r.store.Client()
	sch := r.store.Schema()

	meta, err := c.HGetAll(ctx, sch.JobMeta(jobID)).Result()
	if err != nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "meta read failed", err)
	}
	if len(meta) == 0 {
		return nil, joberr.Newf(joberr.CodeJobNotFound, "job %s not found", jobID)
	}

	j := jobFromMeta(jobID, meta)

	if raw, err := c.Get(ctx, sch.JobConfig(jobID)).Bytes(); err == nil {
		cfg, derr := job.DecodeConfig(raw)
		if derr != nil {
			return nil, derr
		}
		j.Config = cfg
	} else if err != redis.Nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "config read failed", err)
	}

	if raw, err := c.Get(ctx, sch.JobPayload(jobID)).Bytes(); err == nil {
		j.Payload = raw
	} else if err != redis.Nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "payload read failed", err)
	}

	if raw, err := c.Get(ctx, sch.JobResult(jobID)).Bytes(); err == nil {
		j.Result = json.RawMessage(raw)
	} else if err != redis.Nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "result read failed", err)
	}

	records, err := c.LRange(ctx, sch.JobErrors(jobID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "error history read failed", err)
	}
	for _, rec := range records {
		var e joberr.Error
		if uerr := json.Unmarshal([]byte(rec), &e); uerr == nil {
			j.Errors = append(j.Errors, &e)
		}
	}

	deps, err := c.SMembers(ctx, sch.JobDepends(jobID)).Result()
	if err != nil && err != redis.Nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "dependency read failed", err)
	}
	if len(deps) > 0 {
		j.DependsOn = deps
	}
	return j, nil
}

// GetStatus reads only the job status.
func (r *Repo) GetStatus(ctx context.Context, jobID string) (job.Status, error) {
	st, err := r.store.Client().HGet(ctx, r.store.Schema().JobMeta(jobID), "status").Result()
	if err == redis.Nil {
		return "", joberr.Newf(joberr.CodeJobNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return "", joberr.Wrap(joberr.CodeStorageRead, "status read failed", err)
	}
	return job.Status(st), nil
}

// GetResult reads the stored handler result; redis.Nil maps to not-found.
func (r *Repo) GetResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	raw, err := r.store.Client().Get(ctx, r.store.Schema().JobResult(jobID)).Bytes()
	if err == redis.Nil {
		return nil, joberr.Newf(joberr.CodeJobNotFound, "no result for job %s", jobID)
	}
	if err != nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "result read failed", err)
	}
	return json.RawMessage(raw), nil
}

// SetProgress updates the handler-reported progress (clamped to 0..100) and
// announces it on the job channel.
func (r *Repo) SetProgress(ctx context.Context, jobID string, pct float64) error {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	c := r.store.Client()
	sch := r.store.Schema()
	now := store.Now()
	if err := c.HSet(ctx, sch.JobMeta(jobID), "progress", pct, "updatedAt", now).Err(); err != nil {
		return joberr.Wrap(joberr.CodeStorageWrite, "progress write failed", err)
	}
	ev, _ := json.Marshal(map[string]interface{}{
		"event": "job.progress", "jobId": jobID, "progress": pct, "timestamp": now,
	})
	if err := c.Publish(ctx, sch.EventsJob(jobID), ev).Err(); err != nil {
		r.log.DebugContext(ctx, "Progress event publish failed", "job_id", jobID, "error", err)
	}
	return nil
}

// RenewLock refreshes the claim timestamp for an owned job so the stall
// sweeper leaves long-running handlers alone.
func (r *Repo) RenewLock(ctx context.Context, serverID, jobID string) error {
	c := r.store.Client()
	key := r.store.Schema().Active(serverID)
	owned, err := c.HExists(ctx, key, jobID).Result()
	if err != nil {
		return joberr.Wrap(joberr.CodeStorageRead, "lock read failed", err)
	}
	if !owned {
		return joberr.Newf(joberr.CodeNotOwner, "job %s not held by server %s", jobID, serverID)
	}
	if err := c.HSet(ctx, key, jobID, store.Now()).Err(); err != nil {
		return joberr.Wrap(joberr.CodeStorageWrite, "lock renew failed", err)
	}
	return nil
}

// ChainTemplates pops the successor templates the complete script recorded
// for a finalized job. The key is deleted once read so a chain fires once.
func (r *Repo) ChainTemplates(ctx context.Context, jobID string, final job.Status) ([]*job.Template, error) {
	key := r.store.Schema().Chain(jobID, string(final))
	c := r.store.Client()

	raws, err := c.LRange(ctx, key, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "chain read failed", err)
	}
	if len(raws) == 0 {
		return nil, nil
	}
	if err := c.Del(ctx, key).Err(); err != nil {
		return nil, joberr.Wrap(joberr.CodeStorageWrite, "chain consume failed", err)
	}

	templates := make([]*job.Template, 0, len(raws))
	for _, raw := range raws {
		var t job.Template
		if uerr := json.Unmarshal([]byte(raw), &t); uerr != nil {
			r.log.WarnContext(ctx, "Dropping unreadable chain template", "job_id", jobID, "error", uerr)
			continue
		}
		templates = append(templates, &t)
	}
	return templates, nil
}

// jobFromMeta decodes the meta hash. Missing fields decode to zero values.
func jobFromMeta(jobID string, meta map[string]string) *job.Job {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(meta[k])
		return n
	}
	atoi64 := func(k string) int64 {
		n, _ := strconv.ParseInt(meta[k], 10, 64)
		return n
	}
	progress, _ := strconv.ParseFloat(meta["progress"], 64)
	return &job.Job{
		ID:           jobID,
		Type:         meta["type"],
		Version:      meta["version"],
		MeshID:       meta["meshId"],
		Priority:     atoi("priority"),
		Status:       job.Status(meta["status"]),
		Attempt:      atoi("attempt"),
		StalledCount: atoi("stalledCount"),
		Progress:     progress,
		CreatedAt:    atoi64("createdAt"),
		ScheduledFor: atoi64("scheduledFor"),
		ClaimedAt:    atoi64("claimedAt"),
		CompletedAt:  atoi64("completedAt"),
		UpdatedAt:    atoi64("updatedAt"),
		ProcessedBy:  meta["processedBy"],
	}
}

// AppendError pushes an error record onto the job's bounded history.
func (r *Repo) AppendError(ctx context.Context, jobID string, e *joberr.Error) error {
	if e == nil {
		return nil
	}
	if e.Timestamp == 0 {
		e.Timestamp = store.Now()
	}
	rec, err := e.MarshalRecord()
	if err != nil {
		return err
	}
	key := r.store.Schema().JobErrors(jobID)
	c := r.store.Client()
	if err := c.RPush(ctx, key, rec).Err(); err != nil {
		return joberr.Wrap(joberr.CodeStorageWrite, "error history write failed", err)
	}
	return c.LTrim(ctx, key, -10, -1).Err()
}

// PromoteDelayed forwards to the delayed-promotion script.
func (r *Repo) PromoteDelayed(ctx context.Context, batchSize int) (*store.PromoteResult, error) {
	return r.store.PromoteDelayed(ctx, batchSize)
}

// DetectStalled forwards to the stall-sweep script.
func (r *Repo) DetectStalled(ctx context.Context, stallTimeout time.Duration, maxStallCount int) (*store.StallResult, error) {
	return r.store.DetectStalled(ctx, stallTimeout, maxStallCount)
}
