// Package batch collects jobs into named accumulators and seals them into a
// single claimable batch job. A batched member leaves its queue and is
// processed as part of the batch by a handler registered for the batch type.
package batch

import (
	"context"

	"github.com/google/uuid"

	"github.com/bridgemq/bridgemq/internal/job"
	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/logger"
	"github.com/bridgemq/bridgemq/internal/store"
)

// Accumulator collects job ids under a name until Finalize seals them.
type Accumulator struct {
	store *store.Store
	name  string
	log   logger.Logger
}

// NewAccumulator opens (or resumes) a named accumulator.
func NewAccumulator(s *store.Store, name string) (*Accumulator, error) {
	if name == "" {
		return nil, joberr.New(joberr.CodeInvalidConfig, "accumulator name required")
	}
	return &Accumulator{
		store: s,
		name:  name,
		log:   logger.Default().WithComponent(logger.ComponentClient),
	}, nil
}

// Add appends a job id to the accumulator.
func (a *Accumulator) Add(ctx context.Context, jobID string) error {
	key := a.store.Schema().BatchAccumulator(a.name)
	if err := a.store.Client().RPush(ctx, key, jobID).Err(); err != nil {
		return joberr.Wrap(joberr.CodeStorageWrite, "accumulator append failed", err)
	}
	return nil
}

// Len returns how many ids the accumulator currently holds.
func (a *Accumulator) Len(ctx context.Context) (int64, error) {
	n, err := a.store.Client().LLen(ctx, a.store.Schema().BatchAccumulator(a.name)).Result()
	if err != nil {
		return 0, joberr.Wrap(joberr.CodeStorageRead, "accumulator length failed", err)
	}
	return n, nil
}

// Finalize seals the accumulator into a batch job of the given type. The
// member jobs move to status batched and the batch id enters the queue as a
// normal claimable job. Fails with CodeBatchEmpty on an empty accumulator.
func (a *Accumulator) Finalize(ctx context.Context, meshID, batchType string, priority int) (string, error) {
	if err := job.ValidateType(batchType); err != nil {
		return "", err
	}
	if meshID == "" {
		meshID = job.DefaultMesh
	}
	if priority < 1 || priority > 10 {
		priority = job.DefaultPriority
	}

	batchID := uuid.New().String()
	res, err := a.store.FinalizeBatch(ctx, a.name, batchID, meshID, batchType, priority)
	if err != nil {
		return "", err
	}
	if !res.Success {
		if res.Error == "empty_batch" {
			return "", joberr.Newf(joberr.CodeBatchEmpty, "accumulator %q is empty", a.name)
		}
		return "", joberr.Newf(joberr.CodeRedisFailure, "batch finalize failed: %s", res.Error)
	}
	a.log.Info("Batch finalized",
		"accumulator", a.name, "batch_id", res.BatchID, "type", batchType, "count", res.Count)
	return res.BatchID, nil
}

// Members returns the job ids sealed into a finalized batch.
func Members(ctx context.Context, s *store.Store, batchID string) ([]string, error) {
	ids, err := s.Client().LRange(ctx, s.Schema().BatchJobs(batchID), 0, -1).Result()
	if err != nil {
		return nil, joberr.Wrap(joberr.CodeStorageRead, "batch members read failed", err)
	}
	if len(ids) == 0 {
		return nil, joberr.Newf(joberr.CodeJobNotFound, "batch %s not found", batchID)
	}
	return ids, nil
}
