// Package job defines the unit of work the broker moves through its state
// machine, together with its enumerated behavior config.
package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/bridgemq/bridgemq/internal/joberr"
)

// Status represents the current status of a job
type Status string

const (
	// StatusScheduled indicates the job is waiting for its scheduledFor time
	// or for unsatisfied dependencies.
	StatusScheduled Status = "scheduled"
	// StatusPending indicates the job is queued and claimable.
	StatusPending Status = "pending"
	// StatusActive indicates the job is owned by a worker.
	StatusActive Status = "active"
	// StatusBatched indicates the job was absorbed into a batch.
	StatusBatched Status = "batched"
	// StatusCompleted indicates the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job failed terminally.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the job was cancelled before execution.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final; terminal jobs sit in no queue.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// typePattern validates job type identifiers.
var typePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidateType checks a job type identifier against the allowed pattern.
func ValidateType(jobType string) error {
	if !typePattern.MatchString(jobType) {
		return joberr.Newf(joberr.CodeInvalidJobType,
			"invalid job type %q: must match ^[A-Za-z0-9_-]{1,100}$", jobType)
	}
	return nil
}

// DefaultMesh is the tenant used when a producer does not name one.
const DefaultMesh = "default"

// Job represents a unit of work flowing through the broker.
// All timestamps are unix milliseconds.
type Job struct {
	// ID is the unique identifier for the job
	ID string `json:"id"`
	// Type identifies the kind of job; workers register handlers by type
	Type string `json:"type"`
	// Version is a free-form producer version string
	Version string `json:"version,omitempty"`
	// MeshID is the tenant the job belongs to
	MeshID string `json:"meshId"`
	// Priority is 1-10; higher is claimed sooner
	Priority int `json:"priority"`
	// Status is the current lifecycle state
	Status Status `json:"status"`
	// Attempt counts executions so far
	Attempt int `json:"attempt"`
	// StalledCount counts stall recoveries
	StalledCount int `json:"stalledCount"`
	// Progress is 0-100, reported by the handler
	Progress float64 `json:"progress"`

	CreatedAt    int64 `json:"createdAt"`
	ScheduledFor int64 `json:"scheduledFor"`
	ClaimedAt    int64 `json:"claimedAt,omitempty"`
	CompletedAt  int64 `json:"completedAt,omitempty"`
	UpdatedAt    int64 `json:"updatedAt"`

	// ProcessedBy is the server id owning the lock; empty when unlocked
	ProcessedBy string `json:"processedBy,omitempty"`

	// Payload is the opaque, format-prefixed payload bytes
	Payload []byte `json:"payload,omitempty"`
	// Config is the enumerated behavior config
	Config *Config `json:"config,omitempty"`
	// Result is the handler return value, if any
	Result json.RawMessage `json:"result,omitempty"`
	// Errors is the bounded error history (last 10)
	Errors []*joberr.Error `json:"errors,omitempty"`
	// DependsOn lists parent job ids that must complete first
	DependsOn []string `json:"dependsOn,omitempty"`
}

// New creates a job with defaults applied. The payload should already carry
// its format prefix (see the serialization package).
func New(jobType string, payload []byte, cfg *Config) (*Job, error) {
	if err := ValidateType(jobType); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	j := &Job{
		ID:           uuid.New().String(),
		Type:         jobType,
		MeshID:       DefaultMesh,
		Priority:     cfg.EffectivePriority(),
		Status:       StatusPending,
		CreatedAt:    now,
		ScheduledFor: now,
		UpdatedAt:    now,
		Payload:      payload,
		Config:       cfg,
	}

	if sched := cfg.Schedule; sched != nil {
		switch {
		case sched.RunAt > 0:
			j.ScheduledFor = sched.RunAt
		case sched.DelayMs > 0:
			j.ScheduledFor = now + sched.DelayMs
		}
		if j.ScheduledFor > now {
			j.Status = StatusScheduled
		}
	}
	if deps := cfg.Dependencies; deps != nil && len(deps.WaitFor) > 0 {
		j.DependsOn = append([]string(nil), deps.WaitFor...)
		j.Status = StatusScheduled
	}
	return j, nil
}

// Fingerprint computes the content hash of (type, payload) used for
// opportunistic deduplication.
func Fingerprint(jobType string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
