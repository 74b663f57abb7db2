// Package events receives the lifecycle notifications the atomic scripts
// publish. Events are fire-and-forget: delivery requires a live subscriber,
// and job state is always authoritative over anything seen here.
package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/logger"
	"github.com/bridgemq/bridgemq/internal/store"
)

// Event names published by the scripts.
const (
	JobCreated        = "job.created"
	JobScheduled      = "job.scheduled"
	JobClaimed        = "job.claimed"
	JobProgress       = "job.progress"
	JobCompleted      = "job.completed"
	JobFailed         = "job.failed"
	JobRetry          = "job.retry"
	JobStalled        = "job.stalled"
	JobCancelled      = "job.cancelled"
	JobRequeued       = "job.requeued"
	BatchCreated      = "batch.created"
	RateLimitExceeded = "ratelimit.exceeded"
)

// Event is one lifecycle notification. Fields are populated per event type;
// absent fields decode to zero values.
type Event struct {
	Event          string   `json:"event"`
	JobID          string   `json:"jobId,omitempty"`
	MeshID         string   `json:"meshId,omitempty"`
	JobType        string   `json:"jobType,omitempty"`
	ServerID       string   `json:"serverId,omitempty"`
	Status         string   `json:"status,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Attempt        int      `json:"attempt,omitempty"`
	DelayMs        int64    `json:"delayMs,omitempty"`
	NextRun        int64    `json:"nextRun,omitempty"`
	ProcessingTime int64    `json:"processingTime,omitempty"`
	Progress       float64  `json:"progress,omitempty"`
	Triggered      []string `json:"triggered,omitempty"`
	BatchID        string   `json:"batchId,omitempty"`
	Count          int      `json:"count,omitempty"`
	Bucket         string   `json:"bucket,omitempty"`
	StalledCount   int      `json:"stalledCount,omitempty"`
	Timestamp      int64    `json:"timestamp"`
}

// Bus fans events from Redis pub/sub into Go channels. One Bus may carry any
// number of concurrent subscriptions; each subscription owns its own pub/sub
// connection on the store's dedicated subscriber client.
type Bus struct {
	store *store.Store
	log   logger.Logger
}

// NewBus creates an event bus over an open store.
func NewBus(s *store.Store) *Bus {
	return &Bus{
		store: s,
		log:   logger.Default().WithComponent(logger.ComponentEvents),
	}
}

func (b *Bus) schema() *keys.Schema { return b.store.Schema() }

// Subscription delivers decoded events until closed or its context ends.
type Subscription struct {
	C      <-chan *Event
	pubsub *redis.PubSub
}

// Close tears down the underlying pub/sub connection; C is closed shortly
// after.
func (s *Subscription) Close() error { return s.pubsub.Close() }

// Global subscribes to every lifecycle event.
func (b *Bus) Global(ctx context.Context) (*Subscription, error) {
	return b.subscribe(ctx, b.schema().EventsGlobal())
}

// Mesh subscribes to one mesh's events.
func (b *Bus) Mesh(ctx context.Context, meshID string) (*Subscription, error) {
	return b.subscribe(ctx, b.schema().EventsMesh(meshID))
}

// Job subscribes to one job's terminal and progress events.
func (b *Bus) Job(ctx context.Context, jobID string) (*Subscription, error) {
	return b.subscribe(ctx, b.schema().EventsJob(jobID))
}

// Server subscribes to one server's events.
func (b *Bus) Server(ctx context.Context, serverID string) (*Subscription, error) {
	return b.subscribe(ctx, b.schema().EventsServer(serverID))
}

// Type subscribes to one job type's events.
func (b *Bus) Type(ctx context.Context, jobType string) (*Subscription, error) {
	return b.subscribe(ctx, b.schema().EventsType(jobType))
}

// Pattern subscribes with a glob over the event channel namespace, e.g.
// "mesh:*" for every mesh channel.
func (b *Bus) Pattern(ctx context.Context, scope string) (*Subscription, error) {
	pubsub := b.store.Subscriber().PSubscribe(ctx, b.schema().EventsPattern(scope))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return b.pump(ctx, pubsub), nil
}

func (b *Bus) subscribe(ctx context.Context, channel string) (*Subscription, error) {
	pubsub := b.store.Subscriber().Subscribe(ctx, channel)
	// confirm the subscription before handing the channel out, so events
	// published after this call cannot be missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return b.pump(ctx, pubsub), nil
}

func (b *Bus) pump(ctx context.Context, pubsub *redis.PubSub) *Subscription {
	out := make(chan *Event, 64)
	go func() {
		defer close(out)
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("Dropping unreadable event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- &ev:
				default:
					// consumer fell behind; events are advisory so drop
					b.log.Debug("Event dropped, consumer slow", "channel", msg.Channel, "event", ev.Event)
				}
			}
		}
	}()
	return &Subscription{C: out, pubsub: pubsub}
}
