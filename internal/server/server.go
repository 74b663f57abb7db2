// Package server manages a worker server's registry entry: registration,
// heartbeat and drain. The entry carries a TTL refreshed by heartbeat, so a
// crashed server disappears from the registry on its own.
package server

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/logger"
	"github.com/bridgemq/bridgemq/internal/store"
)

// Identity is the routing profile a server advertises at registration.
type Identity struct {
	// ServerID is generated when empty.
	ServerID     string
	Stack        string
	Region       string
	Capabilities []string
	// MeshIDs lists the meshes this server claims from; empty means the
	// default mesh only.
	MeshIDs  []string
	Metadata map[string]string
}

// Registration keeps a server's registry entry alive.
type Registration struct {
	store    *store.Store
	identity Identity
	ttl      time.Duration
	interval time.Duration
	log      logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Registration.
type Option func(*Registration)

// WithTTL sets the registry entry TTL (default 30s). The heartbeat interval
// is a third of the TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registration) {
		r.ttl = ttl
		r.interval = ttl / 3
	}
}

// Register writes the server entry, joins its meshes and starts the
// heartbeat loop.
func Register(ctx context.Context, s *store.Store, id Identity, opts ...Option) (*Registration, error) {
	if id.ServerID == "" {
		host, _ := os.Hostname()
		id.ServerID = host + "-" + uuid.New().String()[:8]
	}
	if len(id.MeshIDs) == 0 {
		id.MeshIDs = []string{"default"}
	}

	r := &Registration{
		store:    s,
		identity: id,
		ttl:      30 * time.Second,
		interval: 10 * time.Second,
		log:      logger.Default().WithComponent(logger.ComponentServer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.upsert(ctx); err != nil {
		return nil, err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.heartbeatLoop(hbCtx)

	r.log.Info("Server registered",
		"server_id", id.ServerID, "stack", id.Stack, "region", id.Region,
		"meshes", id.MeshIDs, "ttl", r.ttl)
	return r, nil
}

// ServerID returns the (possibly generated) server id.
func (r *Registration) ServerID() string { return r.identity.ServerID }

// Identity returns the advertised routing profile.
func (r *Registration) Identity() Identity { return r.identity }

func (r *Registration) upsert(ctx context.Context) error {
	return r.store.RegisterServer(ctx, store.RegisterServerArgs{
		ServerID:     r.identity.ServerID,
		Stack:        r.identity.Stack,
		Region:       r.identity.Region,
		Capabilities: r.identity.Capabilities,
		MeshIDs:      r.identity.MeshIDs,
		TTLSeconds:   int(r.ttl / time.Second),
		Metadata:     r.identity.Metadata,
	})
}

func (r *Registration) heartbeatLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := r.upsert(hctx)
			cancel()
			if err != nil {
				// the TTL keeps ticking down; a few missed beats in a row
				// will expire the entry and stop routing to this server
				r.log.Warn("Heartbeat failed", "server_id", r.identity.ServerID, "error", err)
			}
		}
	}
}

// Drain marks the server as draining so operators can see the state while
// the worker finishes its in-flight jobs. The heartbeat keeps running.
func (r *Registration) Drain(ctx context.Context) error {
	key := r.store.Schema().Server(r.identity.ServerID)
	if err := r.store.Client().HSet(ctx, key, "status", "draining").Err(); err != nil {
		return joberr.Wrap(joberr.CodeStorageWrite, "drain mark failed", err)
	}
	r.log.Info("Server draining", "server_id", r.identity.ServerID)
	return nil
}

// Deregister stops the heartbeat and deletes the registry entry.
func (r *Registration) Deregister(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	sch := r.store.Schema()
	c := r.store.Client()
	if err := c.Del(ctx, sch.Server(r.identity.ServerID)).Err(); err != nil {
		return joberr.Wrap(joberr.CodeStorageWrite, "deregister failed", err)
	}
	for _, mesh := range r.identity.MeshIDs {
		_ = c.SRem(ctx, sch.MeshMembers(mesh), r.identity.ServerID).Err()
	}
	r.log.Info("Server deregistered", "server_id", r.identity.ServerID)
	return nil
}
