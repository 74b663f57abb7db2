// The worker binary registers a server, claims jobs and runs handlers.
// Handlers are registered in buildRegistry; edit it (or vendor this main)
// to wire your own job types.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bridgemq/bridgemq/internal/config"
	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/logger"
	"github.com/bridgemq/bridgemq/internal/repo"
	"github.com/bridgemq/bridgemq/internal/server"
	"github.com/bridgemq/bridgemq/internal/store"
	"github.com/bridgemq/bridgemq/internal/worker"
)

func main() {
	cfg := config.LoadWorker()

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store, keys.NewSchema(cfg.Namespace))
	if err != nil {
		log.Error("Store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	go st.HealthLoop(ctx)

	reg, err := server.Register(ctx, st, server.Identity{
		ServerID:     cfg.ServerID,
		Stack:        cfg.Stack,
		Region:       cfg.Region,
		Capabilities: cfg.Capabilities,
		MeshIDs:      cfg.Meshes,
	}, server.WithTTL(cfg.HeartbeatTTL))
	if err != nil {
		log.Error("Server registration failed", "error", err)
		os.Exit(1)
	}

	registry := worker.NewRegistry()
	if err := buildRegistry(registry); err != nil {
		log.Error("Handler registration failed", "error", err)
		os.Exit(1)
	}

	pool := worker.NewPool(cfg.Pool, repo.New(st), registry, reg)
	pool.Run(ctx)

	// drain before the registry entry disappears so routing stops first
	dctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownGrace)
	defer cancel()
	_ = reg.Drain(dctx)
	if err := reg.Deregister(dctx); err != nil {
		log.Warn("Deregister failed", "error", err)
	}
}

// buildRegistry wires job handlers. The echo handler is a placeholder that
// proves the loop end to end.
func buildRegistry(r *worker.Registry) error {
	return r.Register("echo", func(ctx context.Context, jc *worker.JobContext) worker.Outcome {
		var payload map[string]interface{}
		if err := jc.Unmarshal(&payload); err != nil {
			return worker.Fail(joberr.Wrap(joberr.CodeInvalidPayload, "echo payload unreadable", err))
		}
		return worker.Success(payload)
	})
}
