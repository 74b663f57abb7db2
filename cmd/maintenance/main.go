// The maintenance binary runs the background sweeps (delayed promotion,
// stall detection, terminal cleanup) plus the chain materializer and the
// cron scheduler. Multiple instances may run; the scripts and locks keep
// them from stepping on each other.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bridgemq/bridgemq/internal/config"
	"github.com/bridgemq/bridgemq/internal/cron"
	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/logger"
	"github.com/bridgemq/bridgemq/internal/maintenance"
	"github.com/bridgemq/bridgemq/internal/repo"
	"github.com/bridgemq/bridgemq/internal/store"
	"github.com/bridgemq/bridgemq/pkg/client"
)

func main() {
	cfg := config.LoadMaintenance()

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

	r := repo.New(st)

	cl, err := client.New(ctx, client.Options{Store: st})
	if err != nil {
		log.Error("Client init failed", "error", err)
		os.Exit(1)
	}

	scheduler := cron.NewScheduler(r)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		maintenance.NewRunner(cfg.Sweeps, r).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := cl.RunChainMaterializer(ctx); err != nil {
			log.Error("Chain materializer failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	wg.Wait()
}
