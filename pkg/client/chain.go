package client

import (
	"context"

	"github.com/bridgemq/bridgemq/internal/events"
	"github.com/bridgemq/bridgemq/internal/job"
)

// RunChainMaterializer watches terminal events and turns recorded chain
// templates into successor jobs. The complete script records templates under
// a short-lived key and consuming the key deletes it, so concurrent
// materializers fire each chain once.
//
// Blocks until ctx is done. Run it from exactly the processes that should
// own chain submission (the maintenance binary does by default).
func (c *Client) RunChainMaterializer(ctx context.Context) error {
	sub, err := c.bus.Global(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	c.log.Info("Chain materializer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if ev.Event != events.JobCompleted && ev.Event != events.JobFailed {
				continue
			}
			c.materialize(ctx, ev)
		}
	}
}

func (c *Client) materialize(ctx context.Context, ev *events.Event) {
	final := job.Status(ev.Status)
	templates, err := c.repo.ChainTemplates(ctx, ev.JobID, final)
	if err != nil {
		c.log.Warn("Chain read failed", "job_id", ev.JobID, "error", err)
		return
	}
	for _, tpl := range templates {
		j, err := job.New(tpl.Type, tpl.Payload, tpl.Config)
		if err != nil {
			c.log.Warn("Chain template invalid",
				"parent", ev.JobID, "type", tpl.Type, "error", err)
			continue
		}
		j.Version = tpl.Version
		if ev.MeshID != "" {
			j.MeshID = ev.MeshID
		}
		sub, err := c.submit(ctx, j)
		if err != nil {
			c.log.Error("Chain submission failed",
				"parent", ev.JobID, "type", tpl.Type, "error", err)
			continue
		}
		c.log.Info("Chain job submitted",
			"parent", ev.JobID, "job_id", sub.JobID, "type", tpl.Type, "on", ev.Event)
	}
}
