package config

import (
	"testing"
	"time"
)

func TestLoadCommonDefaults(t *testing.T) {
	c := LoadCommon()
	if c.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("url = %q", c.RedisURL)
	}
	if c.Namespace != "" {
		t.Fatalf("namespace = %q", c.Namespace)
	}
	if c.Store.MaxConns != 10 {
		t.Fatalf("pool size = %d", c.Store.MaxConns)
	}
}

func TestLoadCommonOverrides(t *testing.T) {
	t.Setenv("BRIDGEMQ_REDIS_URL", "redis://cache.internal:6380/2")
	t.Setenv("BRIDGEMQ_NAMESPACE", "staging")
	t.Setenv("BRIDGEMQ_REDIS_POOL_SIZE", "25")
	t.Setenv("BRIDGEMQ_LOG_LEVEL", "debug")

	c := LoadCommon()
	if c.RedisURL != "redis://cache.internal:6380/2" {
		t.Fatalf("url = %q", c.RedisURL)
	}
	if c.Namespace != "staging" {
		t.Fatalf("namespace = %q", c.Namespace)
	}
	if c.Store.MaxConns != 25 {
		t.Fatalf("pool size = %d", c.Store.MaxConns)
	}
	if string(c.Logger.Level) != "debug" {
		t.Fatalf("log level = %q", c.Logger.Level)
	}
}

func TestLoadWorker(t *testing.T) {
	t.Setenv("BRIDGEMQ_WORKER_CONCURRENCY", "12")
	t.Setenv("BRIDGEMQ_WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("BRIDGEMQ_CAPABILITIES", "gpu, video , ")
	t.Setenv("BRIDGEMQ_MESHES", "default,analytics")
	t.Setenv("BRIDGEMQ_HEARTBEAT_TTL", "45s")

	w := LoadWorker()
	if w.Pool.Concurrency != 12 {
		t.Fatalf("concurrency = %d", w.Pool.Concurrency)
	}
	if w.Pool.PollInterval != 250*time.Millisecond {
		t.Fatalf("poll interval = %v", w.Pool.PollInterval)
	}
	if len(w.Capabilities) != 2 || w.Capabilities[0] != "gpu" || w.Capabilities[1] != "video" {
		t.Fatalf("capabilities = %v", w.Capabilities)
	}
	if len(w.Meshes) != 2 {
		t.Fatalf("meshes = %v", w.Meshes)
	}
	if w.HeartbeatTTL != 45*time.Second {
		t.Fatalf("heartbeat ttl = %v", w.HeartbeatTTL)
	}
}

func TestLoadMaintenance(t *testing.T) {
	t.Setenv("BRIDGEMQ_PROMOTE_INTERVAL", "2s")
	t.Setenv("BRIDGEMQ_MAX_STALL_COUNT", "5")
	t.Setenv("BRIDGEMQ_RETENTION", "72h")
	t.Setenv("BRIDGEMQ_FAILED_RETENTION", "240h")

	m := LoadMaintenance()
	if m.Sweeps.PromoteInterval != 2*time.Second {
		t.Fatalf("promote interval = %v", m.Sweeps.PromoteInterval)
	}
	if m.Sweeps.MaxStallCount != 5 {
		t.Fatalf("max stall count = %d", m.Sweeps.MaxStallCount)
	}
	if m.Sweeps.Retention != 72*time.Hour {
		t.Fatalf("retention = %v", m.Sweeps.Retention)
	}
	if m.Sweeps.FailedRetention != 240*time.Hour {
		t.Fatalf("failed retention = %v", m.Sweeps.FailedRetention)
	}
}

func TestLoadMaintenanceDefaults(t *testing.T) {
	m := LoadMaintenance()
	if m.Sweeps.StallTimeout != 5*time.Minute {
		t.Fatalf("stall timeout = %v", m.Sweeps.StallTimeout)
	}
	if m.Sweeps.Retention != 24*time.Hour || m.Sweeps.FailedRetention != 7*24*time.Hour {
		t.Fatalf("retention defaults = %v / %v", m.Sweeps.Retention, m.Sweeps.FailedRetention)
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("BRIDGEMQ_REDIS_POOL_SIZE", "lots")
	t.Setenv("BRIDGEMQ_WORKER_POLL_INTERVAL", "soon")

	w := LoadWorker()
	if w.Store.MaxConns != 10 {
		t.Fatalf("pool size = %d", w.Store.MaxConns)
	}
	if w.Pool.PollInterval != 100*time.Millisecond {
		t.Fatalf("poll interval = %v", w.Pool.PollInterval)
	}
}
