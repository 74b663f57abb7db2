// Package config loads process configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bridgemq/bridgemq/internal/logger"
	"github.com/bridgemq/bridgemq/internal/maintenance"
	"github.com/bridgemq/bridgemq/internal/store"
	"github.com/bridgemq/bridgemq/internal/worker"
)

// Common holds settings shared by every bridgemq process.
type Common struct {
	RedisURL  string
	Namespace string
	Store     store.Config
	Logger    *logger.Config
}

// LoadCommon reads the shared settings.
func LoadCommon() Common {
	url := getEnv("BRIDGEMQ_REDIS_URL", "redis://localhost:6379/0")

	sc := store.DefaultConfig(url)
	sc.MaxConns = getEnvInt("BRIDGEMQ_REDIS_POOL_SIZE", sc.MaxConns)
	sc.MinIdleConns = getEnvInt("BRIDGEMQ_REDIS_MIN_IDLE", sc.MinIdleConns)
	sc.ConnectRetries = getEnvInt("BRIDGEMQ_REDIS_CONNECT_RETRIES", sc.ConnectRetries)
	sc.AcquireTimeout = getEnvDuration("BRIDGEMQ_REDIS_ACQUIRE_TIMEOUT", sc.AcquireTimeout)

	lc := logger.DefaultConfig()
	lc.Level = logger.LogLevel(getEnv("BRIDGEMQ_LOG_LEVEL", string(lc.Level)))
	lc.Format = logger.LogFormat(getEnv("BRIDGEMQ_LOG_FORMAT", string(lc.Format)))
	lc.File.Enabled = getEnvBool("BRIDGEMQ_LOG_FILE_ENABLED", lc.File.Enabled)
	lc.File.Path = getEnv("BRIDGEMQ_LOG_FILE_PATH", lc.File.Path)

	return Common{
		RedisURL:  url,
		Namespace: getEnv("BRIDGEMQ_NAMESPACE", ""),
		Store:     sc,
		Logger:    lc,
	}
}

// Worker holds the worker process settings.
type Worker struct {
	Common
	Pool         worker.PoolConfig
	ServerID     string
	Stack        string
	Region       string
	Capabilities []string
	Meshes       []string
	// HeartbeatTTL is the server registry entry TTL.
	HeartbeatTTL time.Duration
}

// LoadWorker reads the worker settings.
func LoadWorker() Worker {
	pc := worker.DefaultPoolConfig()
	pc.Concurrency = getEnvInt("BRIDGEMQ_WORKER_CONCURRENCY", pc.Concurrency)
	pc.PollInterval = getEnvDuration("BRIDGEMQ_WORKER_POLL_INTERVAL", pc.PollInterval)
	pc.StallTimeout = getEnvDuration("BRIDGEMQ_STALL_TIMEOUT", pc.StallTimeout)
	pc.ShutdownGrace = getEnvDuration("BRIDGEMQ_SHUTDOWN_GRACE", pc.ShutdownGrace)

	return Worker{
		Common:       LoadCommon(),
		Pool:         pc,
		ServerID:     getEnv("BRIDGEMQ_SERVER_ID", ""),
		Stack:        getEnv("BRIDGEMQ_STACK", ""),
		Region:       getEnv("BRIDGEMQ_REGION", ""),
		Capabilities: getEnvList("BRIDGEMQ_CAPABILITIES"),
		Meshes:       getEnvList("BRIDGEMQ_MESHES"),
		HeartbeatTTL: getEnvDuration("BRIDGEMQ_HEARTBEAT_TTL", 30*time.Second),
	}
}

// Maintenance holds the maintenance process settings.
type Maintenance struct {
	Common
	Sweeps maintenance.Config
}

// LoadMaintenance reads the maintenance settings.
func LoadMaintenance() Maintenance {
	mc := maintenance.DefaultConfig()
	mc.PromoteInterval = getEnvDuration("BRIDGEMQ_PROMOTE_INTERVAL", mc.PromoteInterval)
	mc.StallInterval = getEnvDuration("BRIDGEMQ_STALL_INTERVAL", mc.StallInterval)
	mc.StallTimeout = getEnvDuration("BRIDGEMQ_STALL_TIMEOUT", mc.StallTimeout)
	mc.MaxStallCount = getEnvInt("BRIDGEMQ_MAX_STALL_COUNT", mc.MaxStallCount)
	mc.CleanInterval = getEnvDuration("BRIDGEMQ_CLEAN_INTERVAL", mc.CleanInterval)
	mc.Retention = getEnvDuration("BRIDGEMQ_RETENTION", mc.Retention)
	mc.FailedRetention = getEnvDuration("BRIDGEMQ_FAILED_RETENTION", mc.FailedRetention)

	return Maintenance{
		Common: LoadCommon(),
		Sweeps: mc,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
