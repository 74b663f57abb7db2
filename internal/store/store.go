// Package store is the Redis driver for the broker: a pooled primary client
// for commands and scripts, plus a dedicated client reserved for pub/sub.
// Every multi-key mutation goes through the atomic scripts defined in
// scripts.go; direct commands are only used for single-key writes and reads.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/logger"
)

// Config controls the connection pool and reconnect behavior.
type Config struct {
	// URL is the Redis connection URL (redis://host:port/db).
	URL string
	// MaxConns bounds the primary pool; 0 uses the go-redis default.
	MaxConns int
	// MinIdleConns is kept warm by the pool.
	MinIdleConns int
	// AcquireTimeout bounds how long a caller waits for a pooled connection.
	AcquireTimeout time.Duration
	// ConnectRetries bounds the initial connect/reconnect attempts before a
	// fatal error surfaces.
	ConnectRetries int
	// RetryBaseDelay seeds the reconnect backoff.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the reconnect backoff.
	RetryMaxDelay time.Duration
	// HealthCheckInterval drives the background probe; 0 disables it.
	HealthCheckInterval time.Duration
}

// DefaultConfig returns the driver defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:                 url,
		MaxConns:            10,
		MinIdleConns:        2,
		AcquireTimeout:      3 * time.Second,
		ConnectRetries:      5,
		RetryBaseDelay:      500 * time.Millisecond,
		RetryMaxDelay:       10 * time.Second,
		HealthCheckInterval: 15 * time.Second,
	}
}

// Store owns the Redis clients and the key schema.
type Store struct {
	client *redis.Client
	// sub is reserved for pub/sub; subscribing on the primary pool would
	// poison pooled connections.
	sub    *redis.Client
	schema *keys.Schema
	cfg    Config
	log    logger.Logger
}

// Open connects to the store, retrying with capped exponential backoff and
// ±20% jitter before surfacing a fatal connect error.
func Open(ctx context.Context, cfg Config, schema *keys.Schema) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store URL: %w", err)
	}
	applyPool(opts, cfg)
	client := redis.NewClient(opts)

	subOpts, _ := redis.ParseURL(cfg.URL)
	subOpts.PoolSize = 2
	sub := redis.NewClient(subOpts)

	s := &Store{
		client: client,
		sub:    sub,
		schema: schema,
		cfg:    cfg,
		log:    logger.Default().WithComponent(logger.ComponentStore),
	}

	if err := s.connect(ctx); err != nil {
		_ = client.Close()
		_ = sub.Close()
		return nil, err
	}

	s.log.Info("Connected to store", "url", cfg.URL, "pool_size", opts.PoolSize)
	return s, nil
}

func applyPool(opts *redis.Options, cfg Config) {
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.AcquireTimeout > 0 {
		opts.PoolTimeout = cfg.AcquireTimeout
	}
	// Command retries are handled by our own backoff; keep the driver's off
	// so error accounting stays in one place.
	opts.MaxRetries = -1
}

// connect pings until the store answers or the retry budget is exhausted.
func (s *Store) connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryBaseDelay
	bo.MaxInterval = s.cfg.RetryMaxDelay
	bo.RandomizationFactor = 0.2

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return s.client.Ping(pctx).Err()
	}

	retries := uint64(s.cfg.ConnectRetries)
	err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), retries))
	if err != nil {
		return joberr.Wrap(joberr.CodeRedisFailure, "store unreachable", err)
	}
	return nil
}

// Client returns the primary pooled client.
func (s *Store) Client() *redis.Client { return s.client }

// Subscriber returns the dedicated pub/sub client.
func (s *Store) Subscriber() *redis.Client { return s.sub }

// Schema returns the key schema.
func (s *Store) Schema() *keys.Schema { return s.schema }

// HealthLoop periodically probes the store; the pool evicts dead connections
// and tops back up to MinIdleConns on its own, the probe exists to surface
// outages in the logs early. Blocks until ctx is done.
func (s *Store) HealthLoop(ctx context.Context) {
	if s.cfg.HealthCheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := s.client.Ping(pctx).Err()
			cancel()
			if err != nil {
				s.log.Warn("Store health probe failed", "error", err)
			}
		}
	}
}

// Close closes both clients.
func (s *Store) Close() error {
	var firstErr error
	if err := s.client.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close store client: %w", err)
	}
	if err := s.sub.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close subscriber client: %w", err)
	}
	return firstErr
}
