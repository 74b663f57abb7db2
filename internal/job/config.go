package job

import (
	"encoding/json"

	"github.com/bridgemq/bridgemq/internal/joberr"
)

// Backoff selects the retry delay formula.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffLinear      Backoff = "linear"
	BackoffFixed       Backoff = "fixed"
)

// MatchMode selects how multi-valued routing dimensions combine.
type MatchMode string

const (
	// MatchAny qualifies a worker when its set intersects the required set.
	MatchAny MatchMode = "any"
	// MatchAll qualifies a worker only when the required set is a subset.
	MatchAll MatchMode = "all"
)

// Retry defaults per the complete/retry script contract.
const (
	DefaultPriority     = 5
	DefaultMaxAttempts  = 3
	DefaultBaseDelayMs  = 1000
	DefaultMaxDelayMs   = 60000
	DefaultJitterFactor = 0.2
	// DefaultIdempotencyWindow is the dedup index TTL in seconds.
	DefaultIdempotencyWindow = 3600
)

// Config is the enumerated job behavior config. Every recognized option is a
// typed field; there is no freeform option bag.
type Config struct {
	Priority     int                `json:"priority,omitempty"`
	Schedule     *ScheduleConfig    `json:"schedule,omitempty"`
	Retry        *RetryConfig       `json:"retry,omitempty"`
	Target       *TargetConfig      `json:"target,omitempty"`
	RateLimit    *RateLimitConfig   `json:"rateLimit,omitempty"`
	Idempotency  *IdempotencyConfig `json:"idempotency,omitempty"`
	Lifecycle    *LifecycleConfig   `json:"lifecycle,omitempty"`
	Behavior     *BehaviorConfig    `json:"behavior,omitempty"`
	Chain        *ChainConfig       `json:"chain,omitempty"`
	Dependencies *DependencyConfig  `json:"dependencies,omitempty"`
}

// ScheduleConfig controls when the job first becomes eligible. DelayMs and
// RunAt are mutually exclusive. Cron/Timezone are interpreted outside the
// core; only the resulting scheduledFor reaches the store.
type ScheduleConfig struct {
	DelayMs  int64  `json:"delay,omitempty"`
	RunAt    int64  `json:"runAt,omitempty"`
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// RetryConfig controls retry accounting and backoff. JitterFactor is a
// pointer for the same reason Enabled is: an explicit zero must survive
// serialization instead of collapsing into "unset".
type RetryConfig struct {
	MaxAttempts  int      `json:"maxAttempts,omitempty"`
	Backoff      Backoff  `json:"backoff,omitempty"`
	BaseDelayMs  int64    `json:"baseDelayMs,omitempty"`
	MaxDelayMs   int64    `json:"maxDelayMs,omitempty"`
	Enabled      *bool    `json:"enabled,omitempty"`
	JitterFactor *float64 `json:"jitterFactor,omitempty"`
}

// EffectiveJitterFactor returns the configured jitter factor or the default.
func (r RetryConfig) EffectiveJitterFactor() float64 {
	if r.JitterFactor != nil {
		return *r.JitterFactor
	}
	return DefaultJitterFactor
}

// TargetConfig routes the job to qualifying workers.
type TargetConfig struct {
	Server       string    `json:"server,omitempty"`
	Stack        []string  `json:"stack,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Region       []string  `json:"region,omitempty"`
	Mode         MatchMode `json:"mode,omitempty"`
}

// RateLimitConfig gates claims through a fixed-window counter and an
// optional per-type concurrency ceiling.
type RateLimitConfig struct {
	Key           string `json:"key,omitempty"`
	Max           int    `json:"max,omitempty"`
	WindowSeconds int    `json:"windowSeconds,omitempty"`
	MaxConcurrent int    `json:"maxConcurrent,omitempty"`
}

// IdempotencyConfig dedups creates sharing a key within the window.
type IdempotencyConfig struct {
	Key           string `json:"key,omitempty"`
	WindowSeconds int    `json:"window,omitempty"`
}

// LifecycleConfig applies a TTL (seconds) to the job's data keys.
type LifecycleConfig struct {
	TTLSeconds int `json:"ttl,omitempty"`
}

// BehaviorConfig holds behavior toggles.
type BehaviorConfig struct {
	RemoveOnComplete bool `json:"removeOnComplete,omitempty"`
	Deduplication    bool `json:"deduplication,omitempty"`
}

// ChainConfig lists successor templates materialized on completion.
type ChainConfig struct {
	OnSuccess []*Template `json:"onSuccess,omitempty"`
	OnFailure []*Template `json:"onFailure,omitempty"`
}

// Template describes a successor job to create when a chain fires.
type Template struct {
	Type    string  `json:"type"`
	Version string  `json:"version,omitempty"`
	Payload []byte  `json:"payload,omitempty"`
	Config  *Config `json:"config,omitempty"`
}

// DependencyConfig blocks the job until the listed parents complete.
type DependencyConfig struct {
	WaitFor []string `json:"waitFor,omitempty"`
}

// Validate fail-fasts on options the scripts would otherwise act on blindly.
func (c *Config) Validate() error {
	if c.Priority != 0 && (c.Priority < 1 || c.Priority > 10) {
		return joberr.Newf(joberr.CodeInvalidPriority, "priority %d out of range 1-10", c.Priority)
	}
	if s := c.Schedule; s != nil && s.DelayMs > 0 && s.RunAt > 0 {
		return joberr.New(joberr.CodeInvalidConfig, "schedule.delay and schedule.runAt are mutually exclusive")
	}
	if r := c.Retry; r != nil {
		if r.MaxAttempts < 0 {
			return joberr.New(joberr.CodeInvalidConfig, "retry.maxAttempts cannot be negative")
		}
		switch r.Backoff {
		case "", BackoffExponential, BackoffLinear, BackoffFixed:
		default:
			return joberr.Newf(joberr.CodeInvalidConfig, "unknown retry.backoff %q", r.Backoff)
		}
		if jf := r.JitterFactor; jf != nil && (*jf < 0 || *jf > 1) {
			return joberr.New(joberr.CodeInvalidConfig, "retry.jitterFactor must be in [0, 1]")
		}
	}
	if t := c.Target; t != nil {
		switch t.Mode {
		case "", MatchAny, MatchAll:
		default:
			return joberr.Newf(joberr.CodeInvalidConfig, "unknown target.mode %q", t.Mode)
		}
	}
	if rl := c.RateLimit; rl != nil && rl.Key != "" {
		if rl.Max <= 0 || rl.WindowSeconds <= 0 {
			return joberr.New(joberr.CodeInvalidConfig, "rateLimit.max and rateLimit.windowSeconds must be positive")
		}
	}
	if ch := c.Chain; ch != nil {
		for _, t := range append(append([]*Template(nil), ch.OnSuccess...), ch.OnFailure...) {
			if err := ValidateType(t.Type); err != nil {
				return err
			}
		}
	}
	return nil
}

// EffectivePriority returns the configured priority or the default.
func (c *Config) EffectivePriority() int {
	if c != nil && c.Priority != 0 {
		return c.Priority
	}
	return DefaultPriority
}

// EffectiveRetry returns the retry settings with defaults filled in.
func (c *Config) EffectiveRetry() RetryConfig {
	r := RetryConfig{}
	if c != nil && c.Retry != nil {
		r = *c.Retry
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.Backoff == "" {
		r.Backoff = BackoffExponential
	}
	if r.BaseDelayMs == 0 {
		r.BaseDelayMs = DefaultBaseDelayMs
	}
	if r.MaxDelayMs == 0 {
		r.MaxDelayMs = DefaultMaxDelayMs
	}
	if r.JitterFactor == nil {
		jf := DefaultJitterFactor
		r.JitterFactor = &jf
	}
	return r
}

// RetryEnabled reports whether the retry path is open at all.
func (c *Config) RetryEnabled() bool {
	if c == nil || c.Retry == nil || c.Retry.Enabled == nil {
		return true
	}
	return *c.Retry.Enabled
}

// IdempotencyWindow returns the configured dedup window in seconds.
func (c *Config) IdempotencyWindow() int {
	if c != nil && c.Idempotency != nil && c.Idempotency.WindowSeconds > 0 {
		return c.Idempotency.WindowSeconds
	}
	return DefaultIdempotencyWindow
}

// LifecycleTTL returns the data-key TTL in seconds, 0 meaning none.
func (c *Config) LifecycleTTL() int {
	if c != nil && c.Lifecycle != nil {
		return c.Lifecycle.TTLSeconds
	}
	return 0
}

// Encode marshals the config for the store. A nil config encodes as "{}" so
// the scripts can always cjson.decode it.
func (c *Config) Encode() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, joberr.Wrap(joberr.CodeInvalidConfig, "config not serializable", err)
	}
	return data, nil
}

// DecodeConfig parses a stored config blob.
func DecodeConfig(data []byte) (*Config, error) {
	if len(data) == 0 {
		return &Config{}, nil
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, joberr.Wrap(joberr.CodeInvalidConfig, "stored config unreadable", err)
	}
	return &c, nil
}
