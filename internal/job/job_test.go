package job

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bridgemq/bridgemq/internal/joberr"
)

func TestNewDefaults(t *testing.T) {
	j, err := New("email", []byte(`{"to":"x"}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if j.ID == "" {
		t.Fatal("no id assigned")
	}
	if j.Priority != DefaultPriority || j.Status != StatusPending || j.MeshID != DefaultMesh {
		t.Fatalf("defaults: %+v", j)
	}
	if j.ScheduledFor != j.CreatedAt {
		t.Fatal("immediate job must be eligible at creation")
	}
}

func TestNewValidatesType(t *testing.T) {
	bad := []string{"", "has space", "has.dot", "x/y", strings.Repeat("a", 101)}
	for _, typ := range bad {
		if _, err := New(typ, nil, nil); err == nil {
			t.Errorf("type %q accepted", typ)
		}
	}
	if _, err := New("Valid_type-123", nil, nil); err != nil {
		t.Errorf("valid type rejected: %v", err)
	}
}

func TestNewDelayed(t *testing.T) {
	j, err := New("email", nil, &Config{Schedule: &ScheduleConfig{DelayMs: 60_000}})
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != StatusScheduled {
		t.Fatalf("status = %q", j.Status)
	}
	if j.ScheduledFor <= j.CreatedAt {
		t.Fatal("delay not applied")
	}
}

func TestNewRunAt(t *testing.T) {
	runAt := time.Now().Add(time.Hour).UnixMilli()
	j, err := New("email", nil, &Config{Schedule: &ScheduleConfig{RunAt: runAt}})
	if err != nil {
		t.Fatal(err)
	}
	if j.ScheduledFor != runAt || j.Status != StatusScheduled {
		t.Fatalf("runAt job: %+v", j)
	}
}

func TestNewWithDependenciesScheduled(t *testing.T) {
	j, err := New("transform", nil, &Config{Dependencies: &DependencyConfig{WaitFor: []string{"p1"}}})
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != StatusScheduled || len(j.DependsOn) != 1 {
		t.Fatalf("dependent job: %+v", j)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		code joberr.Code
	}{
		{"priority too high", Config{Priority: 11}, joberr.CodeInvalidPriority},
		{"priority too low", Config{Priority: -1}, joberr.CodeInvalidPriority},
		{"delay and runAt", Config{Schedule: &ScheduleConfig{DelayMs: 1, RunAt: 2}}, joberr.CodeInvalidConfig},
		{"bad backoff", Config{Retry: &RetryConfig{Backoff: "quadratic"}}, joberr.CodeInvalidConfig},
		{"jitter out of range", Config{Retry: &RetryConfig{JitterFactor: jitterOf(1.5)}}, joberr.CodeInvalidConfig},
		{"bad mode", Config{Target: &TargetConfig{Mode: "most"}}, joberr.CodeInvalidConfig},
		{"rate limit no window", Config{RateLimit: &RateLimitConfig{Key: "k", Max: 5}}, joberr.CodeInvalidConfig},
		{"chain bad type", Config{Chain: &ChainConfig{OnSuccess: []*Template{{Type: "no good"}}}}, joberr.CodeInvalidJobType},
	}
	for _, c := range cases {
		err := c.cfg.Validate()
		if err == nil {
			t.Errorf("%s: accepted", c.name)
			continue
		}
		var je *joberr.Error
		if !errors.As(err, &je) || je.Code != c.code {
			t.Errorf("%s: code = %v, want %d", c.name, err, c.code)
		}
	}
	ok := Config{Priority: 10, Retry: &RetryConfig{Backoff: BackoffLinear, JitterFactor: jitterOf(0.5)}}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func jitterOf(v float64) *float64 { return &v }

func TestConfigKeepsExplicitZeroJitter(t *testing.T) {
	data, err := (&Config{Retry: &RetryConfig{JitterFactor: jitterOf(0)}}).Encode()
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecodeConfig(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.Retry == nil || back.Retry.JitterFactor == nil || *back.Retry.JitterFactor != 0 {
		t.Fatalf("explicit zero lost: %+v", back.Retry)
	}
	if back.Retry.EffectiveJitterFactor() != 0 {
		t.Fatal("explicit zero must not fall back to the default")
	}
}

func TestEffectiveRetryDefaults(t *testing.T) {
	var c *Config
	r := c.EffectiveRetry()
	if r.MaxAttempts != DefaultMaxAttempts || r.Backoff != BackoffExponential ||
		r.BaseDelayMs != DefaultBaseDelayMs || r.MaxDelayMs != DefaultMaxDelayMs ||
		r.EffectiveJitterFactor() != DefaultJitterFactor {
		t.Fatalf("defaults: %+v", r)
	}

	c = &Config{Retry: &RetryConfig{MaxAttempts: 7, Backoff: BackoffFixed}}
	r = c.EffectiveRetry()
	if r.MaxAttempts != 7 || r.Backoff != BackoffFixed || r.BaseDelayMs != DefaultBaseDelayMs {
		t.Fatalf("partial override: %+v", r)
	}
}

func TestRetryEnabled(t *testing.T) {
	if !(&Config{}).RetryEnabled() {
		t.Fatal("retries must default on")
	}
	off := false
	if (&Config{Retry: &RetryConfig{Enabled: &off}}).RetryEnabled() {
		t.Fatal("explicit disable ignored")
	}
}

func TestEncodeNilConfig(t *testing.T) {
	var c *Config
	data, err := c.Encode()
	if err != nil || string(data) != "{}" {
		t.Fatalf("nil encode = %q %v", data, err)
	}
	decoded, err := DecodeConfig(data)
	if err != nil || decoded == nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("email", []byte("x"))
	b := Fingerprint("email", []byte("x"))
	if a != b {
		t.Fatal("fingerprint not deterministic")
	}
	if Fingerprint("email", []byte("y")) == a {
		t.Fatal("payload change did not alter fingerprint")
	}
	if Fingerprint("sms", []byte("x")) == a {
		t.Fatal("type change did not alter fingerprint")
	}
}
