// Package metrics keeps in-process execution counters per job type. The
// collector is a process-local singleton; cross-process totals live in the
// per-mesh counters the scripts maintain.
package metrics

import (
	"sync"
	"time"
)

// TypeStats are the counters for one job type.
type TypeStats struct {
	Completed int64         `json:"completed"`
	Failed    int64         `json:"failed"`
	Retried   int64         `json:"retried"`
	TotalTime time.Duration `json:"totalTime"`
	MaxTime   time.Duration `json:"maxTime"`
}

// AvgTime returns the mean successful-execution duration.
func (t *TypeStats) AvgTime() time.Duration {
	if t.Completed == 0 {
		return 0
	}
	return t.TotalTime / time.Duration(t.Completed)
}

// Collector accumulates per-type execution counters.
type Collector struct {
	mu      sync.RWMutex
	perType map[string]*TypeStats
	started time.Time
}

var (
	instance *Collector
	once     sync.Once
)

// Get returns the process-wide collector.
func Get() *Collector {
	once.Do(func() {
		instance = &Collector{
			perType: make(map[string]*TypeStats),
			started: time.Now(),
		}
	})
	return instance
}

func (c *Collector) stats(jobType string) *TypeStats {
	s, ok := c.perType[jobType]
	if !ok {
		s = &TypeStats{}
		c.perType[jobType] = s
	}
	return s
}

// RecordCompleted counts a successful execution and its duration.
func (c *Collector) RecordCompleted(jobType string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats(jobType)
	s.Completed++
	s.TotalTime += d
	if d > s.MaxTime {
		s.MaxTime = d
	}
}

// RecordFailed counts a terminal failure.
func (c *Collector) RecordFailed(jobType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats(jobType).Failed++
}

// RecordRetry counts a rescheduled attempt.
func (c *Collector) RecordRetry(jobType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats(jobType).Retried++
}

// Snapshot returns a copy of the counters.
func (c *Collector) Snapshot() map[string]TypeStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]TypeStats, len(c.perType))
	for t, s := range c.perType {
		out[t] = *s
	}
	return out
}

// Uptime returns how long the collector has been alive.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.started)
}

// Reset clears all counters; used between test runs.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perType = make(map[string]*TypeStats)
	c.started = time.Now()
}
