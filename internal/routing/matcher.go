// Package routing decides whether a worker qualifies for a job's target
// config. The claim script applies the same rules server-side; this package
// is the Go mirror used for producer-side validation and local checks.
package routing

import (
	"strings"

	"github.com/bridgemq/bridgemq/internal/job"
)

// WorkerProfile describes the routing dimensions a worker advertises.
type WorkerProfile struct {
	ServerID     string
	Stack        string
	Region       string
	Capabilities []string
}

// Matches reports whether the worker qualifies for the target. A nil target
// matches every worker. A server override matches only that server and
// ignores the other dimensions.
func Matches(w WorkerProfile, t *job.TargetConfig) bool {
	if t == nil {
		return true
	}
	if t.Server != "" {
		return w.ServerID == t.Server
	}

	mode := t.Mode
	if mode == "" {
		mode = job.MatchAny
	}

	if !dimensionOK(t.Stack, mode, func(req string) bool { return w.Stack == req }) {
		return false
	}
	if !dimensionOK(t.Capabilities, mode, func(req string) bool { return capabilityMatch(w.Capabilities, req) }) {
		return false
	}
	if !dimensionOK(t.Region, mode, func(req string) bool { return w.Region == req }) {
		return false
	}
	return true
}

// dimensionOK applies the match mode to one dimension. An empty requirement
// list never constrains.
func dimensionOK(required []string, mode job.MatchMode, match func(string) bool) bool {
	if len(required) == 0 {
		return true
	}
	if mode == job.MatchAll {
		for _, req := range required {
			if !match(req) {
				return false
			}
		}
		return true
	}
	for _, req := range required {
		if match(req) {
			return true
		}
	}
	return false
}

// capabilityMatch supports exact values, the bare wildcard "*" (any
// capability at all) and prefix wildcards like "gpu:*".
func capabilityMatch(have []string, pattern string) bool {
	if pattern == "*" {
		return len(have) > 0
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		for _, c := range have {
			if strings.HasPrefix(c, prefix+":") {
				return true
			}
		}
		return false
	}
	for _, c := range have {
		if c == pattern {
			return true
		}
	}
	return false
}
