// Package retrypolicy holds the retry decision split: Eligible classifies
// the error on the worker side, while the attempt budget and the backoff are
// enforced transactionally by the retry script at finalize time. Delay is
// the Go mirror of the script's backoff formula.
package retrypolicy

import (
	"math"

	"github.com/bridgemq/bridgemq/internal/job"
	"github.com/bridgemq/bridgemq/internal/joberr"
)

// Eligible reports whether a failed attempt may be rescheduled at all.
// Validation-class errors never replay; everything else is handed to the
// retry script, which dead-letters the job once the budget is spent or
// retries are disabled.
func Eligible(cause error) bool {
	return joberr.IsRetryable(cause)
}

// Delay returns the backoff before the given attempt (1-based) with jitter
// applied. jitter must be uniform in [0,1). Matches the server-side formula
// exactly, so callers can predict when a rescheduled job becomes due.
func Delay(r job.RetryConfig, attempt int, jitter float64) int64 {
	if attempt < 1 {
		attempt = 1
	}
	var delay int64
	switch r.Backoff {
	case job.BackoffLinear:
		delay = r.BaseDelayMs * int64(attempt)
	case job.BackoffFixed:
		delay = r.BaseDelayMs
	default:
		delay = r.BaseDelayMs * int64(math.Pow(2, float64(attempt-1)))
	}
	if r.MaxDelayMs > 0 && delay > r.MaxDelayMs {
		delay = r.MaxDelayMs
	}
	// symmetric jitter: delay * (1 ± jitterFactor)
	return int64(math.Floor(float64(delay) * (1 + (2*jitter-1)*r.EffectiveJitterFactor())))
}
