// Package policy implements the retry and timeout policy applied to model and
// tool calls. Policies are plain values attached at workflow level and
// optionally overridden per step.
package policy

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// Backoff configures exponential backoff between attempts.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay. Zero means uncapped.
	Max time.Duration
	// Multiplier grows the delay after each retry. Values below 1 are treated as 2.
	Multiplier float64
	// Jitter adds up to the given fraction of randomness (0.1 = 10%).
	Jitter float64
}

// RetryPolicy bounds how often a failing operation is attempted and how long
// to wait in between. Delay (fixed) and Backoff (exponential) are mutually
// exclusive; with neither set retries happen immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first one.
	// Zero or one disables retries.
	MaxAttempts int
	Delay       time.Duration
	Backoff     *Backoff
	// ShouldRetry overrides core.IsRetryable.
	ShouldRetry func(error) bool
}

// TimeoutSpec bounds a single attempt of a model or tool call.
type TimeoutSpec struct {
	PerAttempt time.Duration
}

// Enabled reports whether a timeout is configured.
func (t TimeoutSpec) Enabled() bool { return t.PerAttempt > 0 }

// NoRetry performs exactly one attempt.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// DefaultRetryPolicy retries transient failures twice with exponential backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Backoff: &Backoff{
		Initial:    200 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	},
}

// Validate rejects inconsistent policies. It is called when a workflow is
// declared so that misconfiguration fails before any step executes.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return &core.ConfigError{Field: "retry.max_attempts", Message: "must not be negative"}
	}
	if p.Delay < 0 {
		return &core.ConfigError{Field: "retry.delay", Message: "must not be negative"}
	}
	if p.Delay > 0 && p.Backoff != nil {
		return &core.ConfigError{Field: "retry", Message: "fixed delay and backoff are mutually exclusive"}
	}
	if b := p.Backoff; b != nil {
		if b.Initial < 0 || b.Max < 0 {
			return &core.ConfigError{Field: "retry.backoff", Message: "durations must not be negative"}
		}
		if b.Jitter < 0 || b.Jitter > 1 {
			return &core.ConfigError{Field: "retry.backoff.jitter", Message: "must be within [0,1]"}
		}
	}
	return nil
}

// Validate rejects negative timeouts.
func (t TimeoutSpec) Validate() error {
	if t.PerAttempt < 0 {
		return &core.ConfigError{Field: "timeout", Message: "must not be negative"}
	}
	return nil
}

// Attempts returns the normalized number of attempts.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Wait returns the delay after the given failed attempt (1-based).
func (p RetryPolicy) Wait(attempt int) time.Duration {
	if p.Delay > 0 {
		return p.Delay
	}
	b := p.Backoff
	if b == nil || b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * rand.Float64()
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p RetryPolicy) retryable(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return core.IsRetryable(err)
}

// Merge returns override when it is set, base otherwise.
func Merge(base RetryPolicy, override *RetryPolicy) RetryPolicy {
	if override != nil {
		return *override
	}
	return base
}

// MergeTimeout returns override when it is set, base otherwise.
func MergeTimeout(base TimeoutSpec, override *TimeoutSpec) TimeoutSpec {
	if override != nil {
		return *override
	}
	return base
}
