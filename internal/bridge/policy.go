package bridge

import (
	"math/rand"
	"time"
)

// RetryPolicy configures how outbound sends are retried. Only transient
// failures are retried; a permanent failure short-circuits the loop.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of send attempts.
	MaxAttempts int
	// BaseBackoff is the delay before the second attempt; each further
	// delay doubles.
	BaseBackoff time.Duration
	// JitterFrac spreads each delay by ±frac (0.25 means ±25%).
	JitterFrac float64
	// AttemptTimeout bounds a single connector send.
	AttemptTimeout time.Duration
	// OverallTimeout bounds the whole dispatch including all retries.
	OverallTimeout time.Duration
}

// NormalizeRetryPolicy fills zero-value fields with the defaults.
func NormalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = time.Second
	}
	if policy.JitterFrac <= 0 || policy.JitterFrac >= 1 {
		policy.JitterFrac = 0.25
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = 10 * time.Second
	}
	if policy.OverallTimeout <= 0 {
		policy.OverallTimeout = 30 * time.Second
	}
	return policy
}

// Backoff returns the jittered delay to wait after the given failed attempt
// (1-based). With ±25% jitter on a doubling base the sequence stays strictly
// increasing. A positive platform retry hint overrides the computed delay
// when it is larger.
func (p RetryPolicy) Backoff(attempt int, hint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseBackoff << (attempt - 1)
	spread := 1 + p.JitterFrac*(2*rand.Float64()-1)
	delay := time.Duration(float64(base) * spread)
	if hint > delay {
		return hint
	}
	return delay
}
