package scheduler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/crawlkit/crawld/internal/core"
)

// RetryPolicy controls re-enqueueing of failed jobs: capped exponential
// backoff with jitter, bounded by a maximum attempt count.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy; zero arguments fall back to defaults
// (3 attempts, 250ms base, 30s cap).
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &RetryPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay, maxDelay: maxDelay}
}

// MaxAttempts returns the default attempt bound.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether a job that failed on the given attempt may be
// re-enqueued. maxAttempts overrides the policy default when positive
// (per-plugin configuration).
func (p *RetryPolicy) ShouldRetry(kind core.ErrorKind, attempt, maxAttempts int) bool {
	if !kind.Retryable() {
		return false
	}
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttempts
	}
	return attempt < maxAttempts
}

// Backoff returns the wait duration before the next attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
