package crawl

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether a failed call is re-attempted and how long to
// wait before the next attempt. Retry is centralized here; adapters never
// retry on their own.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy with sane defaults: 3 attempts total,
// 250ms base, 5s cap.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		maxAttempts: 3,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
}

// NewRetryPolicyWith overrides the defaults; zero values fall back to them.
func NewRetryPolicyWith(maxAttempts int, base, max time.Duration) *RetryPolicy {
	p := NewRetryPolicy()
	if maxAttempts > 0 {
		p.maxAttempts = maxAttempts
	}
	if base > 0 {
		p.baseDelay = base
	}
	if max > 0 {
		p.maxDelay = max
	}
	return p
}

// MaxAttempts returns the total attempt ceiling, first try included.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable given how many attempts
// have already run. attempt is 1-based: after the first failed call pass 1.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	// Cancellation means the batch is shutting down; a per-call deadline, by
	// contrast, surfaces as KindTimeout and stays retryable.
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ce *CallError
	if !errors.As(err, &ce) {
		return false
	}
	if !ce.Retryable() {
		return false
	}
	// A malformed response gets a single re-read; persistent garbage is a
	// terminal quality failure, not a transport problem.
	if ce.Kind == KindMalformed && attempt >= 1 {
		return attempt < 2
	}
	return true
}

// Backoff returns the wait duration before the next attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
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
