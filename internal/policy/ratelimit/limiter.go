// Package ratelimit implements per-provider token bucket rate control.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
	"github.com/llmrank/mindshare-crawler/internal/metrics"
)

// Limiter manages one token bucket per provider. Bucket parameters come from
// each provider's config (requests per minute, burst); providers the config
// does not know get the default rate.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	rates        map[string]rate.Limit
	bursts       map[string]int
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter defaults for providers without explicit limits.
type Config struct {
	DefaultRPM   int
	DefaultBurst int
}

// New creates a Limiter seeded with per-provider limits.
func New(cfg Config, providers map[string]crawl.ProviderConfig) *Limiter {
	r := rate.Limit(float64(cfg.DefaultRPM) / 60.0)
	if cfg.DefaultRPM <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		rates:        make(map[string]rate.Limit),
		bursts:       make(map[string]int),
		defaultRate:  r,
		defaultBurst: burst,
	}
	for id, p := range providers {
		if p.RequestsPerMin > 0 {
			l.rates[id] = rate.Limit(float64(p.RequestsPerMin) / 60.0)
		}
		if p.Burst > 0 {
			l.bursts[id] = p.Burst
		}
	}
	return l
}

// Wait blocks until a token is available for the provider, respecting the
// context. The wait is event-driven inside rate.Limiter; callers never poll.
func (l *Limiter) Wait(ctx context.Context, providerID string) error {
	limiter := l.limiterFor(providerID)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if delay := time.Since(start); delay > time.Millisecond {
		metrics.ObserveRateLimitDelay(providerID, delay)
	}
	return nil
}

// Tokens reports the bucket's current token count for admin introspection.
func (l *Limiter) Tokens(providerID string) float64 {
	return l.limiterFor(providerID).Tokens()
}

func (l *Limiter) limiterFor(providerID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[providerID]
	if !exists {
		r := l.defaultRate
		if pr, ok := l.rates[providerID]; ok {
			r = pr
		}
		burst := l.defaultBurst
		if pb, ok := l.bursts[providerID]; ok {
			burst = pb
		}
		limiter = rate.NewLimiter(r, burst)
		l.limiters[providerID] = limiter
	}
	return limiter
}
