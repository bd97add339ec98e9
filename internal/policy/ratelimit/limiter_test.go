package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
	"github.com/llmrank/mindshare-crawler/internal/metrics"
)

func TestLimiter_WaitEnforcesProviderRate(t *testing.T) {
	metrics.Init()

	// 600 rpm = one token every 100ms, burst 1.
	l := New(Config{DefaultRPM: 60, DefaultBurst: 1}, map[string]crawl.ProviderConfig{
		"openai": {RequestsPerMin: 600, Burst: 1},
	})

	ctx := context.Background()
	if err := l.Wait(ctx, "openai"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "openai"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected second wait ~100ms, got %v", dur)
	}
}

func TestLimiter_ProvidersIndependent(t *testing.T) {
	metrics.Init()

	// 60 rpm = one token per second; draining provider A must not block B.
	l := New(Config{DefaultRPM: 60, DefaultBurst: 1}, nil)

	ctx := context.Background()
	if err := l.Wait(ctx, "slow-a"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "slow-b"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("provider B blocked by provider A's bucket")
	}
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	metrics.Init()

	l := New(Config{DefaultRPM: 6, DefaultBurst: 1}, nil) // one token per 10s
	ctx := context.Background()
	if err := l.Wait(ctx, "p"); err != nil {
		t.Fatal(err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.Wait(shortCtx, "p"); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestLimiter_TokensVisible(t *testing.T) {
	metrics.Init()

	l := New(Config{DefaultRPM: 60, DefaultBurst: 5}, nil)
	if got := l.Tokens("fresh"); got < 4.9 {
		t.Errorf("expected a full bucket, got %v tokens", got)
	}
}
