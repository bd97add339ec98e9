package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmrank/mindshare-crawler/internal/config"
	"github.com/llmrank/mindshare-crawler/internal/crawl"
)

func baseConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Batch: config.BatchConfig{
			GlobalConcurrency: 4,
			SoftDeadlineMin:   60,
			HardDeadlineMin:   120,
			DefaultRPM:        60,
		},
		Retry:   config.RetryConfig{MaxAttempts: 3, BackoffInitialMs: 10, BackoffMaxMs: 50},
		Breaker: config.BreakerConfig{WindowSec: 30, MinSamples: 5, FailureRate: 0.5, CooldownSec: 30, HalfOpenProbes: 2},
		Archive: config.ArchiveConfig{Provider: "memory"},
		Providers: map[string]crawl.ProviderConfig{
			"openai": {
				ID:             "openai",
				Tier:           crawl.TierFast,
				Endpoint:       "https://api.openai.example/v1/chat/completions",
				Model:          "gpt-test",
				APIKeys:        []string{"sk-test"},
				MaxConcurrency: 2,
				Timeout:        30 * time.Second,
			},
		},
		Domains: []crawl.Domain{{Name: "stripe.com", Active: true}},
		Prompts: []crawl.Prompt{{ID: "rec", Text: "Recommend a payments platform.", Priority: crawl.PriorityHigh}},
	}
}

func TestNewWithMemoryServices(t *testing.T) {
	t.Parallel()

	a, err := New(t.Context(), baseConfig())
	require.NoError(t, err)
	defer a.Close(t.Context())

	require.NotNil(t, a.Logger())
	require.NotNil(t, a.Batches())
	require.NotNil(t, a.Breaker())
	require.NotNil(t, a.Limiter())
	require.Equal(t, []string{"openai"}, a.Registry().ActiveProviders())

	orch, err := a.NewOrchestrator()
	require.NoError(t, err)
	require.NotNil(t, orch)
}

func TestNewRejectsUnknownArchiveProvider(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Archive.Provider = "s3"

	_, err := New(t.Context(), cfg)
	require.ErrorContains(t, err, "unknown archive provider")
}

func TestNewRequiresPubSubSettingsWhenEnabled(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.PubSub.Enabled = true

	_, err := New(t.Context(), cfg)
	require.ErrorContains(t, err, "project_id or topic_name")
}

func TestNewRequiresADomainSource(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Domains = nil

	_, err := New(t.Context(), cfg)
	require.ErrorContains(t, err, "no domain source")
}
