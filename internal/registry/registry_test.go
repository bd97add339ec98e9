package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
)

func testConfigs() map[string]crawl.ProviderConfig {
	return map[string]crawl.ProviderConfig{
		"openai": {
			Endpoint: "https://api.openai.com/v1/chat/completions",
			Model:    "gpt-4",
			APIKeys:  []string{"key-a", "key-b", "key-c"},
		},
		"anthropic": {
			Endpoint: "https://api.anthropic.com/v1/messages",
			Model:    "claude-3-5-sonnet-20241022",
			APIKeys:  []string{"ak-1"},
		},
		"google": {
			Endpoint: "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:generateContent",
			Model:    "gemini-pro",
			// No keys configured: must be excluded, not fatal.
			APIKeys: []string{""},
		},
	}
}

func TestBuild_ExcludesProvidersWithoutCredentials(t *testing.T) {
	t.Parallel()

	r, err := Build(testConfigs(), nil, zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, []string{"anthropic", "openai"}, r.ActiveProviders())

	// The excluded provider is still resolvable for admin introspection.
	cfg, err := r.Config("google")
	require.NoError(t, err)
	require.Equal(t, "google", cfg.ID)

	_, err = r.Credential("google")
	require.Error(t, err)
}

func TestCredential_RoundRobin(t *testing.T) {
	t.Parallel()

	r, err := Build(testConfigs(), nil, zap.NewNop())
	require.NoError(t, err)

	seen := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		k, err := r.Credential("openai")
		require.NoError(t, err)
		seen = append(seen, k)
	}
	require.Equal(t, []string{"key-a", "key-b", "key-c", "key-a", "key-b", "key-c"}, seen)
}

func TestAdapter_UnknownProvider(t *testing.T) {
	t.Parallel()

	r, err := Build(testConfigs(), nil, zap.NewNop())
	require.NoError(t, err)

	_, err = r.Adapter("nope")
	require.Error(t, err)

	a, err := r.Adapter("openai")
	require.NoError(t, err)
	require.Equal(t, "openai", a.Name())
}
