// Package provider implements adapters for the external text-generation
// APIs. Each adapter translates a generic (domain, prompt) pair into one
// provider's request shape and classifies the outcome. Adapters never retry;
// retry policy is centralized in the orchestrator.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
)

const (
	defaultMaxTokens   = 500
	defaultTemperature = 0.7
)

// NewHTTPClient builds the shared outbound client. Timeouts are generous
// because slow-tier providers routinely take several seconds per completion;
// per-call deadlines come from the request context.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 90 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     120 * time.Second,
		},
	}
}

// BuildAdapter returns the adapter matching a provider's wire protocol.
// OpenAI-compatible chat completions cover most of the catalogue; Anthropic,
// Gemini, Cohere and AI21 have their own shapes.
func BuildAdapter(cfg crawl.ProviderConfig, client *http.Client) (crawl.Adapter, error) {
	if client == nil {
		client = NewHTTPClient()
	}
	switch cfg.ID {
	case "anthropic":
		return NewAnthropicAdapter(cfg, client), nil
	case "google":
		return NewGeminiAdapter(cfg, client), nil
	case "cohere":
		return NewCohereAdapter(cfg, client), nil
	case "ai21":
		return NewAI21Adapter(cfg, client), nil
	case "openai", "deepseek", "mistral", "xai", "together", "perplexity", "groq":
		return NewChatAdapter(cfg, client), nil
	default:
		// Unknown ids default to the OpenAI-compatible shape; nearly every
		// hosted inference API speaks it.
		return NewChatAdapter(cfg, client), nil
	}
}

// FillPrompt flattens a prompt and its subject into the single user message
// sent upstream.
func FillPrompt(promptText, domain string) string {
	return fmt.Sprintf("%s\n\nDomain: %s", promptText, domain)
}

// classifyStatus maps an HTTP response code to a failure kind.
func classifyStatus(providerID string, code int) *crawl.CallError {
	switch {
	case code == http.StatusTooManyRequests:
		return &crawl.CallError{Kind: crawl.KindRateLimited, ProviderID: providerID, StatusCode: code}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &crawl.CallError{Kind: crawl.KindAuthError, ProviderID: providerID, StatusCode: code}
	case code >= 500:
		return &crawl.CallError{Kind: crawl.KindServerError, ProviderID: providerID, StatusCode: code}
	default:
		return &crawl.CallError{
			Kind:       crawl.KindMalformed,
			ProviderID: providerID,
			StatusCode: code,
			Err:        fmt.Errorf("unexpected status %d", code),
		}
	}
}

// classifyTransport maps a transport-level error to a failure kind.
func classifyTransport(providerID string, err error) *crawl.CallError {
	kind := crawl.KindServerError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = crawl.KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = crawl.KindTimeout
	}
	return &crawl.CallError{Kind: kind, ProviderID: providerID, Err: err}
}
