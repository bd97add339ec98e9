package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
)

const anthropicVersion = "2023-06-01"

// AnthropicAdapter speaks the Anthropic messages API: x-api-key header
// instead of Bearer auth, a pinned anthropic-version, content blocks in the
// response.
type AnthropicAdapter struct {
	cfg    crawl.ProviderConfig
	client *http.Client
}

// NewAnthropicAdapter constructs an AnthropicAdapter.
func NewAnthropicAdapter(cfg crawl.ProviderConfig, client *http.Client) *AnthropicAdapter {
	return &AnthropicAdapter{cfg: cfg, client: client}
}

// Name returns the provider id.
func (a *AnthropicAdapter) Name() string {
	return a.cfg.ID
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Invoke sends one messages request and parses the first content block.
func (a *AnthropicAdapter) Invoke(ctx context.Context, req crawl.InvokeRequest) (crawl.InvokeResult, error) {
	payload := anthropicRequest{
		Model:     req.Model,
		Messages:  []chatMessage{{Role: "user", Content: FillPrompt(req.Prompt, req.Domain)}},
		MaxTokens: defaultMaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindConfig, ProviderID: a.cfg.ID, Err: fmt.Errorf("marshal request: %w", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindConfig, ProviderID: a.cfg.ID, Err: fmt.Errorf("build request: %w", err),
		}
	}
	httpReq.Header.Set("x-api-key", req.Credential)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return crawl.InvokeResult{}, classifyTransport(a.cfg.ID, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return crawl.InvokeResult{}, classifyTransport(a.cfg.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return crawl.InvokeResult{}, classifyStatus(a.cfg.ID, resp.StatusCode)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindMalformed, ProviderID: a.cfg.ID, Err: fmt.Errorf("decode response: %w", err),
		}
	}
	if len(parsed.Content) == 0 || parsed.Content[0].Text == "" {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindMalformed, ProviderID: a.cfg.ID, Err: fmt.Errorf("empty content blocks"),
		}
	}

	return crawl.InvokeResult{
		Text:    parsed.Content[0].Text,
		Latency: time.Since(start),
		Raw:     raw,
	}, nil
}
