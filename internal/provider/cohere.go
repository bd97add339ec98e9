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

// CohereAdapter speaks Cohere's generate API, which returns a generations
// array instead of chat choices.
type CohereAdapter struct {
	cfg    crawl.ProviderConfig
	client *http.Client
}

// NewCohereAdapter constructs a CohereAdapter for one provider config.
func NewCohereAdapter(cfg crawl.ProviderConfig, client *http.Client) *CohereAdapter {
	return &CohereAdapter{cfg: cfg, client: client}
}

// Name returns the provider id.
func (a *CohereAdapter) Name() string {
	return a.cfg.ID
}

type cohereRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type cohereResponse struct {
	Generations []struct {
		Text string `json:"text"`
	} `json:"generations"`
}

// Invoke sends one generate request and parses the first generation.
func (a *CohereAdapter) Invoke(ctx context.Context, req crawl.InvokeRequest) (crawl.InvokeResult, error) {
	payload := cohereRequest{
		Model:     req.Model,
		Prompt:    FillPrompt(req.Prompt, req.Domain),
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
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
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

	var parsed cohereResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindMalformed, ProviderID: a.cfg.ID, Err: fmt.Errorf("decode response: %w", err),
		}
	}
	if len(parsed.Generations) == 0 || parsed.Generations[0].Text == "" {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindMalformed, ProviderID: a.cfg.ID, Err: fmt.Errorf("empty generations"),
		}
	}

	return crawl.InvokeResult{
		Text:    parsed.Generations[0].Text,
		Latency: time.Since(start),
		Raw:     raw,
	}, nil
}
