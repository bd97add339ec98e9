package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
)

// AI21Adapter speaks AI21's studio complete API. The model is part of the
// URL path ({model}/complete) and the payload uses camelCase maxTokens; the
// response nests text under completions[].data.
type AI21Adapter struct {
	cfg    crawl.ProviderConfig
	client *http.Client
}

// NewAI21Adapter constructs an AI21Adapter for one provider config.
func NewAI21Adapter(cfg crawl.ProviderConfig, client *http.Client) *AI21Adapter {
	return &AI21Adapter{cfg: cfg, client: client}
}

// Name returns the provider id.
func (a *AI21Adapter) Name() string {
	return a.cfg.ID
}

type ai21Request struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"maxTokens"`
}

type ai21Response struct {
	Completions []struct {
		Data struct {
			Text string `json:"text"`
		} `json:"data"`
	} `json:"completions"`
}

// endpoint substitutes the model into a {model} placeholder when the
// configured endpoint carries one.
func (a *AI21Adapter) endpoint(model string) string {
	return strings.ReplaceAll(a.cfg.Endpoint, "{model}", model)
}

// Invoke sends one complete request and parses the first completion.
func (a *AI21Adapter) Invoke(ctx context.Context, req crawl.InvokeRequest) (crawl.InvokeResult, error) {
	payload := ai21Request{
		Prompt:    FillPrompt(req.Prompt, req.Domain),
		MaxTokens: defaultMaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindConfig, ProviderID: a.cfg.ID, Err: fmt.Errorf("marshal request: %w", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(req.Model), bytes.NewReader(body))
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

	var parsed ai21Response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindMalformed, ProviderID: a.cfg.ID, Err: fmt.Errorf("decode response: %w", err),
		}
	}
	if len(parsed.Completions) == 0 || parsed.Completions[0].Data.Text == "" {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindMalformed, ProviderID: a.cfg.ID, Err: fmt.Errorf("empty completions"),
		}
	}

	return crawl.InvokeResult{
		Text:    parsed.Completions[0].Data.Text,
		Latency: time.Since(start),
		Raw:     raw,
	}, nil
}
