package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
)

// GeminiAdapter speaks the Google generateContent API. Authentication rides
// in the key query parameter rather than a header, so the credential must
// never be logged as part of the URL.
type GeminiAdapter struct {
	cfg    crawl.ProviderConfig
	client *http.Client
}

// NewGeminiAdapter constructs a GeminiAdapter.
func NewGeminiAdapter(cfg crawl.ProviderConfig, client *http.Client) *GeminiAdapter {
	return &GeminiAdapter{cfg: cfg, client: client}
}

// Name returns the provider id.
func (a *GeminiAdapter) Name() string {
	return a.cfg.ID
}

type geminiRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Invoke sends one generateContent request and parses the first candidate.
func (a *GeminiAdapter) Invoke(ctx context.Context, req crawl.InvokeRequest) (crawl.InvokeResult, error) {
	var payload geminiRequest
	payload.Contents = make([]struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}, 1)
	payload.Contents[0].Parts = make([]struct {
		Text string `json:"text"`
	}, 1)
	payload.Contents[0].Parts[0].Text = FillPrompt(req.Prompt, req.Domain)

	body, err := json.Marshal(payload)
	if err != nil {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindConfig, ProviderID: a.cfg.ID, Err: fmt.Errorf("marshal request: %w", err),
		}
	}

	endpoint, err := a.keyedEndpoint(req.Credential)
	if err != nil {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindConfig, ProviderID: a.cfg.ID, Err: err,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindConfig, ProviderID: a.cfg.ID, Err: fmt.Errorf("build request: %w", err),
		}
	}
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

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindMalformed, ProviderID: a.cfg.ID, Err: fmt.Errorf("decode response: %w", err),
		}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 ||
		parsed.Candidates[0].Content.Parts[0].Text == "" {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindMalformed, ProviderID: a.cfg.ID, Err: fmt.Errorf("empty candidates"),
		}
	}

	return crawl.InvokeResult{
		Text:    parsed.Candidates[0].Content.Parts[0].Text,
		Latency: time.Since(start),
		Raw:     raw,
	}, nil
}

func (a *GeminiAdapter) keyedEndpoint(credential string) (string, error) {
	u, err := url.Parse(a.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
