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

// ChatAdapter speaks the OpenAI-compatible chat completions protocol used by
// openai, deepseek, mistral, xai, together, perplexity and groq.
type ChatAdapter struct {
	cfg    crawl.ProviderConfig
	client *http.Client
}

// NewChatAdapter constructs a ChatAdapter for one provider config.
func NewChatAdapter(cfg crawl.ProviderConfig, client *http.Client) *ChatAdapter {
	return &ChatAdapter{cfg: cfg, client: client}
}

// Name returns the provider id.
func (a *ChatAdapter) Name() string {
	return a.cfg.ID
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Invoke sends one chat completion request and parses the first choice.
func (a *ChatAdapter) Invoke(ctx context.Context, req crawl.InvokeRequest) (crawl.InvokeResult, error) {
	payload := chatRequest{
		Model:       req.Model,
		Messages:    []chatMessage{{Role: "user", Content: FillPrompt(req.Prompt, req.Domain)}},
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
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

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindMalformed, ProviderID: a.cfg.ID, Err: fmt.Errorf("decode response: %w", err),
		}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return crawl.InvokeResult{}, &crawl.CallError{
			Kind: crawl.KindMalformed, ProviderID: a.cfg.ID, Err: fmt.Errorf("empty choices"),
		}
	}

	return crawl.InvokeResult{
		Text:    parsed.Choices[0].Message.Content,
		Latency: time.Since(start),
		Raw:     raw,
	}, nil
}
