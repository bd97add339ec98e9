// Package source supplies the domain and prompt sets for a batch.
package source

import (
	"context"
	"fmt"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
)

// StaticDomains serves a fixed domain list from configuration. Inactive
// domains are filtered out at fetch time.
type StaticDomains struct {
	domains []crawl.Domain
}

// NewStaticDomains constructs a StaticDomains source.
func NewStaticDomains(domains []crawl.Domain) *StaticDomains {
	return &StaticDomains{domains: domains}
}

// Domains returns the active subset of the configured list.
func (s *StaticDomains) Domains(_ context.Context) ([]crawl.Domain, error) {
	out := make([]crawl.Domain, 0, len(s.domains))
	for _, d := range s.domains {
		if !d.Active {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// StaticPrompts serves a fixed prompt list from configuration.
type StaticPrompts struct {
	prompts []crawl.Prompt
}

// NewStaticPrompts constructs a StaticPrompts source. Prompts without a
// priority tier default to high so degradation never drops them silently.
func NewStaticPrompts(prompts []crawl.Prompt) (*StaticPrompts, error) {
	out := make([]crawl.Prompt, 0, len(prompts))
	for _, p := range prompts {
		if p.ID == "" || p.Text == "" {
			return nil, fmt.Errorf("prompt requires id and text")
		}
		if p.Priority == "" {
			p.Priority = crawl.PriorityHigh
		}
		out = append(out, p)
	}
	return &StaticPrompts{prompts: out}, nil
}

// Prompts returns the configured prompt list.
func (s *StaticPrompts) Prompts(_ context.Context) ([]crawl.Prompt, error) {
	out := make([]crawl.Prompt, len(s.prompts))
	copy(out, s.prompts)
	return out, nil
}
