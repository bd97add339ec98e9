// Package registry holds the provider catalogue for one batch: configs,
// adapters and credential selection.
package registry

import (
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
	"github.com/llmrank/mindshare-crawler/internal/provider"
)

// Registry is an immutable snapshot of configured providers. Hot reload
// builds a new Registry rather than mutating one in place; a running batch
// keeps the snapshot it started with.
type Registry struct {
	entries map[string]*entry
	active  []string
}

type entry struct {
	cfg     crawl.ProviderConfig
	adapter crawl.Adapter
	keyIdx  atomic.Uint64
}

// Build constructs a Registry from provider configs. Providers without a
// usable credential are excluded from the active set rather than failing the
// batch: a missing key is an operator problem scoped to that provider.
func Build(configs map[string]crawl.ProviderConfig, client *http.Client, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{entries: make(map[string]*entry, len(configs))}
	for id, cfg := range configs {
		if cfg.ID == "" {
			cfg.ID = id
		}
		adapter, err := provider.BuildAdapter(cfg, client)
		if err != nil {
			return nil, fmt.Errorf("build adapter %s: %w", id, err)
		}
		e := &entry{cfg: cfg, adapter: adapter}
		r.entries[cfg.ID] = e
		if hasCredential(cfg) {
			r.active = append(r.active, cfg.ID)
		} else {
			logger.Warn("provider has no credential, excluding from schedule",
				zap.String("provider", cfg.ID))
		}
	}
	sort.Strings(r.active)
	return r, nil
}

func hasCredential(cfg crawl.ProviderConfig) bool {
	for _, k := range cfg.APIKeys {
		if k != "" {
			return true
		}
	}
	return false
}

// ActiveProviders returns the ids eligible for scheduling, sorted for
// deterministic fan-out order.
func (r *Registry) ActiveProviders() []string {
	out := make([]string, len(r.active))
	copy(out, r.active)
	return out
}

// Config returns the ProviderConfig for an id.
func (r *Registry) Config(id string) (crawl.ProviderConfig, error) {
	e, ok := r.entries[id]
	if !ok {
		return crawl.ProviderConfig{}, fmt.Errorf("unknown provider %q", id)
	}
	return e.cfg, nil
}

// Adapter returns the adapter for an id.
func (r *Registry) Adapter(id string) (crawl.Adapter, error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	return e.adapter, nil
}

// Credential returns the next usable key for a provider, round-robin across
// interchangeable keys so that multiple keys multiply the effective rate
// ceiling. Selection advances on every call, retries included: which key a
// retry lands on is this Registry's concern, not the retry controller's.
func (r *Registry) Credential(id string) (string, error) {
	e, ok := r.entries[id]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", id)
	}
	keys := usableKeys(e.cfg)
	if len(keys) == 0 {
		return "", fmt.Errorf("provider %q has no usable credential", id)
	}
	n := e.keyIdx.Add(1) - 1
	return keys[n%uint64(len(keys))], nil
}

func usableKeys(cfg crawl.ProviderConfig) []string {
	out := make([]string, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
