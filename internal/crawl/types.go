// Package crawl defines core types shared across subsystems.
package crawl

import (
	"time"
)

// BatchStatus represents the lifecycle state of a crawl batch.
type BatchStatus string

// Batch status values persisted in the batch store.
const (
	BatchStatusInitializing BatchStatus = "initializing"
	BatchStatusRunning      BatchStatus = "running"
	BatchStatusDegraded     BatchStatus = "degraded"
	BatchStatusDraining     BatchStatus = "draining"
	BatchStatusComplete     BatchStatus = "complete"
)

// Outcome is the terminal disposition of a WorkUnit. Every unit ends in
// exactly one of these.
type Outcome string

// Terminal unit outcomes.
const (
	OutcomeSuccess        Outcome = "success"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkippedBreaker Outcome = "skipped_breaker"
	OutcomeSkippedSLA     Outcome = "skipped_sla"
	OutcomeSkippedDrain   Outcome = "skipped_drain"
)

// Tier groups providers by typical response speed.
type Tier string

// Provider speed tiers.
const (
	TierFast   Tier = "fast"
	TierMedium Tier = "medium"
	TierSlow   Tier = "slow"
)

// PriorityTier orders prompts for SLA degradation: when the soft deadline
// passes, only high-priority prompts keep being scheduled.
type PriorityTier string

// Prompt priority tiers.
const (
	PriorityHigh PriorityTier = "high"
	PriorityLow  PriorityTier = "low"
)

// Batch is the metadata persisted for one orchestrator execution.
type Batch struct {
	ID           string      `json:"id"`
	CreatedAt    time.Time   `json:"created_at"`
	SoftDeadline time.Time   `json:"soft_deadline"`
	HardDeadline time.Time   `json:"hard_deadline"`
	Status       BatchStatus `json:"status"`
	Counters     Counters    `json:"counters"`
}

// Counters tracks unit accounting for a batch. Total equals the expected
// domain x provider x prompt product computed at initialization; the other
// fields sum to Total once the batch is complete.
type Counters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Domain is one crawl subject, supplied by the external domain source.
type Domain struct {
	ID     string `json:"id" mapstructure:"id"`
	Name   string `json:"name" mapstructure:"name"`
	Active bool   `json:"active" mapstructure:"active"`
}

// Prompt is one question asked of every provider for every domain.
type Prompt struct {
	ID       string       `json:"id" mapstructure:"id"`
	Text     string       `json:"text" mapstructure:"text"`
	Priority PriorityTier `json:"priority_tier" mapstructure:"priority_tier"`
}

// WorkUnit is the atomic scheduling primitive: one (domain, provider,
// prompt) task executed exactly once per batch. It is never persisted
// standalone.
type WorkUnit struct {
	BatchID    string
	Domain     Domain
	ProviderID string
	Prompt     Prompt
}

// ProviderConfig describes one configured provider. Immutable for the
// lifetime of a batch; hot reload builds a new registry snapshot.
type ProviderConfig struct {
	ID             string        `json:"id" mapstructure:"id"`
	Tier           Tier          `json:"tier" mapstructure:"tier"`
	Endpoint       string        `json:"endpoint" mapstructure:"endpoint"`
	Model          string        `json:"model" mapstructure:"model"`
	APIKeys        []string      `json:"-" mapstructure:"api_keys"`
	RequestsPerMin int           `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst          int           `json:"burst" mapstructure:"burst"`
	MaxConcurrency int           `json:"max_concurrency" mapstructure:"max_concurrency"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
}

// ResponseRecord is the persisted outcome of one WorkUnit. At most one
// logically-current row exists per (domain, provider, prompt, batch);
// re-attempts overwrite rather than duplicate.
type ResponseRecord struct {
	Domain      string        `json:"domain"`
	ProviderID  string        `json:"provider_id"`
	PromptID    string        `json:"prompt_id"`
	BatchID     string        `json:"batch_id"`
	Response    string        `json:"response,omitempty"`
	Latency     time.Duration `json:"latency_ms"`
	RetryCount  int           `json:"retry_count"`
	Outcome     Outcome       `json:"outcome"`
	QualityFlag string        `json:"quality_flag,omitempty"`
	BlobURI     string        `json:"blob_uri,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// InvokeRequest carries everything an adapter needs for one outbound call.
type InvokeRequest struct {
	Domain     string
	Prompt     string
	Model      string
	Credential string
}

// InvokeResult is a successful adapter response.
type InvokeResult struct {
	Text    string
	Latency time.Duration
	Raw     []byte
}
