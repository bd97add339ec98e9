package crawl

import (
	"context"
	"time"
)

// Adapter wraps one external provider's authentication, request shaping and
// response parsing. Implementations must not retry internally; they classify
// every failure into a CallError and return it.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
}

// ResultStore persists one ResponseRecord per unit with idempotent upsert
// semantics under the (domain, provider, prompt, batch) natural key.
type ResultStore interface {
	Upsert(ctx context.Context, rec ResponseRecord) error
}

// BatchStore persists batch lifecycle rows.
type BatchStore interface {
	CreateBatch(ctx context.Context, b Batch) error
	UpdateBatch(ctx context.Context, id string, status BatchStatus, counters Counters) error
	GetBatch(ctx context.Context, id string) (Batch, error)
}

// DomainSource supplies the crawl subjects, fetched once per batch.
type DomainSource interface {
	Domains(ctx context.Context) ([]Domain, error)
}

// PromptSource supplies the prompt set, fetched once per batch.
type PromptSource interface {
	Prompts(ctx context.Context) ([]Prompt, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes batch completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing deadline logic).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch and request IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
