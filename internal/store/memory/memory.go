// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sync"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
	"github.com/llmrank/mindshare-crawler/internal/store"
)

type responseKey struct {
	Domain     string
	ProviderID string
	PromptID   string
	BatchID    string
}

// ResponseStore keeps response rows in a map keyed by the natural key, so
// repeated upserts for the same unit overwrite rather than accumulate.
type ResponseStore struct {
	mu      sync.RWMutex
	records map[responseKey]crawl.ResponseRecord
}

// NewResponseStore constructs a ResponseStore.
func NewResponseStore() *ResponseStore {
	return &ResponseStore{records: make(map[responseKey]crawl.ResponseRecord)}
}

// Upsert stores the record, replacing any previous attempt for the same unit.
func (s *ResponseStore) Upsert(_ context.Context, rec crawl.ResponseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := responseKey{
		Domain:     rec.Domain,
		ProviderID: rec.ProviderID,
		PromptID:   rec.PromptID,
		BatchID:    rec.BatchID,
	}
	s.records[key] = rec
	return nil
}

// Records returns a copy of all stored rows for a batch.
func (s *ResponseStore) Records(batchID string) []crawl.ResponseRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.ResponseRecord, 0, len(s.records))
	for key, rec := range s.records {
		if key.BatchID == batchID {
			out = append(out, rec)
		}
	}
	return out
}

// BatchStore keeps batch rows in memory.
type BatchStore struct {
	mu      sync.RWMutex
	batches map[string]crawl.Batch
}

// NewBatchStore constructs a BatchStore.
func NewBatchStore() *BatchStore {
	return &BatchStore{batches: make(map[string]crawl.Batch)}
}

// CreateBatch stores a new batch row.
func (s *BatchStore) CreateBatch(_ context.Context, b crawl.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b
	return nil
}

// UpdateBatch replaces the status and counters for a batch.
func (s *BatchStore) UpdateBatch(_ context.Context, id string, status crawl.BatchStatus, counters crawl.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	b.Status = status
	b.Counters = counters
	s.batches[id] = b
	return nil
}

// GetBatch fetches a batch by ID.
func (s *BatchStore) GetBatch(_ context.Context, id string) (crawl.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return crawl.Batch{}, store.ErrNotFound
	}
	return b, nil
}
