package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
	"github.com/llmrank/mindshare-crawler/internal/store"
)

// BatchStore persists batch lifecycle rows in Postgres.
type BatchStore struct {
	pool  querier
	table string
}

// NewBatchStore constructs a BatchStore over an existing pool.
func NewBatchStore(pool querier, table string) (*BatchStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_batches"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &BatchStore{pool: pool, table: table}, nil
}

// CreateBatch inserts the initial batch row.
func (s *BatchStore) CreateBatch(ctx context.Context, b crawl.Batch) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	created_at,
	soft_deadline,
	hard_deadline,
	status,
	total_units,
	completed,
	failed,
	skipped
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, s.table)

	_, err := s.pool.Exec(ctx, query,
		b.ID,
		b.CreatedAt,
		b.SoftDeadline,
		b.HardDeadline,
		b.Status,
		b.Counters.Total,
		b.Counters.Completed,
		b.Counters.Failed,
		b.Counters.Skipped,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// UpdateBatch writes the current status and counters for a batch.
func (s *BatchStore) UpdateBatch(ctx context.Context, id string, status crawl.BatchStatus, counters crawl.Counters) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, completed = $2, failed = $3, skipped = $4
WHERE id = $5`, s.table)

	tag, err := s.pool.Exec(ctx, query, status, counters.Completed, counters.Failed, counters.Skipped, id)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetBatch loads one batch row or returns store.ErrNotFound.
func (s *BatchStore) GetBatch(ctx context.Context, id string) (crawl.Batch, error) {
	query := fmt.Sprintf(`
SELECT id, created_at, soft_deadline, hard_deadline, status, total_units, completed, failed, skipped
FROM %s
WHERE id = $1`, s.table)

	var b crawl.Batch
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&b.ID,
		&b.CreatedAt,
		&b.SoftDeadline,
		&b.HardDeadline,
		&b.Status,
		&b.Counters.Total,
		&b.Counters.Completed,
		&b.Counters.Failed,
		&b.Counters.Skipped,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Batch{}, store.ErrNotFound
		}
		return crawl.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}
