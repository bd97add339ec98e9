// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// querier is the subset of pgxpool.Pool the stores use, seamed for pgxmock.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// PoolConfig controls the shared Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool creates a pgx pool from the provided config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// ResponseStore writes response rows into Postgres with upsert semantics
// keyed on (domain, provider_id, prompt_id, batch_id).
type ResponseStore struct {
	pool  querier
	table string
}

// NewResponseStore constructs a ResponseStore over an existing pool.
func NewResponseStore(pool querier, table string) (*ResponseStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "responses"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ResponseStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ResponseStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert inserts the record or, on natural-key conflict, replaces the
// previous attempt's row. Late or duplicate attempts never duplicate rows.
func (s *ResponseStore) Upsert(ctx context.Context, rec crawl.ResponseRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("response store is not configured")
	}
	if rec.Domain == "" || rec.ProviderID == "" || rec.PromptID == "" || rec.BatchID == "" {
		return fmt.Errorf("response record natural key is incomplete")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	domain,
	provider_id,
	prompt_id,
	batch_id,
	response_text,
	latency_ms,
	retry_count,
	outcome,
	quality_flag,
	blob_uri,
	created_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11
)
ON CONFLICT (domain, provider_id, prompt_id, batch_id) DO UPDATE SET
	response_text = EXCLUDED.response_text,
	latency_ms = EXCLUDED.latency_ms,
	retry_count = EXCLUDED.retry_count,
	outcome = EXCLUDED.outcome,
	quality_flag = EXCLUDED.quality_flag,
	blob_uri = EXCLUDED.blob_uri,
	updated_at = EXCLUDED.updated_at`, s.table)

	args := []any{
		rec.Domain,
		rec.ProviderID,
		rec.PromptID,
		rec.BatchID,
		rec.Response,
		rec.Latency.Milliseconds(),
		rec.RetryCount,
		rec.Outcome,
		rec.QualityFlag,
		rec.BlobURI,
		rec.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert response: %w", err)
	}
	return nil
}
