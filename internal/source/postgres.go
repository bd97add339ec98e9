package source

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresDomains reads the active domain list from a Postgres table. The
// list is fetched once per batch, not per unit.
type PostgresDomains struct {
	pool  rowQuerier
	table string
}

// NewPostgresDomains constructs a PostgresDomains source over an existing
// pool.
func NewPostgresDomains(pool rowQuerier, table string) (*PostgresDomains, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "domains"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresDomains{pool: pool, table: table}, nil
}

// Domains returns all active domains ordered by name for deterministic unit
// generation.
func (s *PostgresDomains) Domains(ctx context.Context) ([]crawl.Domain, error) {
	query := fmt.Sprintf(`
SELECT id, domain
FROM %s
WHERE active
ORDER BY domain`, s.table)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []crawl.Domain
	for rows.Next() {
		d := crawl.Domain{Active: true}
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, fmt.Errorf("scan domain row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domain rows: %w", err)
	}
	return out, nil
}
