package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
)

func testRecord(now time.Time) crawl.ResponseRecord {
	return crawl.ResponseRecord{
		Domain:     "example.com",
		ProviderID: "openai",
		PromptID:   "prompt-1",
		BatchID:    "batch-1",
		Response:   "Example Corp makes widgets.",
		Latency:    1200 * time.Millisecond,
		RetryCount: 1,
		Outcome:    crawl.OutcomeSuccess,
		BlobURI:    "gs://bucket/batches/batch-1/openai/example.com-prompt-1.json",
		CreatedAt:  now,
	}
}

func TestUpsertInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewResponseStore(mock, "responses")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := testRecord(now)

	mock.ExpectExec("INSERT INTO responses").
		WithArgs(
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
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.Upsert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertQueryHasConflictClause(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewResponseStore(mock, "responses")
	require.NoError(t, err)

	rec := testRecord(time.Unix(1700000000, 0).UTC())

	// A second attempt for the same natural key must replace, not duplicate.
	mock.ExpectExec(`ON CONFLICT \(domain, provider_id, prompt_id, batch_id\) DO UPDATE`).
		WithArgs(
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
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.Upsert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsIncompleteKey(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewResponseStore(mock, "responses")
	require.NoError(t, err)

	rec := testRecord(time.Now())
	rec.PromptID = ""

	require.Error(t, st.Upsert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewResponseStoreValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewResponseStore(mock, "responses; DROP TABLE responses")
	require.Error(t, err)
}
