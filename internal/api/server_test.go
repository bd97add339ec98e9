package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
	"github.com/llmrank/mindshare-crawler/internal/metrics"
	"github.com/llmrank/mindshare-crawler/internal/orchestrator"
	"github.com/llmrank/mindshare-crawler/internal/policy/breaker"
	"github.com/llmrank/mindshare-crawler/internal/store/memory"
)

type fakeController struct {
	snap    orchestrator.Snapshot
	drained bool
}

func (f *fakeController) Progress() orchestrator.Snapshot { return f.snap }
func (f *fakeController) RequestDrain()                   { f.drained = true }

type fakeInspector struct {
	snap breaker.Snapshot
}

func (f *fakeInspector) Snapshot(string) breaker.Snapshot { return f.snap }

type fakeTokens struct{ n float64 }

func (f *fakeTokens) Tokens(string) float64 { return f.n }

type fakeCatalog struct {
	known map[string]crawl.ProviderConfig
}

func (f *fakeCatalog) Config(id string) (crawl.ProviderConfig, error) {
	cfg, ok := f.known[id]
	if !ok {
		return crawl.ProviderConfig{}, fmt.Errorf("unknown provider %q", id)
	}
	return cfg, nil
}

func newTestServer(t *testing.T, ctrl BatchController) (*Server, *memory.BatchStore) {
	t.Helper()
	metrics.Init()
	batches := memory.NewBatchStore()
	srv := NewServer(Config{}, zap.NewNop(), batches, ctrl,
		&fakeInspector{snap: breaker.Snapshot{State: breaker.StateClosed}},
		&fakeTokens{n: 42},
		&fakeCatalog{known: map[string]crawl.ProviderConfig{
			"openai": {ID: "openai", Tier: crawl.TierFast},
		}},
	)
	return srv, batches
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestGetBatchPrefersLiveSnapshot(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{snap: orchestrator.Snapshot{
		BatchID:  "batch-1",
		Status:   crawl.BatchStatusRunning,
		Counters: crawl.Counters{Total: 12, Completed: 7},
	}}
	srv, _ := newTestServer(t, ctrl)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches/batch-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, crawl.BatchStatusRunning, snap.Status)
	require.Equal(t, 7, snap.Counters.Completed)
}

func TestGetBatchFallsBackToStore(t *testing.T) {
	t.Parallel()

	srv, batches := newTestServer(t, nil)
	now := time.Now().UTC()
	require.NoError(t, batches.CreateBatch(t.Context(), crawl.Batch{
		ID:           "batch-9",
		CreatedAt:    now,
		SoftDeadline: now.Add(time.Hour),
		HardDeadline: now.Add(2 * time.Hour),
		Status:       crawl.BatchStatusComplete,
		Counters:     crawl.Counters{Total: 4, Completed: 4},
	}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches/batch-9", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, crawl.BatchStatusComplete, snap.Status)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDrainBatch(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{snap: orchestrator.Snapshot{
		BatchID: "batch-1",
		Status:  crawl.BatchStatusRunning,
	}}
	srv, _ := newTestServer(t, ctrl)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batches/batch-1/drain", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, ctrl.drained)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batches/other/drain", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDrainWithoutLiveBatchConflicts(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batches/batch-1/drain", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetProviderState(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers/openai/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var state providerState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, "openai", state.ProviderID)
	require.Equal(t, breaker.StateClosed, state.Breaker.State)
	require.Equal(t, 42.0, state.Tokens)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers/nope/state", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{AuthEnabled: true, APIKey: "secret"}, zap.NewNop(),
		memory.NewBatchStore(), nil, nil, nil, &fakeCatalog{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
