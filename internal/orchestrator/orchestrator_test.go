package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	clocksystem "github.com/llmrank/mindshare-crawler/internal/clock/system"
	"github.com/llmrank/mindshare-crawler/internal/crawl"
	iduuid "github.com/llmrank/mindshare-crawler/internal/id/uuid"
	"github.com/llmrank/mindshare-crawler/internal/policy/breaker"
	"github.com/llmrank/mindshare-crawler/internal/policy/ratelimit"
	"github.com/llmrank/mindshare-crawler/internal/registry"
	"github.com/llmrank/mindshare-crawler/internal/source"
	"github.com/llmrank/mindshare-crawler/internal/store/memory"
)

const chatOKBody = `{"choices":[{"message":{"content":"Example answer."}}]}`

func okServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatOKBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// flakyServer fails the first two attempts of every distinct request body,
// then succeeds, so each unit needs exactly two retries.
func flakyServer(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	counts := make(map[string]int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		counts[string(body)]++
		n := counts[string(body)]
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatOKBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func providerConfig(id, endpoint string) crawl.ProviderConfig {
	return crawl.ProviderConfig{
		ID:             id,
		Tier:           crawl.TierFast,
		Endpoint:       endpoint,
		Model:          "test-model",
		APIKeys:        []string{"key-" + id},
		MaxConcurrency: 4,
		Timeout:        5 * time.Second,
	}
}

type env struct {
	orch    *Orchestrator
	results *memory.ResponseStore
	batches *memory.BatchStore
}

func newEnv(t *testing.T, cfg Config, providers map[string]crawl.ProviderConfig, domains []crawl.Domain, prompts []crawl.Prompt) *env {
	t.Helper()

	reg, err := registry.Build(providers, http.DefaultClient, zap.NewNop())
	require.NoError(t, err)

	promptSrc, err := source.NewStaticPrompts(prompts)
	require.NoError(t, err)

	results := memory.NewResponseStore()
	batches := memory.NewBatchStore()

	orch, err := New(cfg, Deps{
		Registry: reg,
		Limiter:  ratelimit.New(ratelimit.Config{}, providers),
		Breaker:  breaker.New(breaker.Config{MinSamples: 10000}, nil),
		Retry:    crawl.NewRetryPolicyWith(3, 5*time.Millisecond, 20*time.Millisecond),
		Results:  results,
		Batches:  batches,
		Domains:  source.NewStaticDomains(domains),
		Prompts:  promptSrc,
		Clock:    clocksystem.Clock{},
		IDs:      iduuid.Generator{},
	})
	require.NoError(t, err)
	return &env{orch: orch, results: results, batches: batches}
}

func makeDomains(names ...string) []crawl.Domain {
	out := make([]crawl.Domain, 0, len(names))
	for _, n := range names {
		out = append(out, crawl.Domain{ID: "id-" + n, Name: n, Active: true})
	}
	return out
}

func TestRunCoversEveryUnitWithRetries(t *testing.T) {
	t.Parallel()

	srvA := okServer(t, 0)
	srvB := flakyServer(t)
	providers := map[string]crawl.ProviderConfig{
		"alpha": providerConfig("alpha", srvA.URL),
		"beta":  providerConfig("beta", srvB.URL),
	}
	domains := makeDomains("one.com", "two.com", "three.com")
	prompts := []crawl.Prompt{
		{ID: "p1", Text: "Describe the company.", Priority: crawl.PriorityHigh},
		{ID: "p2", Text: "List its competitors.", Priority: crawl.PriorityHigh},
	}

	e := newEnv(t, Config{
		GlobalConcurrency: 8,
		SoftDeadline:      time.Hour,
		HardDeadline:      2 * time.Hour,
	}, providers, domains, prompts)

	snap, err := e.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawl.BatchStatusComplete, snap.Status)
	require.Equal(t, 12, snap.Counters.Total)
	require.Equal(t, 12, snap.Counters.Completed)

	records := e.results.Records(snap.BatchID)
	require.Len(t, records, 12)
	for _, rec := range records {
		require.Equal(t, crawl.OutcomeSuccess, rec.Outcome)
		switch rec.ProviderID {
		case "alpha":
			require.Zero(t, rec.RetryCount)
		case "beta":
			require.Equal(t, 2, rec.RetryCount)
		}
	}

	b, err := e.batches.GetBatch(context.Background(), snap.BatchID)
	require.NoError(t, err)
	require.Equal(t, crawl.BatchStatusComplete, b.Status)
	require.Equal(t, 12, b.Counters.Completed)
}

func TestGlobalConcurrencyCapBoundsParallelism(t *testing.T) {
	t.Parallel()

	srv := okServer(t, 100*time.Millisecond)
	providers := map[string]crawl.ProviderConfig{
		"alpha": providerConfig("alpha", srv.URL),
	}
	cfg := providers["alpha"]
	cfg.MaxConcurrency = 10
	providers["alpha"] = cfg

	domains := makeDomains(
		"a.com", "b.com", "c.com", "d.com", "e.com",
		"f.com", "g.com", "h.com", "i.com", "j.com",
	)
	prompts := []crawl.Prompt{{ID: "p1", Text: "Describe.", Priority: crawl.PriorityHigh}}

	e := newEnv(t, Config{
		GlobalConcurrency: 2,
		SoftDeadline:      time.Hour,
		HardDeadline:      2 * time.Hour,
	}, providers, domains, prompts)

	start := time.Now()
	snap, err := e.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, snap.Counters.Completed)

	// 10 units of 100ms under a cap of 2 cannot finish in under 500ms.
	require.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestHardDeadlineDrainsQueuedUnits(t *testing.T) {
	t.Parallel()

	srv := okServer(t, 80*time.Millisecond)
	providers := map[string]crawl.ProviderConfig{
		"alpha": providerConfig("alpha", srv.URL),
	}
	cfg := providers["alpha"]
	cfg.MaxConcurrency = 1
	providers["alpha"] = cfg

	domains := makeDomains("a.com", "b.com", "c.com", "d.com", "e.com", "f.com")
	prompts := []crawl.Prompt{{ID: "p1", Text: "Describe.", Priority: crawl.PriorityHigh}}

	e := newEnv(t, Config{
		GlobalConcurrency: 16,
		SoftDeadline:      100 * time.Millisecond,
		HardDeadline:      120 * time.Millisecond,
	}, providers, domains, prompts)

	snap, err := e.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawl.BatchStatusComplete, snap.Status)

	c := snap.Counters
	require.Equal(t, 6, c.Completed+c.Failed+c.Skipped, "every unit must end terminal")
	require.Positive(t, c.Skipped, "queued units past the hard deadline drain")
	require.Positive(t, c.Completed, "in-flight units finish")

	for _, rec := range e.results.Records(snap.BatchID) {
		if rec.Outcome != crawl.OutcomeSuccess {
			require.Equal(t, crawl.OutcomeSkippedDrain, rec.Outcome)
		}
	}
}

func TestSoftDeadlineSkipsLowPriorityPrompts(t *testing.T) {
	t.Parallel()

	srv := okServer(t, 0)
	providers := map[string]crawl.ProviderConfig{
		"alpha": providerConfig("alpha", srv.URL),
	}
	domains := makeDomains("a.com", "b.com")
	prompts := []crawl.Prompt{
		{ID: "p-high", Text: "Describe.", Priority: crawl.PriorityHigh},
		{ID: "p-low", Text: "Extra color.", Priority: crawl.PriorityLow},
	}

	e := newEnv(t, Config{
		GlobalConcurrency: 4,
		SoftDeadline:      -time.Minute,
		HardDeadline:      time.Hour,
	}, providers, domains, prompts)

	snap, err := e.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, snap.Counters.Completed)
	require.Equal(t, 2, snap.Counters.Skipped)

	for _, rec := range e.results.Records(snap.BatchID) {
		switch rec.PromptID {
		case "p-high":
			require.Equal(t, crawl.OutcomeSuccess, rec.Outcome)
		case "p-low":
			require.Equal(t, crawl.OutcomeSkippedSLA, rec.Outcome)
		}
	}
}

type failingResultStore struct{}

func (failingResultStore) Upsert(context.Context, crawl.ResponseRecord) error {
	return errors.New("connection refused")
}

func TestPersistenceExhaustionIsFatal(t *testing.T) {
	t.Parallel()

	srv := okServer(t, 0)
	providers := map[string]crawl.ProviderConfig{
		"alpha": providerConfig("alpha", srv.URL),
	}

	reg, err := registry.Build(providers, http.DefaultClient, zap.NewNop())
	require.NoError(t, err)
	promptSrc, err := source.NewStaticPrompts([]crawl.Prompt{
		{ID: "p1", Text: "Describe.", Priority: crawl.PriorityHigh},
	})
	require.NoError(t, err)

	orch, err := New(Config{
		GlobalConcurrency: 2,
		SoftDeadline:      time.Hour,
		HardDeadline:      2 * time.Hour,
		WriteAttempts:     2,
		WriteBaseDelay:    time.Millisecond,
	}, Deps{
		Registry: reg,
		Limiter:  ratelimit.New(ratelimit.Config{}, providers),
		Breaker:  breaker.New(breaker.Config{MinSamples: 10000}, nil),
		Retry:    crawl.NewRetryPolicy(),
		Results:  failingResultStore{},
		Batches:  memory.NewBatchStore(),
		Domains:  source.NewStaticDomains(makeDomains("a.com")),
		Prompts:  promptSrc,
		Clock:    clocksystem.Clock{},
		IDs:      iduuid.Generator{},
	})
	require.NoError(t, err)

	snap, err := orch.Run(context.Background())
	require.ErrorIs(t, err, crawl.ErrPersistenceUnavailable)
	require.Equal(t, crawl.BatchStatusDraining, snap.Status)
}

type countingFailStore struct {
	mu    sync.Mutex
	calls int
}

func (s *countingFailStore) Upsert(context.Context, crawl.ResponseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return errors.New("connection refused")
}

func (s *countingFailStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestPersistenceFatalHaltsRemainingWrites(t *testing.T) {
	t.Parallel()

	srv := okServer(t, 0)
	providers := map[string]crawl.ProviderConfig{
		"alpha": providerConfig("alpha", srv.URL),
	}
	reg, err := registry.Build(providers, http.DefaultClient, zap.NewNop())
	require.NoError(t, err)
	promptSrc, err := source.NewStaticPrompts([]crawl.Prompt{
		{ID: "p1", Text: "Describe.", Priority: crawl.PriorityHigh},
	})
	require.NoError(t, err)

	results := &countingFailStore{}
	orch, err := New(Config{
		GlobalConcurrency: 1,
		SoftDeadline:      time.Hour,
		HardDeadline:      2 * time.Hour,
		WriteAttempts:     3,
		WriteBaseDelay:    time.Millisecond,
	}, Deps{
		Registry: reg,
		Limiter:  ratelimit.New(ratelimit.Config{}, providers),
		Breaker:  breaker.New(breaker.Config{MinSamples: 10000}, nil),
		Retry:    crawl.NewRetryPolicy(),
		Results:  results,
		Batches:  memory.NewBatchStore(),
		Domains:  source.NewStaticDomains(makeDomains("a.com", "b.com", "c.com", "d.com", "e.com", "f.com")),
		Prompts:  promptSrc,
		Clock:    clocksystem.Clock{},
		IDs:      iduuid.Generator{},
	})
	require.NoError(t, err)

	snap, err := orch.Run(context.Background())
	require.ErrorIs(t, err, crawl.ErrPersistenceUnavailable)
	require.Equal(t, crawl.BatchStatusDraining, snap.Status)

	// Only the first unit burns its write budget; once the store is proven
	// down the remaining five units stop touching it.
	require.Equal(t, 3, results.count())
	require.Equal(t, 5, snap.Counters.Skipped)
}

func TestBreakerOpensAndSkipsWithoutCalls(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	providers := map[string]crawl.ProviderConfig{
		"alpha": providerConfig("alpha", srv.URL),
	}
	reg, err := registry.Build(providers, http.DefaultClient, zap.NewNop())
	require.NoError(t, err)
	promptSrc, err := source.NewStaticPrompts([]crawl.Prompt{
		{ID: "p1", Text: "Describe.", Priority: crawl.PriorityHigh},
		{ID: "p2", Text: "Compare.", Priority: crawl.PriorityHigh},
	})
	require.NoError(t, err)

	results := memory.NewResponseStore()
	orch, err := New(Config{
		GlobalConcurrency: 1,
		SoftDeadline:      time.Hour,
		HardDeadline:      2 * time.Hour,
	}, Deps{
		Registry: reg,
		Limiter:  ratelimit.New(ratelimit.Config{}, providers),
		Breaker:  breaker.New(breaker.Config{MinSamples: 3, FailureRate: 0.5}, nil),
		Retry:    crawl.NewRetryPolicyWith(1, time.Millisecond, time.Millisecond),
		Results:  results,
		Batches:  memory.NewBatchStore(),
		Domains: source.NewStaticDomains(makeDomains(
			"a.com", "b.com", "c.com", "d.com", "e.com",
			"f.com", "g.com", "h.com", "i.com", "j.com",
		)),
		Prompts: promptSrc,
		Clock:   clocksystem.Clock{},
		IDs:     iduuid.Generator{},
	})
	require.NoError(t, err)

	snap, err := orch.Run(context.Background())
	require.NoError(t, err)

	// Three failures open the breaker; the other seventeen units are
	// recorded skipped without reaching the network.
	mu.Lock()
	got := requests
	mu.Unlock()
	require.Equal(t, 3, got)
	require.Equal(t, 3, snap.Counters.Failed)
	require.Equal(t, 17, snap.Counters.Skipped)

	skipped := 0
	for _, rec := range results.Records(snap.BatchID) {
		if rec.Outcome == crawl.OutcomeSkippedBreaker {
			skipped++
		}
	}
	require.Equal(t, 17, skipped)
}

func TestNoActiveProvidersFailsInitialization(t *testing.T) {
	t.Parallel()

	providers := map[string]crawl.ProviderConfig{
		"alpha": {
			ID:       "alpha",
			Endpoint: "https://api.example.com/v1/chat/completions",
			Model:    "test-model",
		},
	}
	promptSrc, err := source.NewStaticPrompts([]crawl.Prompt{
		{ID: "p1", Text: "Describe.", Priority: crawl.PriorityHigh},
	})
	require.NoError(t, err)
	reg, err := registry.Build(providers, http.DefaultClient, zap.NewNop())
	require.NoError(t, err)

	orch, err := New(Config{
		GlobalConcurrency: 2,
		SoftDeadline:      time.Hour,
		HardDeadline:      2 * time.Hour,
	}, Deps{
		Registry: reg,
		Limiter:  ratelimit.New(ratelimit.Config{}, providers),
		Breaker:  breaker.New(breaker.Config{}, nil),
		Retry:    crawl.NewRetryPolicy(),
		Results:  memory.NewResponseStore(),
		Batches:  memory.NewBatchStore(),
		Domains:  source.NewStaticDomains(makeDomains("a.com")),
		Prompts:  promptSrc,
		Clock:    clocksystem.Clock{},
		IDs:      iduuid.Generator{},
	})
	require.NoError(t, err)

	_, err = orch.Run(context.Background())
	require.ErrorIs(t, err, crawl.ErrNoActiveProviders)
}
