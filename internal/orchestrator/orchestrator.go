// Package orchestrator runs one crawl batch: fan-out over domains, providers
// and prompts under a global concurrency cap, per-provider gating, SLA
// deadlines and idempotent persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/llmrank/mindshare-crawler/internal/archive"
	"github.com/llmrank/mindshare-crawler/internal/crawl"
	"github.com/llmrank/mindshare-crawler/internal/metrics"
	"github.com/llmrank/mindshare-crawler/internal/policy/breaker"
	"github.com/llmrank/mindshare-crawler/internal/policy/ratelimit"
	"github.com/llmrank/mindshare-crawler/internal/progress"
	"github.com/llmrank/mindshare-crawler/internal/registry"
)

const (
	slaTickInterval = time.Second

	// Result writes get their own bounded backoff, independent of the
	// provider-call retry policy.
	defaultWriteAttempts  = 5
	defaultWriteBaseDelay = 250 * time.Millisecond
	writeMaxDelay         = 10 * time.Second
)

// Config tunes one batch execution.
type Config struct {
	GlobalConcurrency int
	SoftDeadline      time.Duration
	HardDeadline      time.Duration
	// Topic is the publisher destination for the completion event. Empty
	// disables publishing.
	Topic string
	// WriteAttempts and WriteBaseDelay bound the result writer's own
	// backoff; zero values take the defaults.
	WriteAttempts  int
	WriteBaseDelay time.Duration
}

// Deps wires the collaborators the orchestrator drives. Registry, Limiter,
// Breaker, Retry, Results, Batches, Domains, Prompts, Clock and IDs are
// required; Blobs, Events and Pub are optional.
type Deps struct {
	Registry *registry.Registry
	Limiter  *ratelimit.Limiter
	Breaker  *breaker.Breaker
	Retry    *crawl.RetryPolicy
	Results  crawl.ResultStore
	Batches  crawl.BatchStore
	Domains  crawl.DomainSource
	Prompts  crawl.PromptSource
	Blobs    crawl.BlobStore
	Pub      crawl.Publisher
	Events   progress.Emitter
	Clock    crawl.Clock
	IDs      crawl.IDGenerator
	Logger   *zap.Logger
}

// Snapshot is the externally visible batch state for the admin surface.
type Snapshot struct {
	BatchID      string            `json:"batch_id"`
	Status       crawl.BatchStatus `json:"status"`
	Counters     crawl.Counters    `json:"counters"`
	SoftDeadline time.Time         `json:"soft_deadline"`
	HardDeadline time.Time         `json:"hard_deadline"`
}

// Summary is the payload published when a batch completes.
type Summary struct {
	BatchID    string         `json:"batch_id"`
	Status     string         `json:"status"`
	Counters   crawl.Counters `json:"counters"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	DurationMs int64          `json:"duration_ms"`
}

// Orchestrator executes one batch. A new Orchestrator is built per batch;
// once Run returns it never schedules again.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	globalSem    *semaphore.Weighted
	providerSems map[string]*semaphore.Weighted
	providerCaps map[string]int64

	mu       sync.Mutex
	batch    crawl.Batch
	counters crawl.Counters
	fatal    error

	drainCh   chan struct{}
	drainOnce sync.Once
}

var statusRank = map[crawl.BatchStatus]int{
	crawl.BatchStatusInitializing: 0,
	crawl.BatchStatusRunning:      1,
	crawl.BatchStatusDegraded:     2,
	crawl.BatchStatusDraining:     3,
	crawl.BatchStatusComplete:     4,
}

// New builds an Orchestrator for one batch.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.GlobalConcurrency <= 0 {
		return nil, fmt.Errorf("global concurrency must be > 0")
	}
	if cfg.HardDeadline < cfg.SoftDeadline {
		return nil, fmt.Errorf("hard deadline must not precede soft deadline")
	}
	if deps.Registry == nil || deps.Limiter == nil || deps.Breaker == nil ||
		deps.Retry == nil || deps.Results == nil || deps.Batches == nil ||
		deps.Domains == nil || deps.Prompts == nil || deps.Clock == nil || deps.IDs == nil {
		return nil, fmt.Errorf("missing required orchestrator dependency")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = defaultWriteAttempts
	}
	if cfg.WriteBaseDelay <= 0 {
		cfg.WriteBaseDelay = defaultWriteBaseDelay
	}
	metrics.Init()
	return &Orchestrator{
		cfg:          cfg,
		deps:         deps,
		logger:       deps.Logger,
		globalSem:    semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		providerSems: make(map[string]*semaphore.Weighted),
		providerCaps: make(map[string]int64),
		drainCh:      make(chan struct{}),
	}, nil
}

// Run executes the batch to completion and returns the final snapshot. The
// only fatal error is persistence exhaustion; individual unit failures are
// recorded and do not stop the batch.
func (o *Orchestrator) Run(ctx context.Context) (Snapshot, error) {
	units, err := o.initialize(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	tickerCtx, stopTicker := context.WithCancel(context.Background())
	defer stopTicker()
	go o.watchDeadlines(tickerCtx)

	var wg sync.WaitGroup
	for _, unit := range units {
		// Deadline checks happen per unit so a batch started past its SLA
		// degrades immediately instead of waiting for the first tick.
		o.applyDeadlines()

		if o.halted() {
			o.recordSkip(ctx, unit, crawl.OutcomeSkippedDrain)
			continue
		}
		if o.Status() == crawl.BatchStatusDegraded && unit.Prompt.Priority == crawl.PriorityLow {
			o.recordSkip(ctx, unit, crawl.OutcomeSkippedSLA)
			continue
		}

		if err := o.globalSem.Acquire(ctx, 1); err != nil {
			o.recordSkip(ctx, unit, crawl.OutcomeSkippedDrain)
			continue
		}
		wg.Add(1)
		go func(u crawl.WorkUnit) {
			defer wg.Done()
			defer o.globalSem.Release(1)
			o.runUnit(ctx, u)
		}(unit)
	}
	wg.Wait()
	stopTicker()

	return o.finalize(ctx)
}

// initialize loads sources, computes expected coverage and persists the
// batch row.
func (o *Orchestrator) initialize(ctx context.Context) ([]crawl.WorkUnit, error) {
	domains, err := o.deps.Domains.Domains(ctx)
	if err != nil {
		return nil, fmt.Errorf("load domains: %w", err)
	}
	prompts, err := o.deps.Prompts.Prompts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	if len(domains) == 0 {
		return nil, &crawl.CallError{Kind: crawl.KindConfig, Err: errors.New("no active domains")}
	}
	if len(prompts) == 0 {
		return nil, &crawl.CallError{Kind: crawl.KindConfig, Err: errors.New("empty prompt set")}
	}
	providers := o.deps.Registry.ActiveProviders()
	if len(providers) == 0 {
		return nil, crawl.ErrNoActiveProviders
	}

	id, err := o.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate batch id: %w", err)
	}
	now := o.deps.Clock.Now()
	batch := crawl.Batch{
		ID:           id,
		CreatedAt:    now,
		SoftDeadline: now.Add(o.cfg.SoftDeadline),
		HardDeadline: now.Add(o.cfg.HardDeadline),
		Status:       crawl.BatchStatusInitializing,
		Counters:     crawl.Counters{Total: len(domains) * len(providers) * len(prompts)},
	}
	if err := o.deps.Batches.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	o.mu.Lock()
	o.batch = batch
	o.counters = batch.Counters
	o.mu.Unlock()

	for _, pid := range providers {
		cfg, err := o.deps.Registry.Config(pid)
		if err != nil {
			return nil, err
		}
		capacity := int64(cfg.MaxConcurrency)
		if capacity <= 0 {
			capacity = 1
		}
		o.providerSems[pid] = semaphore.NewWeighted(capacity)
		o.providerCaps[pid] = capacity
	}

	// Prompts iterate innermost so every prompt for a (domain, provider)
	// pair is attempted before the next pair starts.
	units := make([]crawl.WorkUnit, 0, batch.Counters.Total)
	for _, d := range domains {
		for _, pid := range providers {
			for _, p := range prompts {
				units = append(units, crawl.WorkUnit{
					BatchID:    id,
					Domain:     d,
					ProviderID: pid,
					Prompt:     p,
				})
			}
		}
	}

	o.emit(progress.Event{
		BatchID: id,
		TS:      now,
		Stage:   progress.StageBatchStart,
		Note:    fmt.Sprintf("%d units across %d providers", batch.Counters.Total, len(providers)),
	})
	o.setStatus(ctx, crawl.BatchStatusRunning)
	o.logger.Info("batch initialized",
		zap.String("batch_id", id),
		zap.Int("domains", len(domains)),
		zap.Int("providers", len(providers)),
		zap.Int("prompts", len(prompts)),
		zap.Time("soft_deadline", batch.SoftDeadline),
		zap.Time("hard_deadline", batch.HardDeadline),
	)
	return units, nil
}

// runUnit drives one work unit through breaker admission, rate limiting,
// the provider call with centralized retry, and the result write.
func (o *Orchestrator) runUnit(ctx context.Context, unit crawl.WorkUnit) {
	metrics.IncActiveUnits()
	defer metrics.DecActiveUnits()

	if o.halted() {
		o.recordSkip(ctx, unit, crawl.OutcomeSkippedDrain)
		return
	}
	if err := o.deps.Breaker.Allow(unit.ProviderID); err != nil {
		o.recordSkip(ctx, unit, crawl.OutcomeSkippedBreaker)
		return
	}
	// Admission may have claimed the half-open probe slot; if the unit bails
	// before the call reports an outcome, hand the slot back.
	reported := false
	defer func() {
		if !reported {
			o.deps.Breaker.Release(unit.ProviderID)
		}
	}()

	weight := int64(1)
	sem := o.providerSems[unit.ProviderID]
	if sem != nil {
		// Degraded batches acquire double weight, halving effective
		// per-provider concurrency without resizing the semaphore.
		if o.Status() == crawl.BatchStatusDegraded && o.providerCaps[unit.ProviderID] >= 2 {
			weight = 2
		}
		if err := sem.Acquire(ctx, weight); err != nil {
			o.recordFailure(ctx, unit, crawl.KindTimeout, 0, 0)
			return
		}
		defer sem.Release(weight)
	}

	// Queue time counts against the SLA: a unit that waited past the hard
	// deadline drains instead of invoking.
	o.applyDeadlines()
	if o.halted() {
		o.recordSkip(ctx, unit, crawl.OutcomeSkippedDrain)
		return
	}

	cfg, err := o.deps.Registry.Config(unit.ProviderID)
	if err != nil {
		o.recordFailure(ctx, unit, crawl.KindConfig, 0, 0)
		return
	}
	adapter, err := o.deps.Registry.Adapter(unit.ProviderID)
	if err != nil {
		o.recordFailure(ctx, unit, crawl.KindConfig, 0, 0)
		return
	}

	attempt := 0
	for {
		if err := o.deps.Limiter.Wait(ctx, unit.ProviderID); err != nil {
			o.recordFailure(ctx, unit, crawl.KindTimeout, attempt, 0)
			return
		}
		cred, err := o.deps.Registry.Credential(unit.ProviderID)
		if err != nil {
			o.recordFailure(ctx, unit, crawl.KindConfig, attempt, 0)
			return
		}

		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if cfg.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		start := time.Now()
		res, callErr := adapter.Invoke(callCtx, crawl.InvokeRequest{
			Domain:     unit.Domain.Name,
			Prompt:     unit.Prompt.Text,
			Model:      cfg.Model,
			Credential: cred,
		})
		cancel()
		elapsed := time.Since(start)
		attempt++
		metrics.ObserveProviderCall(unit.ProviderID, elapsed)

		if callErr == nil {
			reported = true
			o.deps.Breaker.ReportSuccess(unit.ProviderID)
			o.recordSuccess(ctx, unit, res, attempt-1)
			return
		}

		kind := crawl.ClassifyCall(callErr)
		if kind == crawl.KindRateLimited {
			metrics.ObserveThrottle(unit.ProviderID)
		}
		reported = true
		o.deps.Breaker.ReportFailure(unit.ProviderID)

		if !o.deps.Retry.ShouldRetry(callErr, attempt) {
			o.recordFailure(ctx, unit, kind, attempt-1, elapsed)
			return
		}
		select {
		case <-time.After(o.deps.Retry.Backoff(attempt)):
		case <-ctx.Done():
			o.recordFailure(ctx, unit, crawl.KindTimeout, attempt-1, elapsed)
			return
		}
	}
}

func (o *Orchestrator) recordSuccess(ctx context.Context, unit crawl.WorkUnit, res crawl.InvokeResult, retries int) {
	rec := crawl.ResponseRecord{
		Domain:     unit.Domain.Name,
		ProviderID: unit.ProviderID,
		PromptID:   unit.Prompt.ID,
		BatchID:    unit.BatchID,
		Response:   res.Text,
		Latency:    res.Latency,
		RetryCount: retries,
		Outcome:    crawl.OutcomeSuccess,
		CreatedAt:  o.deps.Clock.Now(),
	}
	if o.deps.Blobs != nil && len(res.Raw) > 0 {
		path := archive.ObjectPath(unit.BatchID, unit.ProviderID, unit.Domain.Name, unit.Prompt.ID)
		uri, err := o.deps.Blobs.PutObject(ctx, path, "application/json", res.Raw)
		if err != nil {
			o.logger.Warn("raw payload archive failed",
				zap.String("provider", unit.ProviderID), zap.Error(err))
		} else {
			rec.BlobURI = uri
		}
	}
	o.writeRecord(ctx, unit, rec, "")
}

func (o *Orchestrator) recordFailure(ctx context.Context, unit crawl.WorkUnit, kind crawl.Kind, retries int, latency time.Duration) {
	rec := crawl.ResponseRecord{
		Domain:     unit.Domain.Name,
		ProviderID: unit.ProviderID,
		PromptID:   unit.Prompt.ID,
		BatchID:    unit.BatchID,
		Latency:    latency,
		RetryCount: retries,
		Outcome:    crawl.OutcomeFailed,
		CreatedAt:  o.deps.Clock.Now(),
	}
	if kind == crawl.KindMalformed {
		// Downstream scoring excludes garbled responses by this flag.
		rec.QualityFlag = string(crawl.KindMalformed)
	}
	o.writeRecord(ctx, unit, rec, kind)
}

func (o *Orchestrator) recordSkip(ctx context.Context, unit crawl.WorkUnit, outcome crawl.Outcome) {
	o.writeRecord(ctx, unit, crawl.ResponseRecord{
		Domain:     unit.Domain.Name,
		ProviderID: unit.ProviderID,
		PromptID:   unit.Prompt.ID,
		BatchID:    unit.BatchID,
		Outcome:    outcome,
		CreatedAt:  o.deps.Clock.Now(),
	}, "")
}

// writeRecord persists the terminal record with the writer's own bounded
// backoff. Exhaustion is the one batch-fatal condition.
func (o *Orchestrator) writeRecord(ctx context.Context, unit crawl.WorkUnit, rec crawl.ResponseRecord, kind crawl.Kind) {
	delay := o.cfg.WriteBaseDelay
	var err error
	for i := 0; i < o.cfg.WriteAttempts; i++ {
		// Once any unit has proven the store down, the batch is already
		// halting; burning this unit's write budget only delays it.
		if o.persistenceDown() {
			o.countOutcome(rec.Outcome)
			return
		}
		if err = o.deps.Results.Upsert(ctx, rec); err == nil {
			o.countOutcome(rec.Outcome)
			o.emit(progress.Event{
				BatchID:    rec.BatchID,
				TS:         rec.CreatedAt,
				Stage:      progress.StageUnitDone,
				ProviderID: rec.ProviderID,
				Domain:     rec.Domain,
				PromptID:   rec.PromptID,
				Outcome:    rec.Outcome,
				ErrorKind:  kind,
				Attempts:   rec.RetryCount + 1,
				Dur:        rec.Latency,
			})
			return
		}
		metrics.ObserveResultWriteFailure()
		o.logger.Warn("result write failed",
			zap.String("batch_id", rec.BatchID),
			zap.String("provider", rec.ProviderID),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			i = o.cfg.WriteAttempts
		}
		delay *= 2
		if delay > writeMaxDelay {
			delay = writeMaxDelay
		}
	}

	// The unit is abandoned unrecorded; risk of silent data loss halts the
	// whole batch.
	o.mu.Lock()
	if o.fatal == nil {
		o.fatal = fmt.Errorf("%w: %v", crawl.ErrPersistenceUnavailable, err)
	}
	o.mu.Unlock()
	o.RequestDrain()
	o.logger.Error("persistence retry budget exhausted, draining batch",
		zap.String("batch_id", unit.BatchID), zap.Error(err))
}

// watchDeadlines drives SLA transitions and periodic counter flushes.
func (o *Orchestrator) watchDeadlines(ctx context.Context) {
	ticker := time.NewTicker(slaTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.applyDeadlines()
			o.flushCounters(ctx)
		}
	}
}

func (o *Orchestrator) applyDeadlines() {
	o.mu.Lock()
	batch := o.batch
	o.mu.Unlock()
	if batch.ID == "" {
		return
	}
	now := o.deps.Clock.Now()
	metrics.SetDeadlineRemaining("soft", batch.SoftDeadline.Sub(now).Seconds())
	metrics.SetDeadlineRemaining("hard", batch.HardDeadline.Sub(now).Seconds())

	if now.After(batch.HardDeadline) {
		o.RequestDrain()
		return
	}
	if now.After(batch.SoftDeadline) {
		o.setStatus(context.Background(), crawl.BatchStatusDegraded)
	}
}

// RequestDrain stops new scheduling; in-flight units finish under their own
// call timeouts. Safe to call from any goroutine, repeatedly.
func (o *Orchestrator) RequestDrain() {
	o.drainOnce.Do(func() {
		close(o.drainCh)
		o.setStatus(context.Background(), crawl.BatchStatusDraining)
		o.logger.Info("drain requested", zap.String("batch_id", o.Progress().BatchID))
	})
}

// persistenceDown reports whether a unit has already exhausted the write
// budget and marked the batch fatal.
func (o *Orchestrator) persistenceDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fatal != nil
}

func (o *Orchestrator) halted() bool {
	select {
	case <-o.drainCh:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) finalize(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	fatal := o.fatal
	o.mu.Unlock()

	// A persistence-fatal batch stays in DRAINING; an operator decides what
	// to do with the partial coverage.
	if fatal == nil {
		o.setStatus(ctx, crawl.BatchStatusComplete)
	} else {
		o.flushCounters(ctx)
	}
	snap := o.Progress()

	finished := o.deps.Clock.Now()
	o.emit(progress.Event{
		BatchID: snap.BatchID,
		TS:      finished,
		Stage:   progress.StageBatchDone,
		Dur:     finished.Sub(o.batch.CreatedAt),
	})

	if fatal == nil && o.deps.Pub != nil && o.cfg.Topic != "" {
		summary := Summary{
			BatchID:    snap.BatchID,
			Status:     string(snap.Status),
			Counters:   snap.Counters,
			StartedAt:  o.batch.CreatedAt,
			FinishedAt: finished,
			DurationMs: finished.Sub(o.batch.CreatedAt).Milliseconds(),
		}
		if _, err := o.deps.Pub.Publish(ctx, o.cfg.Topic, summary); err != nil {
			o.logger.Warn("batch summary publish failed",
				zap.String("batch_id", snap.BatchID), zap.Error(err))
		}
	}

	o.logger.Info("batch finished",
		zap.String("batch_id", snap.BatchID),
		zap.Int("completed", snap.Counters.Completed),
		zap.Int("failed", snap.Counters.Failed),
		zap.Int("skipped", snap.Counters.Skipped),
	)
	return snap, fatal
}

// Progress returns the batch snapshot for the admin surface.
func (o *Orchestrator) Progress() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		BatchID:      o.batch.ID,
		Status:       o.batch.Status,
		Counters:     o.counters,
		SoftDeadline: o.batch.SoftDeadline,
		HardDeadline: o.batch.HardDeadline,
	}
}

// setStatus advances the batch state machine; transitions never go backward.
func (o *Orchestrator) setStatus(ctx context.Context, status crawl.BatchStatus) {
	o.mu.Lock()
	if o.batch.ID == "" || statusRank[status] <= statusRank[o.batch.Status] {
		o.mu.Unlock()
		return
	}
	o.batch.Status = status
	id := o.batch.ID
	counters := o.counters
	o.mu.Unlock()

	o.emit(progress.Event{
		BatchID:     id,
		TS:          o.deps.Clock.Now(),
		Stage:       progress.StageBatchState,
		BatchStatus: status,
	})
	if err := o.deps.Batches.UpdateBatch(ctx, id, status, counters); err != nil {
		o.logger.Warn("batch status persist failed",
			zap.String("batch_id", id), zap.String("status", string(status)), zap.Error(err))
	}
}

func (o *Orchestrator) countOutcome(outcome crawl.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch outcome {
	case crawl.OutcomeSuccess:
		o.counters.Completed++
	case crawl.OutcomeFailed:
		o.counters.Failed++
	default:
		o.counters.Skipped++
	}
	metrics.SetBatchUnits("completed", float64(o.counters.Completed))
	metrics.SetBatchUnits("failed", float64(o.counters.Failed))
	metrics.SetBatchUnits("skipped", float64(o.counters.Skipped))
}

func (o *Orchestrator) flushCounters(ctx context.Context) {
	o.mu.Lock()
	id := o.batch.ID
	status := o.batch.Status
	counters := o.counters
	o.mu.Unlock()
	if id == "" || status == crawl.BatchStatusComplete {
		return
	}
	if err := o.deps.Batches.UpdateBatch(ctx, id, status, counters); err != nil {
		o.logger.Warn("batch counter flush failed", zap.String("batch_id", id), zap.Error(err))
	}
}

// Status returns the current lifecycle state.
func (o *Orchestrator) Status() crawl.BatchStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.batch.Status
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.Emit(evt)
}
