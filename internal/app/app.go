// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	gcsblob "github.com/llmrank/mindshare-crawler/internal/archive/gcs"
	memblob "github.com/llmrank/mindshare-crawler/internal/archive/memory"
	clocksystem "github.com/llmrank/mindshare-crawler/internal/clock/system"
	"github.com/llmrank/mindshare-crawler/internal/config"
	"github.com/llmrank/mindshare-crawler/internal/crawl"
	iduuid "github.com/llmrank/mindshare-crawler/internal/id/uuid"
	"github.com/llmrank/mindshare-crawler/internal/logging"
	"github.com/llmrank/mindshare-crawler/internal/orchestrator"
	"github.com/llmrank/mindshare-crawler/internal/policy/breaker"
	"github.com/llmrank/mindshare-crawler/internal/policy/ratelimit"
	"github.com/llmrank/mindshare-crawler/internal/progress"
	"github.com/llmrank/mindshare-crawler/internal/progress/sinks"
	"github.com/llmrank/mindshare-crawler/internal/provider"
	pubpubsub "github.com/llmrank/mindshare-crawler/internal/publisher/pubsub"
	"github.com/llmrank/mindshare-crawler/internal/registry"
	"github.com/llmrank/mindshare-crawler/internal/source"
	memstore "github.com/llmrank/mindshare-crawler/internal/store/memory"
	pgstore "github.com/llmrank/mindshare-crawler/internal/store/postgres"
)

// App holds the shared, long-lived services for the crawler. It is built
// once at startup and handed to the commands that need it.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool         *pgxpool.Pool
	pubsubClient *pubsub.Client

	results crawl.ResultStore
	batches crawl.BatchStore
	domains crawl.DomainSource
	prompts crawl.PromptSource
	blobs   crawl.BlobStore
	pub     crawl.Publisher

	registry *registry.Registry
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	retry    *crawl.RetryPolicy
	hub      *progress.Hub
}

// New builds the service container from configuration. It fails fast: any
// service that cannot be initialized aborts startup.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	if err := a.initStores(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.initSources(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.initProviders(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.initArchive(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.hub = progress.NewHub(
		progress.Config{Logger: logger},
		sinks.NewLogSink(logger),
		sinks.NewPrometheusSink(),
	)

	logger.Info("application services initialized",
		zap.Int("providers", len(a.registry.ActiveProviders())),
		zap.Bool("postgres", a.pool != nil),
		zap.String("archive", cfg.Archive.Provider),
		zap.Bool("pubsub", a.pub != nil))
	return a, nil
}

func (a *App) initStores(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("db.dsn is not set, using in-memory stores")
		a.results = memstore.NewResponseStore()
		a.batches = memstore.NewBatchStore()
		return nil
	}

	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pool = pool

	results, err := pgstore.NewResponseStore(pool, a.cfg.DB.ResponseTable)
	if err != nil {
		return fmt.Errorf("init response store: %w", err)
	}
	batches, err := pgstore.NewBatchStore(pool, a.cfg.DB.BatchTable)
	if err != nil {
		return fmt.Errorf("init batch store: %w", err)
	}
	a.results = results
	a.batches = batches
	return nil
}

func (a *App) initSources() error {
	switch {
	case len(a.cfg.Domains) > 0:
		a.domains = source.NewStaticDomains(a.cfg.Domains)
	case a.pool != nil:
		domains, err := source.NewPostgresDomains(a.pool, a.cfg.DB.DomainTable)
		if err != nil {
			return fmt.Errorf("init domain source: %w", err)
		}
		a.domains = domains
	default:
		return fmt.Errorf("no domain source: set domains in config or db.dsn with db.domain_table")
	}

	prompts, err := source.NewStaticPrompts(a.cfg.Prompts)
	if err != nil {
		return fmt.Errorf("init prompt source: %w", err)
	}
	a.prompts = prompts
	return nil
}

func (a *App) initProviders() error {
	reg, err := registry.Build(a.cfg.Providers, provider.NewHTTPClient(), a.logger)
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}
	a.registry = reg

	a.limiter = ratelimit.New(ratelimit.Config{
		DefaultRPM: a.cfg.Batch.DefaultRPM,
	}, a.cfg.Providers)

	a.breaker = breaker.New(breaker.Config{
		Window:         time.Duration(a.cfg.Breaker.WindowSec) * time.Second,
		MinSamples:     a.cfg.Breaker.MinSamples,
		FailureRate:    a.cfg.Breaker.FailureRate,
		Cooldown:       time.Duration(a.cfg.Breaker.CooldownSec) * time.Second,
		HalfOpenProbes: a.cfg.Breaker.HalfOpenProbes,
	}, nil)

	a.retry = crawl.NewRetryPolicyWith(
		a.cfg.Retry.MaxAttempts,
		time.Duration(a.cfg.Retry.BackoffInitialMs)*time.Millisecond,
		time.Duration(a.cfg.Retry.BackoffMaxMs)*time.Millisecond,
	)
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	switch a.cfg.Archive.Provider {
	case "gcs":
		if a.cfg.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.provider is 'gcs' but archive.gcs_bucket is not set")
		}
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		blobs, err := gcsblob.New(client, gcsblob.Config{
			Bucket: a.cfg.Archive.GCSBucket,
			Prefix: a.cfg.Archive.Prefix,
		})
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.blobs = blobs
	case "memory":
		a.blobs = memblob.NewBlobStore()
	case "none", "":
		a.logger.Info("raw response archive disabled")
	default:
		return fmt.Errorf("unknown archive provider: %s", a.cfg.Archive.Provider)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		return nil
	}
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub is enabled but project_id or topic_name is not set")
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub client: %w", err)
	}
	a.pubsubClient = client
	pub, err := pubpubsub.New(client)
	if err != nil {
		return fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.pub = pub
	return nil
}

// NewOrchestrator assembles a single-batch orchestrator from the container's
// services. Each call returns a fresh instance; orchestrators are single-use.
func (a *App) NewOrchestrator() (*orchestrator.Orchestrator, error) {
	topic := ""
	if a.pub != nil {
		topic = a.cfg.PubSub.TopicName
	}
	return orchestrator.New(orchestrator.Config{
		GlobalConcurrency: a.cfg.Batch.GlobalConcurrency,
		SoftDeadline:      a.cfg.SoftDeadline(),
		HardDeadline:      a.cfg.HardDeadline(),
		Topic:             topic,
	}, orchestrator.Deps{
		Registry: a.registry,
		Limiter:  a.limiter,
		Breaker:  a.breaker,
		Retry:    a.retry,
		Results:  a.results,
		Batches:  a.batches,
		Domains:  a.domains,
		Prompts:  a.prompts,
		Blobs:    a.blobs,
		Pub:      a.pub,
		Events:   a.hub,
		Clock:    clocksystem.New(),
		IDs:      iduuid.NewGenerator(),
		Logger:   a.logger,
	})
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Batches exposes the batch lifecycle store for the admin surface.
func (a *App) Batches() crawl.BatchStore { return a.batches }

// Registry exposes the provider registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Limiter exposes the per-provider rate limiter.
func (a *App) Limiter() *ratelimit.Limiter { return a.limiter }

// Breaker exposes the per-provider circuit breakers.
func (a *App) Breaker() *breaker.Breaker { return a.breaker }

// Close gracefully shuts down the container's services. Safe to call on a
// partially initialized container.
func (a *App) Close(ctx context.Context) {
	if a.hub != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.hub.Close(flushCtx); err != nil {
			a.logger.Warn("progress hub close", zap.Error(err))
		}
		cancel()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.logger.Sync()
}
