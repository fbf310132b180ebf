// Package app initializes and holds the long-lived application services,
// acting as the dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/analysis"
	"github.com/nine-one-six-systems/prospector/internal/api"
	"github.com/nine-one-six-systems/prospector/internal/clock/system"
	"github.com/nine-one-six-systems/prospector/internal/config"
	"github.com/nine-one-six-systems/prospector/internal/crawl"
	"github.com/nine-one-six-systems/prospector/internal/dispatch"
	"github.com/nine-one-six-systems/prospector/internal/fetch"
	"github.com/nine-one-six-systems/prospector/internal/frontier"
	"github.com/nine-one-six-systems/prospector/internal/id/uuid"
	"github.com/nine-one-six-systems/prospector/internal/intel"
	"github.com/nine-one-six-systems/prospector/internal/lifecycle"
	"github.com/nine-one-six-systems/prospector/internal/phases"
	"github.com/nine-one-six-systems/prospector/internal/politeness"
	"github.com/nine-one-six-systems/prospector/internal/progress"
	"github.com/nine-one-six-systems/prospector/internal/scheduler"
	"github.com/nine-one-six-systems/prospector/internal/storage/gcs"
	"github.com/nine-one-six-systems/prospector/internal/storage/local"
	"github.com/nine-one-six-systems/prospector/internal/storage/memory"
	"github.com/nine-one-six-systems/prospector/internal/storage/postgres"
)

// App holds every wired service. It is built once at startup and is the
// only place that knows which backends are in play.
type App struct {
	Config config.Config
	Logger *zap.Logger

	Server    *api.Server
	Worker    *dispatch.Worker
	Scheduler *scheduler.Scheduler
	Machine   *lifecycle.Machine
	Recovery  *lifecycle.Recovery

	browser  intel.Fetcher
	fallback intel.Fetcher
	closers  []func() error
}

// New builds the application from its configuration. It fails fast when any
// critical backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	clk := system.New()
	idGen := uuid.NewUUIDGenerator()

	companies, batches, sessions, pages, analyses, err := a.buildStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	blobs, err := a.buildBlobStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	queue, err := a.buildQueue(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	progressCache := a.buildProgressCache(cfg, logger)

	machine := lifecycle.NewMachine(companies, sessions, analyses, clk, logger)
	dispatcher := dispatch.NewDispatcher(queue, idGen, clk, logger)
	machine.SetDispatcher(dispatcher)

	sched := scheduler.New(batches, companies, machine, dispatcher, clk,
		scheduler.Config{MaxAdmissionsPerTick: cfg.Scheduler.MaxAdmissionsPerTick}, logger)

	limiter := politeness.NewRateLimiter(cfg.DefaultDelay())
	robots := politeness.NewRobots(cfg.Crawler.UserAgent, cfg.RobotsTTL(), limiter, logger)
	seeder := frontier.NewSeeder(cfg.Crawler.UserAgent, logger)

	browser, err := fetch.NewBrowserPool(fetch.PoolConfig{
		Size:       cfg.Browser.Tabs,
		NavTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
		UserAgent:  cfg.Crawler.UserAgent,
		Headless:   true,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("start browser pool: %w", err)
	}
	a.browser = browser
	fallback, err := fetch.NewFallbackFetcher(fetch.FallbackConfig{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   time.Duration(cfg.Crawler.FallbackTimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build fallback fetcher: %w", err)
	}
	a.fallback = fallback

	crawler := crawl.New(sessions, pages, blobs, browser, fallback, robots, limiter,
		seeder, progressCache, machine, idGen, clk, logger,
		crawl.Config{CheckpointEvery: cfg.Crawler.CheckpointEveryPages})

	worker := dispatch.NewWorker(queue, machine, dispatch.WorkerConfig{
		WorkersPerQueue: cfg.Worker.PerQueue,
		SoftLimit:       time.Duration(cfg.Worker.SoftLimitMin) * time.Minute,
		HardLimit:       time.Duration(cfg.Worker.HardLimitMin) * time.Minute,
	}, logger)

	handlers := phases.New(companies, pages, analyses, blobs, progressCache,
		machine, dispatcher, sched, crawler,
		analysis.NewHeuristicExtractor(logger), analysis.NewHeuristicAnalyzer(logger),
		clk, logger)
	handlers.Register(worker)

	a.Server = api.NewServer(companies, batches, sessions, pages, analyses,
		progressCache, machine, sched, idGen, clk, cfg, logger)
	a.Worker = worker
	a.Scheduler = sched
	a.Machine = machine
	a.Recovery = lifecycle.NewRecovery(companies, dispatcher, logger)
	return a, nil
}

func (a *App) buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (
	intel.CompanyStore, intel.BatchStore, intel.SessionStore, intel.PageStore, intel.AnalysisStore, error,
) {
	if cfg.DB.DSN == "" {
		logger.Info("No database configured, using in-memory stores")
		return memory.NewCompanyStore(), memory.NewBatchStore(), memory.NewSessionStore(),
			memory.NewPageStore(), memory.NewAnalysisStore(), nil
	}
	pool, err := postgres.Connect(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifeMin) * time.Minute,
	})
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	logger.Info("Using Postgres stores")
	return postgres.NewCompanyStore(pool), postgres.NewBatchStore(pool), postgres.NewSessionStore(pool),
		postgres.NewPageStore(pool), postgres.NewAnalysisStore(pool), nil
}

func (a *App) buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (intel.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		logger.Info("Using GCS blob store", zap.String("bucket", cfg.Storage.GCSBucket))
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	case "local":
		logger.Info("Using local blob store", zap.String("dir", cfg.Storage.LocalDir))
		return local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
	default:
		logger.Info("Using in-memory blob store")
		return memory.NewBlobStore(), nil
	}
}

func (a *App) buildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (intel.TaskQueue, error) {
	if cfg.Queue.Backend == "pubsub" {
		queue, err := dispatch.NewPubSubQueue(ctx, cfg.Queue.ProjectID, cfg.Queue.TopicPrefix, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, queue.Close)
		logger.Info("Using Pub/Sub task queue", zap.String("project", cfg.Queue.ProjectID))
		return queue, nil
	}
	logger.Info("Using in-memory task queue")
	return dispatch.NewMemoryQueue(cfg.Worker.MemoryQueueSize), nil
}

func (a *App) buildProgressCache(cfg config.Config, logger *zap.Logger) intel.ProgressCache {
	if cfg.Redis.Addr == "" {
		logger.Info("No Redis configured, using in-memory progress cache")
		return progress.NewMemoryCache()
	}
	cache := progress.NewRedisCache(cfg.Redis.Addr, cfg.Redis.KeyPrefix,
		time.Duration(cfg.Redis.TTLMinutes)*time.Minute)
	a.closers = append(a.closers, cache.Close)
	logger.Info("Using Redis progress cache", zap.String("addr", cfg.Redis.Addr))
	return cache
}

// Close shuts down the fetchers and every backend client.
func (a *App) Close(ctx context.Context) {
	if a.browser != nil {
		if err := a.browser.Shutdown(ctx); err != nil {
			a.Logger.Warn("Browser pool shutdown failed", zap.Error(err))
		}
	}
	if a.fallback != nil {
		if err := a.fallback.Shutdown(ctx); err != nil {
			a.Logger.Warn("Fallback fetcher shutdown failed", zap.Error(err))
		}
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.Logger.Warn("Close failed", zap.Error(err))
		}
	}
}
