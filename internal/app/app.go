// Package app assembles the orchestrator from configuration. Both binaries share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"job-ingestion-orchestrator/internal/api"
	"job-ingestion-orchestrator/internal/archive"
	"job-ingestion-orchestrator/internal/catalog"
	"job-ingestion-orchestrator/internal/config"
	"job-ingestion-orchestrator/internal/dedupe"
	"job-ingestion-orchestrator/internal/flight"
	"job-ingestion-orchestrator/internal/importer"
	"job-ingestion-orchestrator/internal/logger"
	"job-ingestion-orchestrator/internal/orchestrator"
	"job-ingestion-orchestrator/internal/platform"
	"job-ingestion-orchestrator/internal/ratelimit"
	"job-ingestion-orchestrator/internal/runs"
	"job-ingestion-orchestrator/internal/store"
)

const (
	runsPrefix      = "ingest:runs"
	lockPrefix      = "ingest:lock"
	schedulePrefix  = "ingest:schedule"
	rateLimitPrefix = "rl:"
)

type App struct {
	Cfg        config.Config
	Store      store.Backend
	Redis      *redis.Client
	Catalog    *catalog.Catalog
	Registry   runs.Registry
	Limiter    ratelimit.Limiter
	Trigger    *orchestrator.Trigger
	Aggregator *orchestrator.Aggregator
	Sweeper    *dedupe.Sweeper
	Pipeline   *importer.Pipeline
	Poller     *orchestrator.Poller
	Scheduler  *orchestrator.Scheduler
}

// New connects storage and builds every component. Callers must Close the result.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Cfg: cfg, Store: st, Catalog: cat}

	if cfg.UsesRedis() {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	var guard flight.Guard = flight.NewLocalGuard()
	switch cfg.RegistryBackend {
	case "redis":
		a.Registry = runs.NewRedisRegistry(a.Redis, runsPrefix)
		guard = flight.NewRedisGuard(a.Redis, lockPrefix, cfg.ImportLockTTL)
	case "memory", "":
		a.Registry = runs.NewMemoryRegistry()
	default:
		a.Close()
		return nil, fmt.Errorf("unknown registry backend %q", cfg.RegistryBackend)
	}

	switch {
	case cfg.RateLimitCapacity <= 0:
	case a.Redis != nil:
		a.Limiter = ratelimit.NewTokenBucket(a.Redis, rateLimitPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	default:
		a.Limiter = ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}

	arch, err := archive.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}

	client := platform.NewFromConfig(cfg)
	a.Trigger = orchestrator.NewTrigger(client, cat, a.Registry, st, logger.New("trigger"))
	a.Aggregator = orchestrator.NewAggregator(client, a.Registry, cfg.PlatformCallTimeout, logger.New("aggregator"))
	a.Sweeper = dedupe.NewSweeper(st, logger.New("sweeper"))

	deps := importer.Deps{
		Platform: client,
		Runs:     a.Aggregator,
		Store:    st,
		Sweeper:  a.Sweeper,
		Guard:    guard,
		Catalog:  cat,
		Timeout:  cfg.ImportTimeout,
		Log:      logger.New("importer"),
	}
	if arch != nil {
		deps.Archiver = arch
	}
	a.Pipeline = importer.NewPipeline(deps)

	var imp orchestrator.Importer
	if cfg.AutoImport {
		imp = a.Pipeline
	}
	a.Poller = orchestrator.NewPoller(a.Aggregator, imp, cfg.PollInterval, logger.New("poller"))
	a.Scheduler = orchestrator.NewScheduler(a.Trigger, a.Aggregator, cfg.ScheduledLoadCron, cfg.ScheduledLoadOwner, cfg.RunRetention, logger.New("scheduler"))
	if a.Redis != nil && cfg.ScheduledLoadCron != "" {
		window, err := orchestrator.TickWindow(cfg.ScheduledLoadCron)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Scheduler.ClaimTicks(flight.NewRedisGuard(a.Redis, schedulePrefix, window))
	}
	return a, nil
}

// API builds the HTTP server over the app's components.
func (a *App) API() *api.Server {
	return api.New(api.Deps{
		Catalog:    a.Catalog,
		Configs:    a.Store,
		Trigger:    a.Trigger,
		Aggregator: a.Aggregator,
		Pipeline:   a.Pipeline,
		Sweeper:    a.Sweeper,
		Limiter:    a.Limiter,
		Log:        logger.New("api"),
	})
}

// RunBackground starts the scheduler and blocks in the poll loop until ctx is done.
func (a *App) RunBackground(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.Scheduler.Stop()
	return a.Poller.Run(ctx)
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
