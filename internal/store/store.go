package store

import (
	"context"
	"errors"
	"fmt"

	"job-ingestion-orchestrator/internal/config"
	"job-ingestion-orchestrator/internal/models"
)

// ErrTxDone is returned when an import transaction is used after Commit or Rollback.
var ErrTxDone = errors.New("import transaction already finished")

// JobStore is the keyed job store written by imports and swept for duplicates.
type JobStore interface {
	// BeginImport opens a batch whose upserts become visible only on Commit.
	BeginImport(ctx context.Context) (ImportTx, error)
	// ListJobs returns every record in insertion order from a consistent snapshot.
	ListJobs(ctx context.Context) ([]models.JobRecord, error)
	DeleteJobs(ctx context.Context, ids []string) (int, error)
	// LockWrites and LockSweep share one store-wide lock across every process using the store:
	// import writes hold it shared, dedupe sweeps hold it exclusively. Both block until granted
	// or ctx ends, and return an idempotent release.
	LockWrites(ctx context.Context) (unlock func(), err error)
	LockSweep(ctx context.Context) (unlock func(), err error)
}

// ImportTx is one import's write batch. A failed UpsertJob leaves the batch usable.
type ImportTx interface {
	UpsertJob(ctx context.Context, naturalKey string, job models.NormalizedJob) (created bool, err error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// RunConfigStore persists per-owner actor preferences.
type RunConfigStore interface {
	LoadRunConfigs(ctx context.Context, owner string) ([]models.ActorRunConfig, error)
	SaveRunConfigs(ctx context.Context, owner string, cfgs []models.ActorRunConfig) error
}

// Backend is a complete storage driver.
type Backend interface {
	JobStore
	RunConfigStore
	RunMigrations(ctx context.Context) error
	Close()
}

// Open connects the driver selected by STORE_DRIVER and applies its migrations.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.StoreDriver {
	case "postgres", "":
		b, err = New(ctx, cfg.PostgresDSN)
	case "sqlite":
		b, err = OpenSQLite(ctx, cfg.SQLitePath)
	case "memory":
		b = NewMemory()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, err
	}
	if err := b.RunMigrations(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return b, nil
}
