// Package importer turns a completed run's dataset into job records.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"job-ingestion-orchestrator/internal/dedupe"
	"job-ingestion-orchestrator/internal/flight"
	"job-ingestion-orchestrator/internal/logger"
	"job-ingestion-orchestrator/internal/models"
	"job-ingestion-orchestrator/internal/runs"
	"job-ingestion-orchestrator/internal/store"
	"job-ingestion-orchestrator/internal/telemetry"
)

// Platform reads run datasets.
type Platform interface {
	DatasetItems(ctx context.Context, runID string, limit int) ([]models.RawRecord, error)
}

// RunSource reads runs and records finished imports against them.
type RunSource interface {
	Run(ctx context.Context, runID string) (models.Run, error)
	RecordImport(ctx context.Context, runID string, stats models.ImportStats) error
}

// Catalog resolves actor definitions for normalization tables.
type Catalog interface {
	Lookup(id string) (models.ActorDefinition, bool)
}

// Archiver keeps a copy of the raw dataset and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, actorID, runID string, records []models.RawRecord) (string, error)
}

// Import stages and their progress milestones.
const (
	StageFetching    = "fetching"
	StageNormalizing = "normalizing"
	StageUpserting   = "upserting"
	StageDeduping    = "deduplicating"
	StageDone        = "done"
	StageFailed      = "failed"
)

// Progress is the observable state of the latest import of a run.
type Progress struct {
	RunID      string              `json:"run_id"`
	Stage      string              `json:"stage"`
	Percent    int                 `json:"percent"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Stats      *models.ImportStats `json:"stats,omitempty"`
	Error      string              `json:"error,omitempty"`
}

type Deps struct {
	Platform Platform
	Runs     RunSource
	Store    store.JobStore
	Sweeper  *dedupe.Sweeper
	Guard    flight.Guard
	Catalog  Catalog
	Archiver Archiver // optional
	Timeout  time.Duration
	Log      *logger.Logger
}

// Pipeline runs imports. Imports of distinct runs may overlap; the same run is single-flight.
type Pipeline struct {
	platform Platform
	runs     RunSource
	store    store.JobStore
	sweeper  *dedupe.Sweeper
	guard    flight.Guard
	catalog  Catalog
	archiver Archiver
	timeout  time.Duration
	log      *logger.Logger
	now      func() time.Time

	mu       sync.RWMutex
	progress map[string]Progress
}

func NewPipeline(d Deps) *Pipeline {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Guard == nil {
		d.Guard = flight.NewLocalGuard()
	}
	if d.Timeout <= 0 {
		d.Timeout = 5 * time.Minute
	}
	return &Pipeline{
		platform: d.Platform,
		runs:     d.Runs,
		store:    d.Store,
		sweeper:  d.Sweeper,
		guard:    d.Guard,
		catalog:  d.Catalog,
		archiver: d.Archiver,
		timeout:  d.Timeout,
		log:      d.Log,
		now:      func() time.Time { return time.Now().UTC() },
		progress: make(map[string]Progress),
	}
}

// NaturalKey decides whether an incoming record updates an existing one.
func NaturalKey(job models.NormalizedJob) string {
	switch {
	case job.ExternalID != "":
		return job.SourceActorID + ":id:" + job.ExternalID
	case job.SourceRunID != "":
		return fmt.Sprintf("%s:run:%s:%d", job.SourceActorID, job.SourceRunID, job.SourcePosition)
	}
	return "dedupe:" + job.DedupeKey
}

// Import fetches, normalizes and upserts the dataset of a completed run, then sweeps duplicates.
// actorID may be empty, in which case the run's own actor is used.
// If only the sweep fails the stats are still returned with the error.
func (p *Pipeline) Import(ctx context.Context, runID, actorID string) (models.ImportStats, error) {
	release, err := p.guard.TryAcquire(ctx, "import:"+runID)
	if err != nil {
		if errors.Is(err, flight.ErrInFlight) {
			telemetry.Imports.WithLabelValues("rejected").Inc()
			return models.ImportStats{}, fmt.Errorf("run %s: %w", runID, ErrImportInProgress)
		}
		return models.ImportStats{}, fmt.Errorf("acquire import lock: %w", err)
	}
	defer release()

	run, err := p.runs.Run(ctx, runID)
	if err != nil {
		if errors.Is(err, runs.ErrRunNotFound) {
			return models.ImportStats{}, fmt.Errorf("run %s not found: %w", runID, ErrRunNotImportable)
		}
		return models.ImportStats{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if actorID == "" {
		actorID = run.ActorID
	}
	if actorID != run.ActorID {
		return models.ImportStats{}, fmt.Errorf("run %s belongs to actor %s, not %s: %w", runID, run.ActorID, actorID, ErrRunNotImportable)
	}
	if run.Status != models.RunCompleted {
		return models.ImportStats{}, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrRunNotImportable)
	}

	started := time.Now()
	p.start(runID)
	stats, err := p.execute(ctx, run)
	telemetry.ImportDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		p.finish(runID, stats, err)
		var aborted *ImportAbortedError
		if errors.As(err, &aborted) {
			telemetry.Imports.WithLabelValues("aborted").Inc()
			p.log.Error().Err(err).Str("run_id", runID).Str("phase", aborted.Phase).Msg("import aborted")
			return models.ImportStats{}, err
		}
		telemetry.Imports.WithLabelValues("partial").Inc()
		p.log.Error().Err(err).Str("run_id", runID).Msg("import finished with errors")
		return stats, err
	}
	p.finish(runID, stats, nil)
	telemetry.Imports.WithLabelValues("ok").Inc()
	p.log.Info().
		Str("run_id", runID).
		Str("actor_id", actorID).
		Int("fetched", stats.TotalFetched).
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Int("duplicates_removed", stats.DuplicatesRemoved).
		Msg("import finished")
	return stats, nil
}

func (p *Pipeline) execute(parent context.Context, run models.Run) (models.ImportStats, error) {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	stats := models.ImportStats{RunID: run.RunID, ActorID: run.ActorID}
	abort := func(phase string, err error) (models.ImportStats, error) {
		return stats, &ImportAbortedError{RunID: run.RunID, Phase: phase, Err: err}
	}

	records, err := p.platform.DatasetItems(ctx, run.RunID, run.MaxResults)
	if err != nil {
		return abort("fetch", err)
	}
	stats.TotalFetched = len(records)
	p.advance(run.RunID, StageNormalizing, 30)

	if p.archiver != nil {
		where, err := p.archiver.Archive(ctx, run.ActorID, run.RunID, records)
		if err != nil {
			p.log.Warn().Err(err).Str("run_id", run.RunID).Msg("archive raw dataset")
		} else {
			stats.ArchivedAt = where
		}
	}

	var def models.ActorDefinition
	if p.catalog != nil {
		def, _ = p.catalog.Lookup(run.ActorID)
	}
	table := FieldsFor(def)
	jobs := make([]models.NormalizedJob, 0, len(records))
	for i, raw := range records {
		job, err := Normalize(raw, table, Source{ActorID: run.ActorID, RunID: run.RunID, Position: i})
		if err != nil {
			stats.Skipped++
			p.log.Debug().Err(err).Str("run_id", run.RunID).Msg("record skipped")
			continue
		}
		jobs = append(jobs, job)
	}
	stats.Normalized = len(jobs)
	p.advance(run.RunID, StageUpserting, 30)

	if err := p.upsert(ctx, jobs, &stats); err != nil {
		stats.Created, stats.Updated, stats.Failed = 0, 0, 0
		return abort("upsert", err)
	}
	telemetry.JobsUpserted.WithLabelValues("created").Add(float64(stats.Created))
	telemetry.JobsUpserted.WithLabelValues("updated").Add(float64(stats.Updated))
	telemetry.JobsUpserted.WithLabelValues("failed").Add(float64(stats.Failed))
	telemetry.JobsUpserted.WithLabelValues("skipped").Add(float64(stats.Skipped))
	p.advance(run.RunID, StageDeduping, 70)

	var sweepErr error
	if p.sweeper != nil {
		removed, err := p.sweeper.Dedupe(ctx)
		if err != nil {
			sweepErr = fmt.Errorf("dedupe after import of run %s: %w", run.RunID, err)
		}
		stats.DuplicatesRemoved = removed
	}
	p.advance(run.RunID, StageDeduping, 90)

	if err := p.runs.RecordImport(parent, run.RunID, stats); err != nil {
		p.log.Warn().Err(err).Str("run_id", run.RunID).Msg("record import on run")
	}
	return stats, sweepErr
}

// upsert writes every job in one transaction. Single record failures are counted;
// cancellation or a failed commit rolls back everything.
func (p *Pipeline) upsert(ctx context.Context, jobs []models.NormalizedJob, stats *models.ImportStats) error {
	unlock, err := p.store.LockWrites(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := p.store.BeginImport(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		created, err := tx.UpsertJob(ctx, NaturalKey(job), job)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.Failed++
			p.log.Warn().Err(err).Str("run_id", job.SourceRunID).Int("position", job.SourcePosition).Msg("upsert job")
			continue
		}
		if created {
			stats.Created++
		} else {
			stats.Updated++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

// Progress reports the latest import of runID.
func (p *Pipeline) Progress(runID string) (Progress, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.progress[runID]
	return pr, ok
}

func (p *Pipeline) start(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress[runID] = Progress{RunID: runID, Stage: StageFetching, Percent: 10, StartedAt: p.now()}
}

func (p *Pipeline) advance(runID, stage string, percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr := p.progress[runID]
	if percent < pr.Percent {
		percent = pr.Percent
	}
	pr.Stage, pr.Percent = stage, percent
	p.progress[runID] = pr
}

func (p *Pipeline) finish(runID string, stats models.ImportStats, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr := p.progress[runID]
	now := p.now()
	pr.FinishedAt = &now
	var aborted *ImportAbortedError
	switch {
	case err != nil && errors.As(err, &aborted):
		pr.Stage = StageFailed
		pr.Error = err.Error()
	case err != nil:
		pr.Stage, pr.Percent = StageDone, 100
		pr.Stats = &stats
		pr.Error = err.Error()
	default:
		pr.Stage, pr.Percent = StageDone, 100
		pr.Stats = &stats
	}
	p.progress[runID] = pr
}
