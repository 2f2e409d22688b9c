package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"job-ingestion-orchestrator/internal/logger"
	"job-ingestion-orchestrator/internal/models"
	"job-ingestion-orchestrator/internal/platform"
	"job-ingestion-orchestrator/internal/runs"
	"job-ingestion-orchestrator/internal/telemetry"
)

const pollConcurrency = 8

// Snapshot is the aggregated view produced by one poll.
type Snapshot struct {
	Runs    []models.Run         `json:"runs"`
	Overall models.OverallStatus `json:"overall"`
	Usage   models.UsageStats    `json:"usage"`
}

// Aggregator is the only writer of run state after creation.
type Aggregator struct {
	platform    Platform
	registry    runs.Registry
	callTimeout time.Duration
	log         *logger.Logger
	now         func() time.Time

	refreshMu sync.Mutex

	usageMu sync.RWMutex
	usage   models.UsageStats
}

func NewAggregator(p Platform, reg runs.Registry, callTimeout time.Duration, log *logger.Logger) *Aggregator {
	if log == nil {
		log = logger.Nop()
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &Aggregator{
		platform:    p,
		registry:    reg,
		callTimeout: callTimeout,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Poll observes every non-terminal run and the account usage. It does not persist anything.
// Runs whose status check failed come back unchanged and are named in the returned PollError;
// the snapshot is valid either way.
func (a *Aggregator) Poll(ctx context.Context, current []models.Run) (Snapshot, error) {
	updated := make([]models.Run, len(current))
	copy(updated, current)
	failed := make([]error, len(current))

	var usage models.UsageStats
	var usageErr error

	var g errgroup.Group
	g.SetLimit(pollConcurrency)
	for i := range updated {
		if updated[i].Status.Terminal() {
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
			defer cancel()
			info, err := a.platform.GetRun(callCtx, updated[i].RunID)
			if err != nil {
				failed[i] = err
				return nil
			}
			updated[i] = advance(updated[i], info, a.now())
			return nil
		})
	}
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
		usage, usageErr = a.platform.GetUsage(callCtx)
		return nil
	})
	_ = g.Wait()

	if usageErr == nil {
		a.usageMu.Lock()
		a.usage = usage
		a.usageMu.Unlock()
	}

	snap := Snapshot{Runs: updated, Overall: Summarize(updated), Usage: a.Usage()}

	var pollErr *PollError
	for i, err := range failed {
		if err == nil {
			continue
		}
		if pollErr == nil {
			pollErr = &PollError{}
		}
		pollErr.RunIDs = append(pollErr.RunIDs, current[i].RunID)
		pollErr.Err = errors.Join(pollErr.Err, fmt.Errorf("run %s: %w", current[i].RunID, err))
	}
	if usageErr != nil {
		if pollErr == nil {
			pollErr = &PollError{}
		}
		pollErr.Usage = true
		pollErr.Err = errors.Join(pollErr.Err, fmt.Errorf("usage: %w", usageErr))
	}
	if pollErr != nil {
		telemetry.PollErrors.Inc()
		return snap, pollErr
	}
	return snap, nil
}

// Refresh polls the registry's runs and saves the ones that moved.
func (a *Aggregator) Refresh(ctx context.Context) (Snapshot, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	current, err := a.registry.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list runs: %w", err)
	}
	snap, pollErr := a.Poll(ctx, current)

	for i, run := range snap.Runs {
		if !changed(current[i], run) {
			continue
		}
		if err := a.save(ctx, run); err != nil {
			return snap, err
		}
		if run.Status != current[i].Status {
			a.log.Info().
				Str("run_id", run.RunID).
				Str("actor_id", run.ActorID).
				Str("from", string(current[i].Status)).
				Str("to", string(run.Status)).
				Int("progress", run.Progress).
				Msg("run status changed")
		}
	}
	telemetry.ActiveRunsGauge.Set(float64(activeCount(snap.Runs)))
	if pollErr != nil {
		a.log.Warn().Err(pollErr).Msg("poll failed, runs left unchanged")
	}
	return snap, pollErr
}

// save writes run unless the stored copy has already moved further along,
// which happens when another process refreshed in between.
func (a *Aggregator) save(ctx context.Context, run models.Run) error {
	stored, err := a.registry.Get(ctx, run.RunID)
	if err != nil {
		if errors.Is(err, runs.ErrRunNotFound) {
			return nil
		}
		return fmt.Errorf("reload run %s: %w", run.RunID, err)
	}
	if stored.Status.Terminal() || stored.Status.Rank() > run.Status.Rank() {
		return nil
	}
	if stored.Status == run.Status && stored.Progress > run.Progress {
		return nil
	}
	if err := a.registry.Save(ctx, run); err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

// Usage is the last successfully fetched account usage.
func (a *Aggregator) Usage() models.UsageStats {
	a.usageMu.RLock()
	defer a.usageMu.RUnlock()
	return a.usage
}

// Runs lists the registry, oldest first, with the aggregate.
func (a *Aggregator) Runs(ctx context.Context) ([]models.Run, models.OverallStatus, error) {
	list, err := a.registry.List(ctx)
	if err != nil {
		return nil, models.OverallStatus{}, fmt.Errorf("list runs: %w", err)
	}
	return list, Summarize(list), nil
}

// Run returns one run.
func (a *Aggregator) Run(ctx context.Context, runID string) (models.Run, error) {
	return a.registry.Get(ctx, runID)
}

// RecordImport stores import results on a completed run. Refresh never writes terminal runs,
// so this cannot race the poller.
func (a *Aggregator) RecordImport(ctx context.Context, runID string, stats models.ImportStats) error {
	run, err := a.registry.Get(ctx, runID)
	if err != nil {
		return err
	}
	now := a.now()
	run.JobsSynced = stats.Synced()
	run.ImportedAt = &now
	if err := a.registry.Save(ctx, run); err != nil {
		return fmt.Errorf("save run %s: %w", runID, err)
	}
	return nil
}

// HasActiveRuns reports whether any run still needs polling.
func (a *Aggregator) HasActiveRuns(ctx context.Context) (bool, error) {
	list, err := a.registry.List(ctx)
	if err != nil {
		return false, fmt.Errorf("list runs: %w", err)
	}
	return activeCount(list) > 0, nil
}

// Prune drops terminal runs that finished before the retention window.
func (a *Aggregator) Prune(ctx context.Context, retention time.Duration) (int, error) {
	return a.registry.Prune(ctx, a.now().Add(-retention))
}

func activeCount(list []models.Run) int {
	n := 0
	for _, r := range list {
		if !r.Status.Terminal() {
			n++
		}
	}
	return n
}

func changed(before, after models.Run) bool {
	return before.Status != after.Status ||
		before.Progress != after.Progress ||
		before.JobsFetched != after.JobsFetched ||
		before.ActualCostUSD != after.ActualCostUSD ||
		before.VendorStatus != after.VendorStatus ||
		len(before.Errors) != len(after.Errors)
}

var _ Platform = (*platform.Client)(nil)
