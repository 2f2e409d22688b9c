package orchestrator

import (
	"context"
	"sync"
	"time"

	"job-ingestion-orchestrator/internal/logger"
	"job-ingestion-orchestrator/internal/models"
)

// Importer imports a completed run's dataset.
type Importer interface {
	Import(ctx context.Context, runID, actorID string) (models.ImportStats, error)
}

// Poller refreshes active runs on an interval and optionally imports runs as they complete.
type Poller struct {
	agg      *Aggregator
	importer Importer
	interval time.Duration
	log      *logger.Logger

	mu        sync.Mutex
	attempted map[string]struct{}
	wg        sync.WaitGroup
}

// NewPoller creates a poller. A nil importer disables auto-import.
func NewPoller(agg *Aggregator, imp Importer, interval time.Duration, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{
		agg:       agg,
		importer:  imp,
		interval:  interval,
		log:       log,
		attempted: make(map[string]struct{}),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight imports.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.wg.Wait()

	p.log.LogInfof("poller started, interval=%s auto_import=%t", p.interval, p.importer != nil)
	for {
		p.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	active, err := p.agg.HasActiveRuns(ctx)
	if err != nil {
		p.log.LogError("list runs", err)
		return
	}
	if active {
		// PollError is logged by Refresh; the loop simply retries next tick.
		_, _ = p.agg.Refresh(ctx)
	}
	if p.importer != nil {
		p.importCompleted(ctx)
	}
}

// importCompleted starts one import per completed run that has none recorded. Each run is attempted once per process.
func (p *Poller) importCompleted(ctx context.Context) {
	list, _, err := p.agg.Runs(ctx)
	if err != nil {
		p.log.LogError("list runs for import", err)
		return
	}
	for _, run := range list {
		if run.Status != models.RunCompleted || run.ImportedAt != nil {
			continue
		}
		p.mu.Lock()
		_, seen := p.attempted[run.RunID]
		p.attempted[run.RunID] = struct{}{}
		p.mu.Unlock()
		if seen {
			continue
		}

		p.wg.Add(1)
		go func(run models.Run) {
			defer p.wg.Done()
			stats, err := p.importer.Import(ctx, run.RunID, run.ActorID)
			if err != nil {
				p.log.Warn().Err(err).Str("run_id", run.RunID).Msg("auto import failed")
				return
			}
			p.log.Info().
				Str("run_id", run.RunID).
				Int("created", stats.Created).
				Int("updated", stats.Updated).
				Int("duplicates_removed", stats.DuplicatesRemoved).
				Msg("auto import finished")
		}(run)
	}
}

// Wait blocks until background imports started by the poller return.
func (p *Poller) Wait() { p.wg.Wait() }
