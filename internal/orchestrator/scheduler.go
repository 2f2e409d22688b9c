package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"job-ingestion-orchestrator/internal/flight"
	"job-ingestion-orchestrator/internal/logger"
)

const pruneSpec = "@every 10m"

// Scheduler runs the recurring load for a saved owner and prunes old runs.
type Scheduler struct {
	cron      *cron.Cron
	trigger   *Trigger
	agg       *Aggregator
	loadSpec  string
	owner     string
	retention time.Duration
	ticks     flight.Guard
	log       *logger.Logger
}

// NewScheduler creates a scheduler. An empty loadSpec disables scheduled loads; pruning always runs
// when retention is positive.
func NewScheduler(trigger *Trigger, agg *Aggregator, loadSpec, owner string, retention time.Duration, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		cron:      cron.New(cron.WithLogger(cronLogger{log})),
		trigger:   trigger,
		agg:       agg,
		loadSpec:  loadSpec,
		owner:     owner,
		retention: retention,
		log:       log,
	}
}

// ClaimTicks makes every scheduled load claim its tick on g first, so processes sharing g
// start each load once. g's claims should expire within TickWindow of the load schedule.
func (s *Scheduler) ClaimTicks(g flight.Guard) {
	s.ticks = g
}

// TickWindow is half the gap between the next two fires of a cron schedule, at least a second.
func TickWindow(spec string) (time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	next := sched.Next(time.Now())
	return max(sched.Next(next).Sub(next)/2, time.Second), nil
}

// Start registers the jobs and starts the cron. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.loadSpec != "" {
		if _, err := s.cron.AddFunc(s.loadSpec, func() { s.runLoad(ctx) }); err != nil {
			return fmt.Errorf("schedule load %q: %w", s.loadSpec, err)
		}
	}
	if s.retention > 0 {
		if _, err := s.cron.AddFunc(pruneSpec, func() { s.runPrune(ctx) }); err != nil {
			return fmt.Errorf("schedule prune: %w", err)
		}
	}
	s.cron.Start()
	s.log.LogInfof("scheduler started, load=%q owner=%s retention=%s", s.loadSpec, s.owner, s.retention)
	return nil
}

// Stop stops the cron and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.LogInfof("scheduler stopped")
}

func (s *Scheduler) runLoad(ctx context.Context) {
	if s.ticks != nil {
		// the claim is never released; it expires before the next tick
		if _, err := s.ticks.TryAcquire(ctx, "load:"+s.owner); err != nil {
			if errors.Is(err, flight.ErrInFlight) {
				s.log.Debug().Str("owner", s.owner).Msg("scheduled load claimed by another process")
				return
			}
			s.log.LogError("claim scheduled load", err)
			return
		}
	}
	res, err := s.trigger.StartSaved(ctx, s.owner)
	if err != nil && len(res.Runs) == 0 {
		s.log.LogError("scheduled load failed", err)
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Int("started", len(res.Runs)).Msg("scheduled load partially started")
		return
	}
	s.log.Info().Int("started", len(res.Runs)).Float64("estimated_cost", res.TotalEstimatedCost).Msg("scheduled load started")
}

func (s *Scheduler) runPrune(ctx context.Context) {
	n, err := s.agg.Prune(ctx, s.retention)
	if err != nil {
		s.log.LogError("prune runs", err)
		return
	}
	if n > 0 {
		s.log.LogInfof("pruned %d finished runs", n)
	}
}

// cronLogger routes cron's own logging into the component logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron " + msg)
}
