// Package orchestrator starts actor runs, tracks them to completion and
// schedules recurring loads.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"job-ingestion-orchestrator/internal/catalog"
	"job-ingestion-orchestrator/internal/logger"
	"job-ingestion-orchestrator/internal/models"
	"job-ingestion-orchestrator/internal/platform"
	"job-ingestion-orchestrator/internal/runs"
	"job-ingestion-orchestrator/internal/telemetry"
)

// Platform is the slice of the external platform the orchestrator drives.
type Platform interface {
	StartRun(ctx context.Context, actorID string, input map[string]any, maxItems int) (platform.StartedRun, error)
	GetRun(ctx context.Context, runID string) (platform.RunInfo, error)
	GetUsage(ctx context.Context) (models.UsageStats, error)
}

// ConfigSource loads saved per-owner preferences.
type ConfigSource interface {
	LoadRunConfigs(ctx context.Context, owner string) ([]models.ActorRunConfig, error)
}

const defaultCapField = "maxItems"

// startConcurrency bounds parallel start calls per load.
const startConcurrency = 4

// LoadResult is what a load started. Failures lists actors that did not start.
type LoadResult struct {
	Runs               []models.Run  `json:"runs"`
	TotalEstimatedCost float64       `json:"total_estimated_cost"`
	Failures           []LoadFailure `json:"failures,omitempty"`
}

type LoadFailure struct {
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
	Error     string `json:"error"`
}

// Trigger validates run configurations and starts one platform run per enabled actor.
type Trigger struct {
	platform Platform
	catalog  *catalog.Catalog
	registry runs.Registry
	configs  ConfigSource
	log      *logger.Logger
	now      func() time.Time
}

func NewTrigger(p Platform, cat *catalog.Catalog, reg runs.Registry, configs ConfigSource, log *logger.Logger) *Trigger {
	if log == nil {
		log = logger.Nop()
	}
	return &Trigger{
		platform: p,
		catalog:  cat,
		registry: reg,
		configs:  configs,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ValidateConfigs checks ids and caps against the catalog. It does not require any actor to be enabled.
func ValidateConfigs(cat *catalog.Catalog, cfgs []models.ActorRunConfig) error {
	seen := make(map[string]struct{}, len(cfgs))
	for _, c := range cfgs {
		def, ok := cat.Lookup(c.ActorID)
		if !ok {
			return &ConfigError{ActorID: c.ActorID, Err: ErrUnknownActor}
		}
		if _, dup := seen[c.ActorID]; dup {
			return &ConfigError{ActorID: c.ActorID, Err: ErrDuplicateActor}
		}
		seen[c.ActorID] = struct{}{}
		lo, hi := catalog.CapRange(def)
		if c.CustomMaxResults < lo || c.CustomMaxResults > hi {
			return &ConfigError{
				ActorID: c.ActorID,
				Err:     fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidCap, c.CustomMaxResults, lo, hi),
			}
		}
	}
	return nil
}

// EstimateTotal is the summed estimated cost of the enabled configs.
func EstimateTotal(cat *catalog.Catalog, cfgs []models.ActorRunConfig) float64 {
	total := 0.0
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		if def, ok := cat.Lookup(c.ActorID); ok {
			total += catalog.EstimateCost(def, c.CustomMaxResults)
		}
	}
	return total
}

type startOutcome struct {
	def      models.ActorDefinition
	maxItems int
	started  platform.StartedRun
	err      error
}

// Start launches every enabled config. Invalid input fails with a ConfigError before any platform call.
// When some actors fail to start the result still carries the started runs and the error joins
// one PlatformStartError per failed actor.
func (t *Trigger) Start(ctx context.Context, cfgs []models.ActorRunConfig) (LoadResult, error) {
	if err := ValidateConfigs(t.catalog, cfgs); err != nil {
		return LoadResult{}, err
	}
	var enabled []startOutcome
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		def, _ := t.catalog.Lookup(c.ActorID)
		enabled = append(enabled, startOutcome{def: def, maxItems: c.CustomMaxResults})
	}
	if len(enabled) == 0 {
		return LoadResult{}, &ConfigError{Err: ErrNoActorsEnabled}
	}

	result := LoadResult{Runs: []models.Run{}, TotalEstimatedCost: EstimateTotal(t.catalog, cfgs)}

	var g errgroup.Group
	g.SetLimit(startConcurrency)
	for i := range enabled {
		g.Go(func() error {
			o := &enabled[i]
			o.started, o.err = t.platform.StartRun(ctx, o.def.ID, runInput(o.def, o.maxItems), o.maxItems)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, o := range enabled {
		if o.err == nil {
			run := models.Run{
				RunID:         o.started.RunID,
				ActorID:       o.def.ID,
				ActorName:     o.def.DisplayName,
				Status:        models.RunQueued,
				Progress:      0,
				Errors:        []string{},
				StartedAt:     t.now(),
				EstimatedCost: catalog.EstimateCost(o.def, o.maxItems),
				MaxResults:    o.maxItems,
				VendorStatus:  o.started.Status,
			}
			o.err = t.registry.Create(ctx, run)
			if o.err == nil {
				telemetry.RunsStarted.WithLabelValues(o.def.ID).Inc()
				t.log.Info().Str("actor_id", o.def.ID).Str("run_id", run.RunID).Int("max_results", o.maxItems).Msg("run started")
				result.Runs = append(result.Runs, run)
				continue
			}
		}
		telemetry.RunStartFailures.WithLabelValues(o.def.ID).Inc()
		t.log.Warn().Err(o.err).Str("actor_id", o.def.ID).Msg("run start failed")
		errs = append(errs, &PlatformStartError{ActorID: o.def.ID, ActorName: o.def.DisplayName, Err: o.err})
		result.Failures = append(result.Failures, LoadFailure{ActorID: o.def.ID, ActorName: o.def.DisplayName, Error: o.err.Error()})
	}
	return result, errors.Join(errs...)
}

// StartSaved resolves owner's saved preferences against the catalog and starts them.
func (t *Trigger) StartSaved(ctx context.Context, owner string) (LoadResult, error) {
	cfgs, err := t.ResolvedConfigs(ctx, owner)
	if err != nil {
		return LoadResult{}, err
	}
	return t.Start(ctx, cfgs)
}

// ResolvedConfigs returns owner's preferences merged with the current catalog.
func (t *Trigger) ResolvedConfigs(ctx context.Context, owner string) ([]models.ActorRunConfig, error) {
	var saved []models.ActorRunConfig
	if t.configs != nil {
		var err error
		saved, err = t.configs.LoadRunConfigs(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("load run configs for %s: %w", owner, err)
		}
	}
	return catalog.Resolve(t.catalog.Actors(), saved), nil
}

// runInput is the actor's default input with the cap written to its cap field.
func runInput(def models.ActorDefinition, maxItems int) map[string]any {
	in := make(map[string]any, len(def.Input)+1)
	for k, v := range def.Input {
		in[k] = v
	}
	field := def.CapField
	if field == "" {
		field = defaultCapField
	}
	in[field] = maxItems
	return in
}
