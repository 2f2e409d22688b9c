package catalog

import (
	"job-ingestion-orchestrator/internal/models"
)

// MinCustomResults is the smallest result cap a user may request.
const MinCustomResults = 100

// CapRange returns the inclusive bounds allowed for an actor's custom cap.
// Actors whose ceiling is below MinCustomResults collapse to a single value.
func CapRange(def models.ActorDefinition) (int, int) {
	lo := MinCustomResults
	if def.MaxResults < lo {
		lo = def.MaxResults
	}
	return lo, def.MaxResults
}

// DefaultConfig is the preference synthesized for an actor seen for the first time.
func DefaultConfig(def models.ActorDefinition) models.ActorRunConfig {
	return models.ActorRunConfig{ActorID: def.ID, Enabled: true, CustomMaxResults: def.MaxResults}
}

// Resolve merges saved preferences into the catalog by actor id.
// Saved entries are kept (with the cap clamped into range), missing ones get defaults,
// orphans are dropped and the output follows catalog order.
func Resolve(defs []models.ActorDefinition, saved []models.ActorRunConfig) []models.ActorRunConfig {
	byID := make(map[string]models.ActorRunConfig, len(saved))
	for _, s := range saved {
		if s.ActorID == "" || s.CustomMaxResults <= 0 {
			continue
		}
		byID[s.ActorID] = s
	}

	out := make([]models.ActorRunConfig, 0, len(defs))
	for _, def := range defs {
		cfg, ok := byID[def.ID]
		if !ok {
			cfg = DefaultConfig(def)
		}
		cfg.CustomMaxResults = clampCap(cfg.CustomMaxResults, def)
		out = append(out, cfg)
	}
	return out
}

func clampCap(v int, def models.ActorDefinition) int {
	lo, hi := CapRange(def)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
