package models

import (
	"time"
)

// RunStatus enumerates the internal run lifecycle.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunRunning    RunStatus = "running"
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Rank orders statuses along the lifecycle. Terminal states share the top rank.
func (s RunStatus) Rank() int {
	switch s {
	case RunQueued:
		return 0
	case RunRunning:
		return 1
	case RunProcessing:
		return 2
	case RunCompleted, RunFailed:
		return 3
	default:
		return 0
	}
}

// Run is one execution of one actor on the external platform.
type Run struct {
	RunID         string     `json:"run_id"`
	ActorID       string     `json:"actor_id"`
	ActorName     string     `json:"actor_name"`
	Status        RunStatus  `json:"status"`
	Progress      int        `json:"progress"`
	JobsFetched   int        `json:"jobs_fetched"`
	JobsSynced    int        `json:"jobs_synced"`
	Errors        []string   `json:"errors"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	EstimatedCost float64    `json:"estimated_cost"`
	ActualCostUSD float64    `json:"actual_cost_usd"`
	MaxResults    int        `json:"max_results"`
	VendorStatus  string     `json:"vendor_status,omitempty"`
	ImportedAt    *time.Time `json:"imported_at,omitempty"`
}

// DurationSeconds is completedAt-startedAt, or now-startedAt while the run is active.
func (r Run) DurationSeconds(now time.Time) int64 {
	end := now
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	d := end.Sub(r.StartedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// OverallStatus aggregates the current set of runs. It is never persisted.
type OverallStatus struct {
	TotalRuns        int     `json:"total_runs"`
	Queued           int     `json:"queued"`
	Running          int     `json:"running"`
	Processing       int     `json:"processing"`
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	OverallProgress  float64 `json:"overall_progress"`
	TotalJobsFetched int     `json:"total_jobs_fetched"`
	TotalJobsSynced  int     `json:"total_jobs_synced"`
	TotalCost        float64 `json:"total_cost"`
	TotalActualCost  float64 `json:"total_actual_cost"`
}

// UsageStats is account usage reported by the external platform.
type UsageStats struct {
	CreditsUsed      float64   `json:"credits_used"`
	CreditsRemaining float64   `json:"credits_remaining"`
	ComputeUnits     float64   `json:"compute_units"`
	FetchedAt        time.Time `json:"fetched_at"`
}
