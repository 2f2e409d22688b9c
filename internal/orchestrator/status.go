package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"job-ingestion-orchestrator/internal/models"
	"job-ingestion-orchestrator/internal/platform"
)

// vendorStates maps platform run states onto the internal lifecycle.
// States not listed here are treated as queued.
var vendorStates = map[string]models.RunStatus{
	"READY":      models.RunQueued,
	"RUNNING":    models.RunRunning,
	"TIMING-OUT": models.RunRunning,
	"ABORTING":   models.RunRunning,
	"SUCCEEDED":  models.RunCompleted,
	"FAILED":     models.RunFailed,
	"TIMED-OUT":  models.RunFailed,
	"ABORTED":    models.RunFailed,
}

// MapVendorStatus translates a platform state.
func MapVendorStatus(vendor string) models.RunStatus {
	if s, ok := vendorStates[strings.ToUpper(strings.TrimSpace(vendor))]; ok {
		return s
	}
	return models.RunQueued
}

const (
	maxRunningProgress = 90
	processingProgress = 95

	// how long a succeeded run's dataset may keep failing to read before the run fails
	datasetGrace = 2 * time.Minute
)

// advance folds one status observation into a run. Terminal runs are returned unchanged,
// status never moves backwards and progress never decreases.
func advance(run models.Run, info platform.RunInfo, now time.Time) models.Run {
	if run.Status.Terminal() {
		return run
	}
	next := run
	next.Errors = append([]string(nil), run.Errors...)
	next.VendorStatus = info.Status
	if info.ItemCount > next.JobsFetched {
		next.JobsFetched = info.ItemCount
	}
	if info.CostUSD > next.ActualCostUSD {
		next.ActualCostUSD = info.CostUSD
	}

	status := MapVendorStatus(info.Status)
	failure := strings.TrimSpace(info.StatusMessage)
	if status == models.RunCompleted && !info.DatasetReady {
		status = models.RunProcessing
		if info.DatasetErr != "" && datasetOverdue(run, info, now) {
			status = models.RunFailed
			failure = "dataset unavailable: " + info.DatasetErr
		}
	}
	if status.Rank() < run.Status.Rank() {
		status = run.Status
	}
	next.Status = status

	switch status {
	case models.RunRunning:
		next.Progress = max(run.Progress, estimateProgress(next.JobsFetched, next.MaxResults))
	case models.RunProcessing:
		next.Progress = max(run.Progress, processingProgress)
	case models.RunCompleted:
		next.Progress = 100
		next.CompletedAt = finishedAt(info, now)
	case models.RunFailed:
		if failure == "" {
			failure = fmt.Sprintf("run %s on platform", strings.ToLower(info.Status))
		}
		next.Errors = append(next.Errors, failure)
		next.CompletedAt = finishedAt(info, now)
	}
	return next
}

func datasetOverdue(run models.Run, info platform.RunInfo, now time.Time) bool {
	since := run.StartedAt
	if info.FinishedAt != nil && !info.FinishedAt.IsZero() {
		since = *info.FinishedAt
	}
	return now.Sub(since) >= datasetGrace
}

func estimateProgress(fetched, maxResults int) int {
	if maxResults <= 0 || fetched <= 0 {
		return 0
	}
	return min(maxRunningProgress, fetched*100/maxResults)
}

func finishedAt(info platform.RunInfo, now time.Time) *time.Time {
	t := now
	if info.FinishedAt != nil && !info.FinishedAt.IsZero() {
		t = info.FinishedAt.UTC()
	}
	return &t
}

// Summarize aggregates a set of runs.
func Summarize(runs []models.Run) models.OverallStatus {
	var out models.OverallStatus
	progress := 0
	for _, r := range runs {
		out.TotalRuns++
		switch r.Status {
		case models.RunQueued:
			out.Queued++
		case models.RunRunning:
			out.Running++
		case models.RunProcessing:
			out.Processing++
		case models.RunCompleted:
			out.Completed++
		case models.RunFailed:
			out.Failed++
		}
		progress += r.Progress
		out.TotalJobsFetched += r.JobsFetched
		out.TotalJobsSynced += r.JobsSynced
		out.TotalCost += r.EstimatedCost
		out.TotalActualCost += r.ActualCostUSD
	}
	if out.TotalRuns > 0 {
		out.OverallProgress = float64(progress) / float64(out.TotalRuns)
	}
	return out
}
