package orchestrator

import (
	"fmt"
	"time"

	"job-ingestion-orchestrator/internal/models"
)

type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelError   LogLevel = "error"
)

type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Timeline renders a run's state as log lines, oldest first. Runs keep no event history,
// so intermediate steps are stamped with the start time.
func Timeline(run models.Run, now time.Time) []LogLine {
	start := run.StartedAt
	end := now
	if run.CompletedAt != nil {
		end = *run.CompletedAt
	}
	lines := []LogLine{{Timestamp: start, Level: LevelInfo, Message: fmt.Sprintf("started %s with a cap of %d results", run.ActorName, run.MaxResults)}}
	add := func(ts time.Time, level LogLevel, format string, args ...any) {
		lines = append(lines, LogLine{Timestamp: ts, Level: level, Message: fmt.Sprintf(format, args...)})
	}

	if run.Status.Rank() >= models.RunRunning.Rank() {
		add(start, LevelInfo, "actor is running")
	}
	if run.JobsFetched > 0 {
		add(start, LevelInfo, "fetched %d jobs so far", run.JobsFetched)
	}
	if run.Status == models.RunProcessing {
		add(start, LevelInfo, "run finished, waiting for dataset")
	}
	if run.Status == models.RunCompleted {
		add(end, LevelSuccess, "run completed with %d jobs, cost $%.2f", run.JobsFetched, run.ActualCostUSD)
	}
	if run.ImportedAt != nil {
		add(*run.ImportedAt, LevelSuccess, "synced %d jobs to the store", run.JobsSynced)
	}
	for _, msg := range run.Errors {
		add(end, LevelError, "error: %s", msg)
	}
	return lines
}
