// Package runs holds the process-wide registry of actor runs.
//
// Entries are created by the load trigger, replaced only by the status
// aggregator and read by any number of concurrent observers.
package runs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"job-ingestion-orchestrator/internal/models"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrDuplicateRun = errors.New("run already registered")
)

// Registry stores runs keyed by run id.
type Registry interface {
	Create(ctx context.Context, run models.Run) error
	Get(ctx context.Context, runID string) (models.Run, error)
	List(ctx context.Context) ([]models.Run, error)
	Save(ctx context.Context, run models.Run) error
	Prune(ctx context.Context, before time.Time) (int, error)
}

// MemoryRegistry keeps runs in a mutex-guarded map.
type MemoryRegistry struct {
	mu   sync.RWMutex
	runs map[string]models.Run
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{runs: make(map[string]models.Run)}
}

func (m *MemoryRegistry) Create(_ context.Context, run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; exists {
		return ErrDuplicateRun
	}
	m.runs[run.RunID] = cloneRun(run)
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, runID string) (models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return models.Run{}, ErrRunNotFound
	}
	return cloneRun(run), nil
}

// List returns runs ordered by start time, oldest first.
func (m *MemoryRegistry) List(_ context.Context) ([]models.Run, error) {
	m.mu.RLock()
	out := make([]models.Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, cloneRun(r))
	}
	m.mu.RUnlock()
	SortByStart(out)
	return out, nil
}

func (m *MemoryRegistry) Save(_ context.Context, run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; !exists {
		return ErrRunNotFound
	}
	m.runs[run.RunID] = cloneRun(run)
	return nil
}

// Prune drops terminal runs that started before the cutoff.
func (m *MemoryRegistry) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, r := range m.runs {
		if r.Status.Terminal() && r.StartedAt.Before(before) {
			delete(m.runs, id)
			removed++
		}
	}
	return removed, nil
}

// SortByStart orders runs by start time with run id as tiebreaker.
func SortByStart(runs []models.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
}

func cloneRun(r models.Run) models.Run {
	if r.Errors != nil {
		r.Errors = append([]string(nil), r.Errors...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	if r.ImportedAt != nil {
		t := *r.ImportedAt
		r.ImportedAt = &t
	}
	return r
}
