package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"job-ingestion-orchestrator/internal/models"
)

// Memory is an in-process Backend for development and tests.
type Memory struct {
	gate
	mu      sync.RWMutex
	jobs    map[string]models.JobRecord // by natural key
	seq     int64
	configs map[string][]models.ActorRunConfig
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]models.JobRecord),
		configs: make(map[string][]models.ActorRunConfig),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) RunMigrations(context.Context) error { return nil }

func (m *Memory) Close() {}

// Insert writes a record directly, bypassing import batching. Used to seed state.
func (m *Memory) Insert(naturalKey string, job models.NormalizedJob, createdAt time.Time) models.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	rec := models.JobRecord{
		NormalizedJob: job,
		ID:            uuid.NewString(),
		NaturalKey:    naturalKey,
		InsertSeq:     m.seq,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	m.jobs[naturalKey] = rec
	return rec
}

func (m *Memory) BeginImport(context.Context) (ImportTx, error) {
	return &memoryTx{store: m, staged: make(map[string]models.NormalizedJob)}, nil
}

func (m *Memory) ListJobs(context.Context) ([]models.JobRecord, error) {
	m.mu.RLock()
	out := make([]models.JobRecord, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InsertSeq < out[j].InsertSeq })
	return out, nil
}

func (m *Memory) DeleteJobs(_ context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, rec := range m.jobs {
		if _, ok := want[rec.ID]; ok {
			delete(m.jobs, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) LoadRunConfigs(_ context.Context, owner string) ([]models.ActorRunConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ActorRunConfig(nil), m.configs[owner]...), nil
}

func (m *Memory) SaveRunConfigs(_ context.Context, owner string, cfgs []models.ActorRunConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[owner] = append([]models.ActorRunConfig(nil), cfgs...)
	return nil
}

type memoryTx struct {
	store  *Memory
	staged map[string]models.NormalizedJob
	order  []string
	done   bool
}

func (tx *memoryTx) UpsertJob(ctx context.Context, naturalKey string, job models.NormalizedJob) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, staged := tx.staged[naturalKey]
	if !staged {
		tx.order = append(tx.order, naturalKey)
	}
	tx.staged[naturalKey] = job
	if staged {
		return false, nil
	}
	tx.store.mu.RLock()
	_, exists := tx.store.jobs[naturalKey]
	tx.store.mu.RUnlock()
	return !exists, nil
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.done = true
	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, key := range tx.order {
		job := tx.staged[key]
		if rec, ok := m.jobs[key]; ok {
			rec.NormalizedJob = job
			rec.UpdatedAt = now
			m.jobs[key] = rec
			continue
		}
		m.seq++
		m.jobs[key] = models.JobRecord{
			NormalizedJob: job,
			ID:            uuid.NewString(),
			NaturalKey:    key,
			InsertSeq:     m.seq,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	return nil
}

func (tx *memoryTx) Rollback(context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.staged = nil
	tx.order = nil
	return nil
}
