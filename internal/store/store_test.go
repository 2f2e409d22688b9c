package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"job-ingestion-orchestrator/internal/models"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	lite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := lite.RunMigrations(context.Background()); err != nil {
		t.Fatalf("sqlite migrations: %v", err)
	}
	// migrations are idempotent
	if err := lite.RunMigrations(context.Background()); err != nil {
		t.Fatalf("sqlite migrations rerun: %v", err)
	}
	t.Cleanup(lite.Close)
	out := map[string]Backend{
		"memory": NewMemory(),
		"sqlite": lite,
	}
	if pg := openPostgres(t); pg != nil {
		out["postgres"] = pg
	}
	return out
}

// openPostgres connects to POSTGRES_TEST_DSN with empty tables, or returns nil when it is unset.
func openPostgres(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		return nil
	}
	ctx := context.Background()
	pg, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pg.Close)
	if err := pg.RunMigrations(ctx); err != nil {
		t.Fatalf("postgres migrations: %v", err)
	}
	if _, err := pg.pool.Exec(ctx, "TRUNCATE jobs, actor_run_configs"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pg
}

func sampleJob(title string) models.NormalizedJob {
	posted := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	salary := 100000.0
	return models.NormalizedJob{
		Title:         title,
		Company:       "Acme",
		Location:      "Remote",
		Tags:          []string{"go", "backend"},
		SalaryMin:     &salary,
		PostedAt:      &posted,
		SourceRunID:   "run-1",
		SourceActorID: "actor",
		DedupeKey:     title + "|acme|remote",
	}
}

func TestImportUpsertAndList(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			tx, err := b.BeginImport(ctx)
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			created, err := tx.UpsertJob(ctx, "k1", sampleJob("Engineer"))
			if err != nil || !created {
				t.Fatalf("first upsert created=%v err=%v", created, err)
			}
			created, err = tx.UpsertJob(ctx, "k2", sampleJob("Designer"))
			if err != nil || !created {
				t.Fatalf("second upsert created=%v err=%v", created, err)
			}

			if name != "sqlite" {
				// sqlite holds its only connection for the open transaction
				if before, _ := b.ListJobs(ctx); len(before) != 0 {
					t.Fatalf("uncommitted rows visible: %d", len(before))
				}
			}
			if err := tx.Commit(ctx); err != nil {
				t.Fatalf("commit: %v", err)
			}

			jobs, err := b.ListJobs(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(jobs) != 2 {
				t.Fatalf("expected 2 jobs, got %d", len(jobs))
			}
			if jobs[0].NaturalKey != "k1" || jobs[0].InsertSeq >= jobs[1].InsertSeq {
				t.Fatalf("expected insertion order, got %+v", jobs)
			}
			if jobs[0].SalaryMin == nil || *jobs[0].SalaryMin != 100000 || len(jobs[0].Tags) != 2 {
				t.Fatalf("fields not round-tripped: %+v", jobs[0])
			}
			if jobs[0].PostedAt == nil || !jobs[0].PostedAt.Equal(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)) {
				t.Fatalf("posted_at not round-tripped: %v", jobs[0].PostedAt)
			}

			tx2, _ := b.BeginImport(ctx)
			updatedJob := sampleJob("Engineer")
			updatedJob.Description = "now with description"
			created, err = tx2.UpsertJob(ctx, "k1", updatedJob)
			if err != nil || created {
				t.Fatalf("re-upsert created=%v err=%v", created, err)
			}
			if err := tx2.Commit(ctx); err != nil {
				t.Fatalf("commit: %v", err)
			}
			jobs, _ = b.ListJobs(ctx)
			if len(jobs) != 2 || jobs[0].Description != "now with description" {
				t.Fatalf("update not applied: %+v", jobs)
			}
			if jobs[0].ID == "" {
				t.Fatalf("missing id")
			}

			n, err := b.DeleteJobs(ctx, []string{jobs[1].ID})
			if err != nil || n != 1 {
				t.Fatalf("delete n=%d err=%v", n, err)
			}
			jobs, _ = b.ListJobs(ctx)
			if len(jobs) != 1 || jobs[0].NaturalKey != "k1" {
				t.Fatalf("unexpected jobs after delete: %+v", jobs)
			}
		})
	}
}

func TestImportRollbackDiscardsWrites(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tx, err := b.BeginImport(ctx)
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			if _, err := tx.UpsertJob(ctx, "k1", sampleJob("Engineer")); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if err := tx.Rollback(ctx); err != nil {
				t.Fatalf("rollback: %v", err)
			}
			if err := tx.Rollback(ctx); err != nil {
				t.Fatalf("second rollback should be a no-op: %v", err)
			}
			jobs, _ := b.ListJobs(ctx)
			if len(jobs) != 0 {
				t.Fatalf("rolled back rows persisted: %d", len(jobs))
			}
		})
	}
}

func TestRunConfigsRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cfgs := []models.ActorRunConfig{
				{ActorID: "a", Enabled: true, CustomMaxResults: 500},
				{ActorID: "b", Enabled: false, CustomMaxResults: 100},
			}
			if err := b.SaveRunConfigs(ctx, "owner-1", cfgs); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := b.LoadRunConfigs(ctx, "owner-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if len(got) != 2 || got[0] != cfgs[0] || got[1] != cfgs[1] {
				t.Fatalf("unexpected configs %+v", got)
			}
			other, _ := b.LoadRunConfigs(ctx, "owner-2")
			if len(other) != 0 {
				t.Fatalf("owners must be isolated, got %+v", other)
			}
			if err := b.SaveRunConfigs(ctx, "owner-1", cfgs[:1]); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, _ = b.LoadRunConfigs(ctx, "owner-1")
			if len(got) != 1 {
				t.Fatalf("save should replace, got %+v", got)
			}
		})
	}
}

func importAll(t *testing.T, b Backend, jobs map[string]models.NormalizedJob) (created, updated int) {
	t.Helper()
	ctx := context.Background()
	tx, err := b.BeginImport(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for key, job := range jobs {
		ok, err := tx.UpsertJob(ctx, key, job)
		if err != nil {
			t.Fatalf("upsert %s: %v", key, err)
		}
		if ok {
			created++
		} else {
			updated++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return created, updated
}

func TestPostgresReimportOnlyUpdates(t *testing.T) {
	pg := openPostgres(t)
	if pg == nil {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	jobs := make(map[string]models.NormalizedJob, 5)
	for i := 0; i < 5; i++ {
		jobs[fmt.Sprintf("actor:id:%d", i)] = sampleJob(fmt.Sprintf("Engineer %d", i))
	}

	if created, updated := importAll(t, pg, jobs); created != 5 || updated != 0 {
		t.Fatalf("first import created=%d updated=%d", created, updated)
	}
	if created, updated := importAll(t, pg, jobs); created != 0 || updated != 5 {
		t.Fatalf("re-import created=%d updated=%d", created, updated)
	}
	list, err := pg.ListJobs(context.Background())
	if err != nil || len(list) != 5 {
		t.Fatalf("expected 5 rows, got %d (%v)", len(list), err)
	}
}

func TestPostgresSweepLockSpansConnections(t *testing.T) {
	if openPostgres(t) == nil {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	// two pools stand in for two processes
	ctx := context.Background()
	a, err := New(ctx, os.Getenv("POSTGRES_TEST_DSN"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Close()
	b, err := New(ctx, os.Getenv("POSTGRES_TEST_DSN"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()

	unlockWrites, err := a.LockWrites(ctx)
	if err != nil {
		t.Fatalf("lock writes: %v", err)
	}
	other, err := b.LockWrites(ctx)
	if err != nil {
		t.Fatalf("writes should share the lock: %v", err)
	}
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := b.LockSweep(waitCtx); err == nil {
		t.Fatalf("sweep lock granted while a write was open in another process")
	}

	unlockWrites()
	unlockSweep, err := b.LockSweep(ctx)
	if err != nil {
		t.Fatalf("lock sweep after release: %v", err)
	}
	unlockSweep()
}

func TestGateLockHonoursContext(t *testing.T) {
	m := NewMemory()
	unlock, err := m.LockSweep(context.Background())
	if err != nil {
		t.Fatalf("lock sweep: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.LockWrites(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	unlock()
	done, err := m.LockWrites(context.Background())
	if err != nil {
		t.Fatalf("lock writes after sweep: %v", err)
	}
	done()
}
