package dedupe

import (
	"context"
	"errors"
	"testing"
	"time"

	"job-ingestion-orchestrator/internal/models"
	"job-ingestion-orchestrator/internal/store"
)

func posting(title, company, location string, posted *time.Time) models.NormalizedJob {
	return models.NormalizedJob{
		Title:     title,
		Company:   company,
		Location:  location,
		PostedAt:  posted,
		DedupeKey: Key(title, company, location),
	}
}

func TestKeyNormalizesCaseAndWhitespace(t *testing.T) {
	a := Key("  Senior   Go Engineer ", "ACME\tInc", "Remote")
	b := Key("senior go engineer", "acme inc", " remote ")
	if a != b {
		t.Fatalf("expected equal keys, got %q and %q", a, b)
	}
	if a != "senior go engineer|acme inc|remote" {
		t.Fatalf("unexpected key %q", a)
	}
	if Key("Engineer", "Acme", "") == Key("Engineer", "Acme", "Berlin") {
		t.Fatalf("location must be part of the key")
	}
}

func TestDedupeKeepsEarliestPosting(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	early := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	// inserted first but posted later
	mem.Insert("k-late", posting("Engineer", "Acme", "Remote", &late), late)
	keep := mem.Insert("k-early", posting("engineer", "ACME", "remote", &early), late)
	mem.Insert("k-other", posting("Designer", "Acme", "Remote", &early), late)

	s := NewSweeper(mem, nil)
	removed, err := s.Dedupe(ctx)
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	jobs, _ := mem.ListJobs(ctx)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(jobs))
	}
	var found bool
	for _, j := range jobs {
		if j.ID == keep.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("earliest posting was removed: %+v", jobs)
	}

	again, err := s.Dedupe(ctx)
	if err != nil || again != 0 {
		t.Fatalf("second sweep should be a no-op, removed=%d err=%v", again, err)
	}
}

func TestPlanPrefersPopulatedThenInsertOrder(t *testing.T) {
	posted := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	sparse := models.JobRecord{ID: "sparse", InsertSeq: 1, NormalizedJob: posting("A", "B", "C", &posted)}
	rich := models.JobRecord{ID: "rich", InsertSeq: 2, NormalizedJob: posting("A", "B", "C", &posted)}
	rich.Description = "full text"
	rich.ApplyURL = "https://example.com/apply"

	doomed := Plan([]models.JobRecord{sparse, rich})
	if len(doomed) != 1 || doomed[0] != "sparse" {
		t.Fatalf("expected sparse record removed, got %v", doomed)
	}

	first := models.JobRecord{ID: "first", InsertSeq: 1, NormalizedJob: posting("A", "B", "C", nil)}
	second := models.JobRecord{ID: "second", InsertSeq: 2, NormalizedJob: posting("A", "B", "C", nil)}
	doomed = Plan([]models.JobRecord{second, first})
	if len(doomed) != 1 || doomed[0] != "second" {
		t.Fatalf("expected tie broken by insert order, got %v", doomed)
	}

	dated := models.JobRecord{ID: "dated", InsertSeq: 3, NormalizedJob: posting("A", "B", "C", &posted)}
	undated := models.JobRecord{ID: "undated", InsertSeq: 1, NormalizedJob: posting("A", "B", "C", nil)}
	undated.Description = "x" // equalize populated counts
	doomed = Plan([]models.JobRecord{undated, dated})
	if len(doomed) != 1 || doomed[0] != "undated" {
		t.Fatalf("expected record with posted date kept, got %v", doomed)
	}
}

func TestPlanSingletonsUntouched(t *testing.T) {
	recs := []models.JobRecord{
		{ID: "1", NormalizedJob: posting("A", "B", "C", nil)},
		{ID: "2", NormalizedJob: posting("A", "B", "D", nil)},
	}
	if doomed := Plan(recs); len(doomed) != 0 {
		t.Fatalf("expected nothing removed, got %v", doomed)
	}
	if doomed := Plan(nil); len(doomed) != 0 {
		t.Fatalf("expected nothing removed for empty store")
	}
}

type failingStore struct{ *store.Memory }

func (failingStore) ListJobs(context.Context) ([]models.JobRecord, error) {
	return nil, errors.New("connection reset")
}

func TestDedupeSurfacesStoreErrors(t *testing.T) {
	s := NewSweeper(failingStore{store.NewMemory()}, nil)
	if _, err := s.Dedupe(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

// Each process builds its own Sweeper; the lock lives in the shared store.
func TestOpenWriteBlocksEverySweeper(t *testing.T) {
	mem := store.NewMemory()
	first, second := NewSweeper(mem, nil), NewSweeper(mem, nil)

	done, err := mem.LockWrites(context.Background())
	if err != nil {
		t.Fatalf("lock writes: %v", err)
	}

	finished := make(chan struct{}, 2)
	for _, s := range []*Sweeper{first, second} {
		go func() {
			_, _ = s.Dedupe(context.Background())
			finished <- struct{}{}
		}()
	}

	select {
	case <-finished:
		t.Fatalf("sweep ran while a write was open")
	case <-time.After(50 * time.Millisecond):
	}
	done()
	done() // idempotent
	for i := 0; i < 2; i++ {
		select {
		case <-finished:
		case <-time.After(time.Second):
			t.Fatalf("sweep did not run after write released")
		}
	}
}

func TestSweepsExcludeEachOther(t *testing.T) {
	mem := store.NewMemory()
	unlock, err := mem.LockSweep(context.Background())
	if err != nil {
		t.Fatalf("lock sweep: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := NewSweeper(mem, nil).Dedupe(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second sweep to wait for the first, got %v", err)
	}
	if _, err := mem.LockWrites(ctx); err == nil {
		t.Fatalf("write lock granted during a sweep")
	}
}
