package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"job-ingestion-orchestrator/internal/catalog"
	"job-ingestion-orchestrator/internal/dedupe"
	"job-ingestion-orchestrator/internal/importer"
	"job-ingestion-orchestrator/internal/models"
	"job-ingestion-orchestrator/internal/orchestrator"
	"job-ingestion-orchestrator/internal/platform"
	"job-ingestion-orchestrator/internal/ratelimit"
	"job-ingestion-orchestrator/internal/runs"
	"job-ingestion-orchestrator/internal/store"
)

type fakePlatform struct {
	mu        sync.Mutex
	startErrs map[string]error
	infos     map[string]platform.RunInfo
	items     []models.RawRecord
	usageErr  error
}

func (f *fakePlatform) StartRun(_ context.Context, actorID string, _ map[string]any, _ int) (platform.StartedRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErrs[actorID]; err != nil {
		return platform.StartedRun{}, err
	}
	return platform.StartedRun{RunID: "run-" + strings.ReplaceAll(actorID, "/", "_"), ActorID: actorID, Status: "READY"}, nil
}

func (f *fakePlatform) GetRun(_ context.Context, runID string) (platform.RunInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.infos[runID]; ok {
		return info, nil
	}
	return platform.RunInfo{RunID: runID, Status: "READY"}, nil
}

func (f *fakePlatform) GetUsage(context.Context) (models.UsageStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.UsageStats{CreditsUsed: 2, CreditsRemaining: 8}, f.usageErr
}

func (f *fakePlatform) DatasetItems(context.Context, string, int) ([]models.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items, nil
}

type harness struct {
	platform *fakePlatform
	registry *runs.MemoryRegistry
	store    *store.Memory
	server   *httptest.Server
}

func newHarness(t *testing.T, limiter ratelimit.Limiter) *harness {
	t.Helper()
	h := &harness{
		platform: &fakePlatform{startErrs: map[string]error{}, infos: map[string]platform.RunInfo{}},
		registry: runs.NewMemoryRegistry(),
		store:    store.NewMemory(),
	}
	cat := catalog.Default()
	agg := orchestrator.NewAggregator(h.platform, h.registry, time.Second, nil)
	sweeper := dedupe.NewSweeper(h.store, nil)
	srv := New(Deps{
		Catalog:    cat,
		Configs:    h.store,
		Trigger:    orchestrator.NewTrigger(h.platform, cat, h.registry, h.store, nil),
		Aggregator: agg,
		Pipeline: importer.NewPipeline(importer.Deps{
			Platform: h.platform,
			Runs:     agg,
			Store:    h.store,
			Sweeper:  sweeper,
			Catalog:  cat,
		}),
		Sweeper: sweeper,
		Limiter: limiter,
	})
	h.server = httptest.NewServer(srv.Router())
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-Tenant-ID", "acme")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestActorsAndConfigs(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/actors", nil)
	actors := decode[map[string][]actorView](t, resp)
	if len(actors["actors"]) != 3 {
		t.Fatalf("expected 3 actors, got %d", len(actors["actors"]))
	}

	resp = h.do(t, http.MethodPut, "/configs", configsBody{Configs: []models.ActorRunConfig{
		{ActorID: catalog.IndeedJobs, Enabled: true, CustomMaxResults: 500},
		{ActorID: catalog.LinkedInJobs, Enabled: false, CustomMaxResults: 5000},
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put configs: %d", resp.StatusCode)
	}
	got := decode[configsResponse](t, resp)
	if len(got.Configs) != 3 || got.Owner != "acme" {
		t.Fatalf("unexpected resolved configs %+v", got)
	}
	// greenhouse defaults to 2500 results at $5, indeed 500 of 1000 at $2
	if got.TotalEstimatedCost != 6 {
		t.Fatalf("expected total 6, got %v", got.TotalEstimatedCost)
	}

	resp = h.do(t, http.MethodPut, "/configs", configsBody{Configs: []models.ActorRunConfig{
		{ActorID: catalog.IndeedJobs, Enabled: true, CustomMaxResults: 50},
	}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid cap, got %d", resp.StatusCode)
	}
}

func TestStartLoadStatusAndImport(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/loads", configsBody{Configs: []models.ActorRunConfig{
		{ActorID: catalog.IndeedJobs, Enabled: true, CustomMaxResults: 1000},
	}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start load: %d", resp.StatusCode)
	}
	load := decode[loadResponse](t, resp)
	if len(load.Runs) != 1 || load.TotalEstimatedCost != 2 {
		t.Fatalf("unexpected load %+v", load)
	}
	runID := load.Runs[0].RunID

	resp = h.do(t, http.MethodPost, "/runs/"+runID+"/import", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for queued run, got %d", resp.StatusCode)
	}

	h.platform.mu.Lock()
	h.platform.infos[runID] = platform.RunInfo{RunID: runID, Status: "SUCCEEDED", ItemCount: 3, DatasetReady: true}
	for i := 0; i < 3; i++ {
		h.platform.items = append(h.platform.items, models.RawRecord{
			"id": fmt.Sprintf("j%d", i), "positionName": fmt.Sprintf("Engineer %d", i), "company": "Acme", "location": "Austin, TX",
		})
	}
	h.platform.mu.Unlock()

	resp = h.do(t, http.MethodGet, "/loads/status", nil)
	status := decode[statusResponse](t, resp)
	if status.Overall.Completed != 1 || status.Overall.OverallProgress != 100 || status.Usage.CreditsUsed != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	resp = h.do(t, http.MethodPost, "/runs/"+runID+"/import", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import: %d", resp.StatusCode)
	}
	imp := decode[importResponse](t, resp)
	if imp.Stats.Created != 3 {
		t.Fatalf("unexpected import stats %+v", imp.Stats)
	}

	resp = h.do(t, http.MethodGet, "/runs/"+runID+"/import", nil)
	pr := decode[importer.Progress](t, resp)
	if pr.Stage != importer.StageDone || pr.Percent != 100 {
		t.Fatalf("unexpected progress %+v", pr)
	}

	resp = h.do(t, http.MethodGet, "/runs/"+runID, nil)
	run := decode[runView](t, resp)
	if run.JobsSynced != 3 || run.ImportedAt == nil {
		t.Fatalf("run not updated after import: %+v", run)
	}

	resp = h.do(t, http.MethodGet, "/runs/"+runID+"/logs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs: %d", resp.StatusCode)
	}
}

func TestStartLoadErrors(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/loads", configsBody{Configs: []models.ActorRunConfig{
		{ActorID: catalog.IndeedJobs, Enabled: false, CustomMaxResults: 1000},
	}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 with nothing enabled, got %d", resp.StatusCode)
	}

	h.platform.mu.Lock()
	h.platform.startErrs[catalog.LinkedInJobs] = &platform.APIError{StatusCode: 402, Message: "no credits"}
	h.platform.mu.Unlock()
	resp = h.do(t, http.MethodPost, "/loads", configsBody{Configs: []models.ActorRunConfig{
		{ActorID: catalog.IndeedJobs, Enabled: true, CustomMaxResults: 1000},
		{ActorID: catalog.LinkedInJobs, Enabled: true, CustomMaxResults: 1000},
	}})
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("expected 207 for partial load, got %d", resp.StatusCode)
	}
	partial := decode[loadResponse](t, resp)
	if len(partial.Runs) != 1 || len(partial.Failures) != 1 || partial.Failures[0].ActorID != catalog.LinkedInJobs {
		t.Fatalf("unexpected partial load %+v", partial)
	}

	resp = h.do(t, http.MethodPost, "/loads", configsBody{Configs: []models.ActorRunConfig{
		{ActorID: catalog.LinkedInJobs, Enabled: true, CustomMaxResults: 1000},
	}})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 when nothing started, got %d", resp.StatusCode)
	}
}

func TestStartLoadUsesSavedConfigs(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.SaveRunConfigs(context.Background(), "acme", []models.ActorRunConfig{
		{ActorID: catalog.LinkedInJobs, Enabled: false, CustomMaxResults: 5000},
		{ActorID: catalog.GreenhouseJobs, Enabled: false, CustomMaxResults: 2500},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	resp := h.do(t, http.MethodPost, "/loads", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start saved load: %d", resp.StatusCode)
	}
	load := decode[loadResponse](t, resp)
	if len(load.Runs) != 1 || load.Runs[0].ActorID != catalog.IndeedJobs {
		t.Fatalf("expected only indeed to start, got %+v", load.Runs)
	}
}

func TestStartLoadRateLimited(t *testing.T) {
	h := newHarness(t, ratelimit.NewLocal(1, 0.001))
	body := configsBody{Configs: []models.ActorRunConfig{{ActorID: catalog.IndeedJobs, Enabled: true, CustomMaxResults: 1000}}}

	if resp := h.do(t, http.MethodPost, "/loads", body); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first load: %d", resp.StatusCode)
	}
	resp := h.do(t, http.MethodPost, "/loads", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

func TestStatusWarnsOnPollFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.mu.Lock()
	h.platform.usageErr = errors.New("usage endpoint down")
	h.platform.mu.Unlock()
	resp := h.do(t, http.MethodGet, "/loads/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll failure should not fail the request, got %d", resp.StatusCode)
	}
	status := decode[statusResponse](t, resp)
	if status.Warning == "" {
		t.Fatalf("expected warning in %+v", status)
	}
}

func TestRunNotFoundAndDedupe(t *testing.T) {
	h := newHarness(t, nil)
	for _, path := range []string{"/runs/nope", "/runs/nope/logs", "/runs/nope/import"} {
		if resp := h.do(t, http.MethodGet, path, nil); resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}

	now := time.Now()
	h.store.Insert("a:id:1", models.NormalizedJob{Title: "Engineer", Company: "Acme", Location: "Remote", DedupeKey: dedupe.Key("Engineer", "Acme", "Remote")}, now)
	h.store.Insert("b:id:1", models.NormalizedJob{Title: "engineer", Company: "ACME", Location: "remote", DedupeKey: dedupe.Key("engineer", "ACME", "remote")}, now)
	resp := h.do(t, http.MethodPost, "/dedupe", nil)
	got := decode[map[string]int](t, resp)
	if got["removed"] != 1 {
		t.Fatalf("expected 1 removed, got %v", got)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	if resp := h.do(t, http.MethodGet, "/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
}
