package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"job-ingestion-orchestrator/internal/catalog"
	"job-ingestion-orchestrator/internal/dedupe"
	"job-ingestion-orchestrator/internal/importer"
	"job-ingestion-orchestrator/internal/logger"
	"job-ingestion-orchestrator/internal/models"
	"job-ingestion-orchestrator/internal/orchestrator"
	"job-ingestion-orchestrator/internal/ratelimit"
	"job-ingestion-orchestrator/internal/runs"
	"job-ingestion-orchestrator/internal/store"
	"job-ingestion-orchestrator/internal/telemetry"
)

// Deps are the collaborators behind the HTTP API. Limiter may be nil.
type Deps struct {
	Catalog    *catalog.Catalog
	Configs    store.RunConfigStore
	Trigger    *orchestrator.Trigger
	Aggregator *orchestrator.Aggregator
	Pipeline   *importer.Pipeline
	Sweeper    *dedupe.Sweeper
	Limiter    ratelimit.Limiter
	Log        *logger.Logger
}

// Server wires HTTP handlers for the orchestrator.
type Server struct {
	Deps
	now func() time.Time
}

// New constructs the API server.
func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	return &Server{Deps: d, now: time.Now}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/actors", s.handleActors)
	r.Get("/configs", s.handleGetConfigs)
	r.Put("/configs", s.handlePutConfigs)
	r.Post("/loads", s.handleStartLoad)
	r.Get("/loads/status", s.handleLoadStatus)
	r.Post("/dedupe", s.handleDedupe)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/logs", s.handleRunLogs)
		r.Post("/{id}/import", s.handleImport)
		r.Get("/{id}/import", s.handleImportProgress)
	})
	return r
}

// runView adds derived fields to a run.
type runView struct {
	models.Run
	DurationSeconds int64 `json:"duration_seconds"`
}

func (s *Server) views(list []models.Run) []runView {
	now := s.now()
	out := make([]runView, 0, len(list))
	for _, r := range list {
		out = append(out, runView{Run: r, DurationSeconds: r.DurationSeconds(now)})
	}
	return out
}

type actorView struct {
	models.ActorDefinition
	MinCustomResults int     `json:"min_custom_results"`
	CostPerResult    float64 `json:"cost_per_result"`
}

func (s *Server) handleActors(w http.ResponseWriter, _ *http.Request) {
	defs := s.Catalog.Actors()
	out := make([]actorView, 0, len(defs))
	for _, d := range defs {
		lo, _ := catalog.CapRange(d)
		out = append(out, actorView{ActorDefinition: d, MinCustomResults: lo, CostPerResult: catalog.EstimateCost(d, 1)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"actors": out})
}

type configsBody struct {
	Configs []models.ActorRunConfig `json:"configs"`
}

type configsResponse struct {
	Owner              string                  `json:"owner"`
	Configs            []models.ActorRunConfig `json:"configs"`
	TotalEstimatedCost float64                 `json:"total_estimated_cost"`
}

func (s *Server) handleGetConfigs(w http.ResponseWriter, r *http.Request) {
	owner := tenantFromRequest(r)
	cfgs, err := s.Trigger.ResolvedConfigs(r.Context(), owner)
	if err != nil {
		s.Log.LogError("resolve configs", err)
		writeError(w, http.StatusInternalServerError, "failed to load configs")
		return
	}
	writeJSON(w, http.StatusOK, configsResponse{
		Owner:              owner,
		Configs:            cfgs,
		TotalEstimatedCost: orchestrator.EstimateTotal(s.Catalog, cfgs),
	})
}

func (s *Server) handlePutConfigs(w http.ResponseWriter, r *http.Request) {
	var body configsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := orchestrator.ValidateConfigs(s.Catalog, body.Configs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner := tenantFromRequest(r)
	if err := s.Configs.SaveRunConfigs(r.Context(), owner, body.Configs); err != nil {
		s.Log.LogError("save configs", err)
		writeError(w, http.StatusInternalServerError, "failed to save configs")
		return
	}
	s.handleGetConfigs(w, r)
}

type loadResponse struct {
	orchestrator.LoadResult
	Warning string `json:"warning,omitempty"`
}

func (s *Server) handleStartLoad(w http.ResponseWriter, r *http.Request) {
	owner := tenantFromRequest(r)
	if s.Limiter != nil {
		d, err := s.Limiter.Allow(r.Context(), "loads:"+owner)
		if err != nil {
			s.Log.LogError("rate limit", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter/time.Second)))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var body configsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var (
		res orchestrator.LoadResult
		err error
	)
	if body.Configs != nil {
		res, err = s.Trigger.Start(r.Context(), body.Configs)
	} else {
		res, err = s.Trigger.StartSaved(r.Context(), owner)
	}

	var cfgErr *orchestrator.ConfigError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, loadResponse{LoadResult: res})
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case len(res.Runs) > 0:
		writeJSON(w, http.StatusMultiStatus, loadResponse{LoadResult: res, Warning: fmt.Sprintf("%d actor(s) failed to start", len(res.Failures))})
	case len(res.Failures) > 0:
		writeJSON(w, http.StatusBadGateway, loadResponse{LoadResult: res, Warning: "no actor could be started"})
	default:
		s.Log.LogError("start load", err)
		writeError(w, http.StatusInternalServerError, "failed to start load")
	}
}

type statusResponse struct {
	Runs    []runView            `json:"runs"`
	Overall models.OverallStatus `json:"overall"`
	Usage   models.UsageStats    `json:"usage"`
	Warning string               `json:"warning,omitempty"`
}

func (s *Server) handleLoadStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Aggregator.Refresh(r.Context())
	resp := statusResponse{Runs: s.views(snap.Runs), Overall: snap.Overall, Usage: snap.Usage}
	var pollErr *orchestrator.PollError
	switch {
	case err == nil:
	case errors.As(err, &pollErr):
		resp.Warning = pollErr.Error()
	default:
		s.Log.LogError("refresh runs", err)
		writeError(w, http.StatusInternalServerError, "failed to refresh runs")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	list, overall, err := s.Aggregator.Runs(r.Context())
	if err != nil {
		s.Log.LogError("list runs", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.views(list), "overall": overall})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.views([]models.Run{run})[0])
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     run.RunID,
		"actor_name": run.ActorName,
		"logs":       orchestrator.Timeline(run, s.now()),
	})
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (models.Run, bool) {
	id := chi.URLParam(r, "id")
	run, err := s.Aggregator.Run(r.Context(), id)
	if errors.Is(err, runs.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return models.Run{}, false
	}
	if err != nil {
		s.Log.LogError("load run", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return models.Run{}, false
	}
	return run, true
}

type importBody struct {
	ActorID string `json:"actor_id"`
}

type importResponse struct {
	Stats   models.ImportStats `json:"stats"`
	Warning string             `json:"warning,omitempty"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var body importBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	stats, err := s.Pipeline.Import(r.Context(), chi.URLParam(r, "id"), body.ActorID)

	var aborted *importer.ImportAbortedError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, importResponse{Stats: stats})
	case errors.Is(err, importer.ErrImportInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, importer.ErrRunNotImportable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &aborted):
		writeError(w, http.StatusBadGateway, err.Error())
	case stats.RunID != "":
		writeJSON(w, http.StatusOK, importResponse{Stats: stats, Warning: err.Error()})
	default:
		s.Log.LogError("import", err)
		writeError(w, http.StatusInternalServerError, "import failed")
	}
}

func (s *Server) handleImportProgress(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.Pipeline.Progress(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no import for run")
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

func (s *Server) handleDedupe(w http.ResponseWriter, r *http.Request) {
	removed, err := s.Sweeper.Dedupe(r.Context())
	if err != nil {
		s.Log.LogError("dedupe", err)
		writeError(w, http.StatusInternalServerError, "dedupe failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
