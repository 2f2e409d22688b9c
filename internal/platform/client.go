package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"job-ingestion-orchestrator/internal/config"
	"job-ingestion-orchestrator/internal/models"
)

const maxResponseBytes = 64 * 1024 * 1024

// Client talks to the external actor platform over its v2 REST API.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	limiter     *rate.Limiter
	callTimeout time.Duration
	pageSize    int
	hardLimit   int
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL     string
	Token       string
	CallTimeout time.Duration
	RatePerSec  float64
	Burst       int
	PageSize    int
	HardLimit   int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	HTTPClient  *http.Client
}

// StartedRun is the platform's acknowledgement of a start request.
type StartedRun struct {
	RunID     string
	ActorID   string
	Status    string
	StartedAt time.Time
}

// RunInfo is a status snapshot of one run.
// ItemCount is -1 when the run's dataset could not be read yet. DatasetErr is set when a
// succeeded run's dataset read failed with a non-temporary platform error.
type RunInfo struct {
	RunID         string
	ActorID       string
	Status        string
	StatusMessage string
	ItemCount     int
	DatasetReady  bool
	CostUSD       float64
	ComputeUnits  float64
	StartedAt     time.Time
	FinishedAt    *time.Time
	DatasetErr    string
}

// APIError is a non-2xx platform response.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("platform: status %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("platform: status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether a retry may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type runPayload struct {
	ID            string     `json:"id"`
	ActID         string     `json:"actId"`
	Status        string     `json:"status"`
	StatusMessage string     `json:"statusMessage"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt"`
	UsageTotalUSD float64    `json:"usageTotalUsd"`
	Stats         struct {
		ComputeUnits float64 `json:"computeUnits"`
	} `json:"stats"`
}

type datasetPayload struct {
	ID        string `json:"id"`
	ItemCount int    `json:"itemCount"`
}

type limitsPayload struct {
	Limits struct {
		MaxMonthlyUsageUSD float64 `json:"maxMonthlyUsageUsd"`
	} `json:"limits"`
	Current struct {
		MonthlyUsageUSD   float64 `json:"monthlyUsageUsd"`
		ActorComputeUnits float64 `json:"actorComputeUnits"`
	} `json:"current"`
}

// New builds a client from explicit options.
func New(opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.HardLimit <= 0 {
		opts.HardLimit = 10000
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 250 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 4 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.Token,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		callTimeout: opts.CallTimeout,
		pageSize:    opts.PageSize,
		hardLimit:   opts.HardLimit,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
	}
}

// NewFromConfig builds a client from service configuration.
func NewFromConfig(cfg config.Config) *Client {
	return New(Options{
		BaseURL:     cfg.PlatformBaseURL,
		Token:       cfg.PlatformToken,
		CallTimeout: cfg.PlatformCallTimeout,
		RatePerSec:  cfg.PlatformRatePerSec,
		Burst:       cfg.PlatformBurst,
		PageSize:    cfg.DatasetPageSize,
		HardLimit:   cfg.DatasetHardLimit,
	})
}

// StartRun starts one actor run. Starts are never retried so a lost response cannot launch a second run.
func (c *Client) StartRun(ctx context.Context, actorID string, input map[string]any, maxItems int) (StartedRun, error) {
	if input == nil {
		input = map[string]any{}
	}
	q := url.Values{}
	if maxItems > 0 {
		q.Set("maxItems", strconv.Itoa(maxItems))
	}
	var out envelope[runPayload]
	path := "/v2/acts/" + url.PathEscape(actorPathID(actorID)) + "/runs"
	if err := c.do(ctx, http.MethodPost, path, q, input, &out, false); err != nil {
		return StartedRun{}, fmt.Errorf("start actor %s: %w", actorID, err)
	}
	if out.Data.ID == "" {
		return StartedRun{}, fmt.Errorf("start actor %s: response carried no run id", actorID)
	}
	return StartedRun{
		RunID:     out.Data.ID,
		ActorID:   actorID,
		Status:    out.Data.Status,
		StartedAt: out.Data.StartedAt,
	}, nil
}

// GetRun fetches run status and, once the run has produced data, its dataset item count.
func (c *Client) GetRun(ctx context.Context, runID string) (RunInfo, error) {
	var out envelope[runPayload]
	if err := c.do(ctx, http.MethodGet, "/v2/actor-runs/"+url.PathEscape(runID), nil, nil, &out, true); err != nil {
		return RunInfo{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	info := RunInfo{
		RunID:         out.Data.ID,
		ActorID:       out.Data.ActID,
		Status:        out.Data.Status,
		StatusMessage: out.Data.StatusMessage,
		ItemCount:     -1,
		CostUSD:       out.Data.UsageTotalUSD,
		ComputeUnits:  out.Data.Stats.ComputeUnits,
		StartedAt:     out.Data.StartedAt,
		FinishedAt:    out.Data.FinishedAt,
	}
	if info.RunID == "" {
		info.RunID = runID
	}
	if strings.EqualFold(info.Status, "READY") {
		return info, nil
	}

	var ds envelope[datasetPayload]
	err := c.do(ctx, http.MethodGet, "/v2/actor-runs/"+url.PathEscape(runID)+"/dataset", nil, nil, &ds, false)
	if err == nil {
		info.ItemCount = ds.Data.ItemCount
		info.DatasetReady = true
		return info, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() && strings.EqualFold(info.Status, "SUCCEEDED") {
		info.DatasetErr = apiErr.Error()
	}
	return info, nil
}

// GetUsage reports monthly credit usage for the configured token.
func (c *Client) GetUsage(ctx context.Context) (models.UsageStats, error) {
	var out envelope[limitsPayload]
	if err := c.do(ctx, http.MethodGet, "/v2/users/me/limits", nil, nil, &out, true); err != nil {
		return models.UsageStats{}, fmt.Errorf("get usage: %w", err)
	}
	used := out.Data.Current.MonthlyUsageUSD
	remaining := math.Max(0, out.Data.Limits.MaxMonthlyUsageUSD-used)
	return models.UsageStats{
		CreditsUsed:      used,
		CreditsRemaining: remaining,
		ComputeUnits:     out.Data.Current.ActorComputeUnits,
		FetchedAt:        time.Now().UTC(),
	}, nil
}

// DatasetItems pages through a run's dataset in order, returning at most limit records.
// A non-positive limit, or one above the hard limit, is capped at the hard limit.
func (c *Client) DatasetItems(ctx context.Context, runID string, limit int) ([]models.RawRecord, error) {
	if limit <= 0 || limit > c.hardLimit {
		limit = c.hardLimit
	}
	path := "/v2/actor-runs/" + url.PathEscape(runID) + "/dataset/items"
	items := make([]models.RawRecord, 0, min(limit, c.pageSize))
	for len(items) < limit {
		want := min(c.pageSize, limit-len(items))
		q := url.Values{}
		q.Set("offset", strconv.Itoa(len(items)))
		q.Set("limit", strconv.Itoa(want))
		q.Set("format", "json")
		q.Set("clean", "true")

		var page []models.RawRecord
		if err := c.do(ctx, http.MethodGet, path, q, nil, &page, true); err != nil {
			return nil, fmt.Errorf("dataset items for run %s at offset %d: %w", runID, len(items), err)
		}
		items = append(items, page...)
		if len(page) < want {
			break
		}
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any, retry bool) error {
	attempts := 1
	if retry {
		attempts = c.maxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := backoffWithJitter(c.backoffBase, c.backoffMax, attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		lastErr = c.once(ctx, method, path, query, body, out)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(callCtx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(data) > maxResponseBytes {
		return fmt.Errorf("response too large (>%d bytes)", maxResponseBytes)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		apiErr.Type = env.Error.Type
		apiErr.Message = env.Error.Message
		return apiErr
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	apiErr.Message = msg
	return apiErr
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// actorPathID converts "user/actor" ids into the "user~actor" form used in URL paths.
func actorPathID(actorID string) string {
	return strings.ReplaceAll(actorID, "/", "~")
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
