package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/healthscore/internal/heatmap"
	"github.com/mbd888/healthscore/internal/retry"
)

const maxResponseBytes = 8 << 20

// Config holds the configuration for connecting to the health score API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token for a fronting proxy
	// Timeout bounds one HTTP round trip. Zero means 30 seconds.
	Timeout time.Duration
	// Retry governs reads that get 429 or 503 back. Writes are never
	// retried because merging a sample twice double counts it.
	Retry retry.Policy
}

// Client talks to the health score REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the health score API.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// Temporary reports whether the same request may succeed later.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

func isTemporary(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}

// LatestResponse is the body of GET /v1/heatmap/latest.
type LatestResponse struct {
	Readings map[string]heatmap.HealthReading `json:"readings"`
}

// TrendResponse is the body of GET /v1/heatmap/trend.
type TrendResponse struct {
	Duration   string                             `json:"duration"`
	Resolution string                             `json:"resolution"`
	StartTime  time.Time                          `json:"startTime"`
	EndTime    time.Time                          `json:"endTime"`
	Trends     map[string][]heatmap.HealthReading `json:"trends"`
}

// CategoryResponse is the body of GET /v1/heatmap/scopes/:scopeId/categories.
type CategoryResponse struct {
	ScopeID    string                           `json:"scopeId"`
	Categories map[string]heatmap.HealthReading `json:"categories"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.cfg.Retry.DoIf(ctx, isTemporary, func() error {
		return c.do(ctx, http.MethodGet, path, query, nil, out)
	})
}

// do sends one request and decodes a JSON answer into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	u.RawQuery = query.Encode()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// scopePath escapes a scope id for use as one path segment.
func scopePath(scopeID string) string {
	return "/v1/heatmap/scopes/" + url.PathEscape(scopeID)
}

// LatestHealth returns the latest combined reading per scope.
func (c *Client) LatestHealth(ctx context.Context, scopeIDs []string) (*LatestResponse, error) {
	q := url.Values{"scopeId": scopeIDs}
	var out LatestResponse
	if err := c.get(ctx, "/v1/heatmap/latest", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HealthTrend returns the trend points per scope. endTime and categories
// are optional.
func (c *Client) HealthTrend(ctx context.Context, scopeIDs []string, duration, endTime string, categories []string) (*TrendResponse, error) {
	q := url.Values{"scopeId": scopeIDs}
	q.Set("duration", duration)
	if endTime != "" {
		q.Set("endTime", endTime)
	}
	for _, cat := range categories {
		q.Add("category", cat)
	}
	var out TrendResponse
	if err := c.get(ctx, "/v1/heatmap/trend", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CategoryHealth returns the latest reading of each category for one scope.
func (c *Client) CategoryHealth(ctx context.Context, scopeID string) (*CategoryResponse, error) {
	var out CategoryResponse
	if err := c.get(ctx, scopePath(scopeID)+"/categories", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HeatMap returns the raw slots of one category between start and end.
func (c *Client) HeatMap(ctx context.Context, scopeID, category, start, end string) (*heatmap.HeatMapView, error) {
	q := url.Values{}
	q.Set("start", start)
	q.Set("end", end)
	path := scopePath(scopeID) + "/categories/" + url.PathEscape(category) + "/heatmap"
	var out heatmap.HeatMapView
	if err := c.get(ctx, path, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportRisk submits one risk sample.
func (c *Client) ReportRisk(ctx context.Context, sample heatmap.RiskSample) error {
	risk := sample.RiskScore
	body := heatmap.UpdateRiskRequest{
		ScopeID:               string(sample.ScopeID),
		Category:              string(sample.Category),
		Timestamp:             sample.Timestamp,
		RiskScore:             &risk,
		AnomalousMetricsCount: sample.AnomalousMetricsCount,
		AnomalousLogsCount:    sample.AnomalousLogsCount,
	}
	return c.do(ctx, http.MethodPost, "/v1/heatmap/risks", nil, body, nil)
}
