package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/healthscore/internal/heatmap"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetLatestHealth reports the current health of each scope.
func (h *Handlers) HandleGetLatestHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scopes := splitList(req.GetString("scope_ids", ""))
	if len(scopes) == 0 {
		return mcp.NewToolResultError("scope_ids is required"), nil
	}

	resp, err := h.client.LatestHealth(ctx, scopes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get latest health: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Latest health:\n")
	for _, scope := range scopes {
		r, ok := resp.Readings[scope]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "  %s: %s\n", scope, formatReading(r))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetHealthTrend summarizes the trend of each scope.
func (h *Handlers) HandleGetHealthTrend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scopes := splitList(req.GetString("scope_ids", ""))
	if len(scopes) == 0 {
		return mcp.NewToolResultError("scope_ids is required"), nil
	}
	duration := req.GetString("duration", "")
	if duration == "" {
		return mcp.NewToolResultError("duration is required"), nil
	}
	endTime := req.GetString("end_time", "")
	categories := splitList(strings.ToUpper(req.GetString("categories", "")))

	resp, err := h.client.HealthTrend(ctx, scopes, duration, endTime, categories)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get health trend: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Health trend (%s at %s resolution, %s to %s):\n",
		resp.Duration, resp.Resolution, formatTime(resp.StartTime), formatTime(resp.EndTime))
	for _, scope := range scopes {
		points, ok := resp.Trends[scope]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "\n%s\n%s", scope, formatTrend(points))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetCategoryHealth breaks a scope's latest health down by category.
func (h *Handlers) HandleGetCategoryHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope := strings.TrimSpace(req.GetString("scope_id", ""))
	if scope == "" {
		return mcp.NewToolResultError("scope_id is required"), nil
	}

	resp, err := h.client.CategoryHealth(ctx, scope)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get category health: %v", err)), nil
	}

	names := make([]string, 0, len(resp.Categories))
	for name := range resp.Categories {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Category health for %s:\n", scope)
	for _, name := range names {
		fmt.Fprintf(&sb, "  %-15s %s\n", name+":", formatReading(resp.Categories[name]))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetHeatMap lists the populated slots of a heat map.
func (h *Handlers) HandleGetHeatMap(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope := strings.TrimSpace(req.GetString("scope_id", ""))
	category := strings.ToUpper(strings.TrimSpace(req.GetString("category", "")))
	start := req.GetString("start", "")
	end := req.GetString("end", "")
	if scope == "" || category == "" || start == "" || end == "" {
		return mcp.NewToolResultError("scope_id, category, start and end are required"), nil
	}

	view, err := h.client.HeatMap(ctx, scope, category, start, end)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get heat map: %v", err)), nil
	}
	return mcp.NewToolResultText(formatHeatMap(view)), nil
}

// HandleReportRisk records one risk observation.
func (h *Handlers) HandleReportRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope := strings.TrimSpace(req.GetString("scope_id", ""))
	if scope == "" {
		return mcp.NewToolResultError("scope_id is required"), nil
	}
	category, err := heatmap.ParseCategory(req.GetString("category", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("category must be one of %s", strings.Join(categoryNames, ", "))), nil
	}
	if _, ok := req.GetArguments()["risk_score"]; !ok {
		return mcp.NewToolResultError("risk_score is required"), nil
	}
	risk := req.GetFloat("risk_score", -1)
	if risk < 0 || risk > 1 {
		return mcp.NewToolResultError("risk_score must be between 0 and 1"), nil
	}

	sample := heatmap.RiskSample{
		ScopeID:               heatmap.ScopeID(scope),
		Category:              category,
		RiskScore:             risk,
		AnomalousMetricsCount: int64(req.GetInt("anomalous_metrics_count", 0)),
		AnomalousLogsCount:    int64(req.GetInt("anomalous_logs_count", 0)),
	}
	if ts := req.GetString("timestamp", ""); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return mcp.NewToolResultError("timestamp must be RFC 3339"), nil
		}
		sample.Timestamp = t
	}

	if err := h.client.ReportRisk(ctx, sample); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to report risk: %v", err)), nil
	}
	score := heatmap.HealthScore(risk)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Recorded %s risk %.2f for %s (health %d, %s).",
		category, risk, scope, score, heatmap.StatusOf(score))), nil
}

// --- formatting ---

func formatReading(r heatmap.HealthReading) string {
	if !r.HasData() {
		return "no data"
	}
	return fmt.Sprintf("%d (%s) for %s to %s",
		*r.HealthScore, r.RiskStatus, formatTime(r.StartTime), formatTime(r.EndTime))
}

func formatTrend(points []heatmap.HealthReading) string {
	var (
		sb       strings.Builder
		withData int
		worst    *heatmap.HealthReading
		latest   *heatmap.HealthReading
	)
	for i := range points {
		p := &points[i]
		if !p.HasData() {
			continue
		}
		withData++
		latest = p
		if worst == nil || *p.HealthScore < *worst.HealthScore {
			worst = p
		}
	}

	if withData == 0 {
		fmt.Fprintf(&sb, "  no data in any of %d points\n", len(points))
		return sb.String()
	}
	fmt.Fprintf(&sb, "  points with data: %d/%d\n", withData, len(points))
	fmt.Fprintf(&sb, "  worst: %s\n", formatReading(*worst))
	fmt.Fprintf(&sb, "  latest: %s\n", formatReading(*latest))
	return sb.String()
}

func formatHeatMap(view *heatmap.HeatMapView) string {
	var sb strings.Builder
	populated := 0
	for _, s := range view.Slots {
		if s.HasData() {
			populated++
		}
	}
	fmt.Fprintf(&sb, "Heat map for %s %s at %s resolution: %d slots, %d with data\n",
		view.ScopeID, view.Category, view.Resolution, len(view.Slots), populated)
	for _, s := range view.Slots {
		if !s.HasData() {
			continue
		}
		score := heatmap.HealthScore(s.RiskScore)
		fmt.Fprintf(&sb, "  %s  risk %.2f  health %d (%s)  metrics %d  logs %d\n",
			formatTime(s.StartTime), s.RiskScore, score, heatmap.StatusOf(score),
			s.AnomalousMetricsCount, s.AnomalousLogsCount)
	}
	return sb.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

// splitList splits a comma separated argument, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
