package heatmap

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/healthscore/internal/logging"
	"github.com/mbd888/healthscore/internal/validation"
)

// Handler provides HTTP endpoints for risk ingestion and health queries.
//
// Scope ids contain slashes. Routes that take :scopeId in the path need the
// slashes escaped as %2F and an engine with UseRawPath enabled; the query
// parameter routes take them as-is.
type Handler struct {
	service *Service
}

// NewHandler creates a new heat map handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the heat map routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/heatmap")
	g.POST("/risks", h.UpdateRisk)
	g.GET("/latest", h.LatestHealth)
	g.GET("/trend", h.HistoricalTrend)

	scoped := g.Group("/scopes/:scopeId", validation.ScopeParamMiddleware())
	scoped.GET("/overall", h.OverallHealthTrend)
	scoped.GET("/categories", h.LatestCategoryHealth)
	scoped.GET("/categories/:category/heatmap", h.HeatMap)
}

// UpdateRiskRequest is the body of POST /heatmap/risks. Either ScopeID or
// the hierarchy path fields identify the scope.
type UpdateRiskRequest struct {
	ScopeID               string    `json:"scopeId,omitempty"`
	AccountID             string    `json:"accountId,omitempty"`
	OrgID                 string    `json:"orgId,omitempty"`
	ProjectID             string    `json:"projectId,omitempty"`
	ServiceID             string    `json:"serviceId,omitempty"`
	Category              string    `json:"category"`
	Timestamp             time.Time `json:"timestamp,omitzero"`
	RiskScore             *float64  `json:"riskScore"`
	AnomalousMetricsCount int64     `json:"anomalousMetricsCount"`
	AnomalousLogsCount    int64     `json:"anomalousLogsCount"`
}

func (req UpdateRiskRequest) scope() ScopeID {
	if req.ScopeID != "" {
		return ScopeID(req.ScopeID)
	}
	return NewScopeID(req.AccountID, req.OrgID, req.ProjectID, req.ServiceID)
}

// UpdateRisk handles POST /v1/heatmap/risks
func (h *Handler) UpdateRisk(c *gin.Context) {
	var req UpdateRiskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	scope := string(req.scope())
	var risk float64
	if req.RiskScore != nil {
		risk = *req.RiskScore
	}
	if errs := validation.Validate(
		validation.Required("scopeId", scope),
		validation.ValidScopeID("scopeId", scope),
		validation.Required("category", req.Category),
		validation.Check("riskScore", req.RiskScore != nil, "is required"),
		validation.InRange("riskScore", risk, 0, 1),
		validation.NonNegative("anomalousMetricsCount", req.AnomalousMetricsCount),
		validation.NonNegative("anomalousLogsCount", req.AnomalousLogsCount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	category, err := ParseCategory(req.Category)
	if err != nil {
		writeError(c, err)
		return
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = h.service.now()
	}

	err = h.service.UpdateRisk(c.Request.Context(), RiskSample{
		ScopeID:               ScopeID(scope),
		Category:              category,
		Timestamp:             ts,
		RiskScore:             risk,
		AnomalousMetricsCount: req.AnomalousMetricsCount,
		AnomalousLogsCount:    req.AnomalousLogsCount,
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("risk update failed", "scope", scope, "error", err)
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// LatestHealth handles GET /v1/heatmap/latest?scopeId=...&now=...
func (h *Handler) LatestHealth(c *gin.Context) {
	scopes, ok := scopeParams(c)
	if !ok {
		return
	}
	now, ok := timeParam(c, "now")
	if !ok {
		return
	}

	readings, err := h.service.LatestHealth(c.Request.Context(), scopes, now)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"readings": readings})
}

// HistoricalTrend handles GET /v1/heatmap/trend?scopeId=...&duration=...
func (h *Handler) HistoricalTrend(c *gin.Context) {
	scopes, ok := scopeParams(c)
	if !ok {
		return
	}
	d, ok := durationParam(c)
	if !ok {
		return
	}
	endTime, ok := timeParam(c, "endTime")
	if !ok {
		return
	}

	var cats []Category
	for _, raw := range c.QueryArray("category") {
		cat, err := ParseCategory(raw)
		if err != nil {
			writeError(c, err)
			return
		}
		cats = append(cats, cat)
	}

	// The body echoes the window, so both calls share one reference time.
	endTime = h.service.ResolveTime(endTime)
	trends, err := h.service.HistoricalTrend(c.Request.Context(), scopes, d, endTime, cats...)
	if err != nil {
		writeError(c, err)
		return
	}
	res, start, end, _ := h.service.TrendWindow(d, endTime)
	c.JSON(http.StatusOK, gin.H{
		"duration":   d,
		"resolution": res.Name,
		"startTime":  start,
		"endTime":    end,
		"trends":     trends,
	})
}

// OverallHealthTrend handles GET /v1/heatmap/scopes/:scopeId/overall
func (h *Handler) OverallHealthTrend(c *gin.Context) {
	scope := ScopeID(c.Param("scopeId"))
	d, ok := durationParam(c)
	if !ok {
		return
	}
	endTime, ok := timeParam(c, "endTime")
	if !ok {
		return
	}

	points, err := h.service.OverallHealthTrend(c.Request.Context(), scope, d, endTime)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scopeId":  scope,
		"duration": d,
		"points":   points,
	})
}

// LatestCategoryHealth handles GET /v1/heatmap/scopes/:scopeId/categories
func (h *Handler) LatestCategoryHealth(c *gin.Context) {
	scope := ScopeID(c.Param("scopeId"))
	now, ok := timeParam(c, "now")
	if !ok {
		return
	}

	byCategory, err := h.service.LatestCategoryHealth(c.Request.Context(), scope, now)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scopeId":    scope,
		"categories": byCategory,
	})
}

// HeatMap handles GET /v1/heatmap/scopes/:scopeId/categories/:category/heatmap
func (h *Handler) HeatMap(c *gin.Context) {
	scope := ScopeID(c.Param("scopeId"))
	category, err := ParseCategory(c.Param("category"))
	if err != nil {
		writeError(c, err)
		return
	}
	start, ok := timeParam(c, "start")
	if !ok {
		return
	}
	end, ok := timeParam(c, "end")
	if !ok {
		return
	}
	if start.IsZero() || end.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "start and end are required",
		})
		return
	}

	view, err := h.service.HeatMap(c.Request.Context(), scope, category, start, end)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func scopeParams(c *gin.Context) ([]ScopeID, bool) {
	raw := c.QueryArray("scopeId")
	scopes := make([]ScopeID, 0, len(raw))
	for _, id := range raw {
		if !validation.IsValidScopeID(id) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_scope",
				"message": fmt.Sprintf("invalid scopeId %q", id),
			})
			return nil, false
		}
		scopes = append(scopes, ScopeID(id))
	}
	return scopes, true
}

func durationParam(c *gin.Context) (Duration, bool) {
	raw := c.Query("duration")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "duration is required",
		})
		return "", false
	}
	d, err := ParseDuration(raw)
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return d, true
}

// timeParam parses an RFC 3339 timestamp or Unix milliseconds. A missing
// parameter yields the zero time.
func timeParam(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), true
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": name + " must be RFC 3339 or Unix milliseconds",
	})
	return time.Time{}, false
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTooManyScopes):
		c.JSON(http.StatusBadRequest, gin.H{"error": "too_many_scopes", "message": err.Error()})
	case errors.Is(err, ErrUnsupportedDuration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_duration", "message": err.Error()})
	case errors.Is(err, ErrInvalidCategory):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category", "message": err.Error()})
	case IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case IsRetryable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": "Risk store is temporarily unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
