package validation

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidScopeID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"acct/org/proj/checkout", true},
		{"acct/org/proj", true},
		{"svc-1", true},
		{"a.b:c~d_e", true},

		{"", false},
		{"/acct/org", false},         // leading slash
		{"acct//org", false},         // empty segment
		{"a/b/c/d/e", false},         // too deep
		{"acct/org proj", false},     // space
		{strings.Repeat("a", 600), false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidScopeID(tc.id), "IsValidScopeID(%q)", tc.id)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("scopeId", "  "),
		ValidScopeID("scopeId", "bad scope"),
		InRange("riskScore", 1.5, 0, 1),
		NonNegative("anomalousLogsCount", -1),
		Check("category", true, "unused"),
	)

	require.Len(t, errs, 4)
	assert.Equal(t, "scopeId: is required (and 3 more)", errs.Error())
	assert.Equal(t, FieldError{Field: "riskScore", Message: "must be between 0 and 1"}, errs[2])
	assert.Equal(t, "anomalousLogsCount: must not be negative", errs[3:].Error())
}

func TestValidate_AllPass(t *testing.T) {
	errs := Validate(
		Required("scopeId", "acct/org/proj/svc"),
		ValidScopeID("scopeId", "acct/org/proj/svc"),
		ValidScopeID("scopeId", ""),
		InRange("riskScore", 0, 0, 1),
		InRange("riskScore", 1, 0, 1),
		NonNegative("anomalousMetricsCount", 0),
	)
	assert.Empty(t, errs)
	assert.Equal(t, "validation failed", errs.Error())
}

func TestInRange_RejectsNaN(t *testing.T) {
	assert.NotNil(t, InRange("riskScore", math.NaN(), 0, 1)())
}

func TestScopeParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/scopes/:scopeId", ScopeParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/scopes/svc-1", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/scopes/bad%20scope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_scope")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"riskScore":0.5}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
