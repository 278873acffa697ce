// Package validation checks request fields and scope ids for the HTTP API.
package validation

import (
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1 MiB.
const MaxRequestSize = 1 << 20

// MaxScopeIDLength bounds scope ids accepted from clients.
const MaxScopeIDLength = 512

const scopeShape = "must be 1-4 slash-separated segments of [A-Za-z0-9._:~-]"

var scopeIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:~-]+(/[A-Za-z0-9._:~-]+){0,3}$`)

// IsValidScopeID checks the shape of a scope id.
func IsValidScopeID(id string) bool {
	return len(id) <= MaxScopeIDLength && scopeIDPattern.MatchString(id)
}

// FieldError names the offending field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is every rule failure for one request, in rule order.
type Errors []FieldError

func (e Errors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Field + ": " + e[0].Message
	default:
		return fmt.Sprintf("%s: %s (and %d more)", e[0].Field, e[0].Message, len(e)-1)
	}
}

// Rule checks one field and returns nil when it passes.
type Rule func() *FieldError

// Validate runs every rule.
func Validate(rules ...Rule) Errors {
	var errs Errors
	for _, rule := range rules {
		if fe := rule(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Check fails field with msg unless ok.
func Check(field string, ok bool, msg string) Rule {
	return func() *FieldError {
		if ok {
			return nil
		}
		return &FieldError{Field: field, Message: msg}
	}
}

func Required(field, value string) Rule {
	return Check(field, strings.TrimSpace(value) != "", "is required")
}

// ValidScopeID lets an empty value through; pair it with Required.
func ValidScopeID(field, value string) Rule {
	return Check(field, value == "" || IsValidScopeID(value), scopeShape)
}

// InRange rejects NaN along with anything outside [lo, hi].
func InRange(field string, value, lo, hi float64) Rule {
	return Check(field, !math.IsNaN(value) && value >= lo && value <= hi,
		fmt.Sprintf("must be between %g and %g", lo, hi))
}

func NonNegative(field string, value int64) Rule {
	return Check(field, value >= 0, "must not be negative")
}

// RequestSizeMiddleware caps the request body at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ScopeParamMiddleware rejects a malformed :scopeId before the handler runs.
func ScopeParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("scopeId"); id != "" && !IsValidScopeID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_scope",
				"message": "scopeId " + scopeShape,
			})
			return
		}
		c.Next()
	}
}
