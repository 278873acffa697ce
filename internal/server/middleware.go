package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/healthscore/internal/idgen"
	"github.com/mbd888/healthscore/internal/logging"
	"github.com/mbd888/healthscore/internal/metrics"
	"github.com/mbd888/healthscore/internal/ratelimit"
	"github.com/mbd888/healthscore/internal/security"
	"github.com/mbd888/healthscore/internal/traces"
	"github.com/mbd888/healthscore/internal/validation"
)

const maxRequestIDLength = 128

// setupMiddleware installs the chain outermost first. Tracing runs before
// the request id so log lines carry both ids.
func (s *Server) setupMiddleware() {
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)

	s.router.Use(
		gin.CustomRecovery(s.recoverPanic),
		security.HeadersMiddleware(),
		security.CORSMiddleware(s.cfg.CORSAllowedOrigins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		s.rateLimiter.Middleware(),
		metrics.Middleware(),
		traces.Middleware(),
		s.requestContext(),
		s.accessLog(),
	)
}

func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("panic recovered", "panic", recovered, "path", c.Request.URL.Path)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal server error",
	})
}

// requestContext puts the request id and the server logger on the request
// context. An inbound X-Request-ID is kept unless it is oversized.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" || len(id) > maxRequestIDLength {
			id = idgen.WithPrefix("req_")
		}
		c.Header("X-Request-ID", id)

		ctx := logging.WithLogger(logging.WithRequestID(c.Request.Context(), id), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// accessLog logs every request once it completes: server errors at error,
// client errors at warn, the rest at debug.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		ctx := c.Request.Context()
		logging.L(ctx).Log(ctx, level, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
