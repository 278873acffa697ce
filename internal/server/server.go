// Package server wires the heat map service, its store backend and the
// stream hub behind a gin router and runs them.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/healthscore/internal/circuitbreaker"
	"github.com/mbd888/healthscore/internal/config"
	"github.com/mbd888/healthscore/internal/health"
	"github.com/mbd888/healthscore/internal/heatmap"
	"github.com/mbd888/healthscore/internal/logging"
	"github.com/mbd888/healthscore/internal/metrics"
	"github.com/mbd888/healthscore/internal/ratelimit"
	"github.com/mbd888/healthscore/internal/realtime"
)

const (
	version            = "0.1.0"
	badgerGCInterval   = 10 * time.Minute
	defaultDrainPeriod = 5 * time.Second
)

// Server owns the risk store connection, the service built on it and the
// HTTP surface in front of both.
type Server struct {
	cfg         *config.Config
	logger      *slog.Logger
	now         func() time.Time
	drainPeriod time.Duration

	store   heatmap.Store // unguarded backend
	guarded *heatmap.GuardedStore
	breaker *circuitbreaker.Breaker
	service *heatmap.Service
	health  *health.Registry
	hub     *realtime.Hub

	// Set by openStore for whichever backend it connected.
	db       *sql.DB
	badgerDB *badger.DB
	redis    *redis.Client

	router      *gin.Engine
	rateLimiter *ratelimit.Limiter
	httpSrv     *http.Server
	addr        atomic.Value // string

	cancelRunCtx  context.CancelFunc
	traceShutdown func(context.Context) error

	shutdownOnce sync.Once
	shutdownErr  error

	ready   atomic.Bool
	healthy atomic.Bool
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithStore skips opening the configured backend and uses store instead.
func WithStore(store heatmap.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithClock sets the time source for queries that omit a reference time.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithDrainPeriod sets how long Shutdown waits after failing readiness.
func WithDrainPeriod(d time.Duration) Option {
	return func(s *Server) { s.drainPeriod = d }
}

// New connects the configured store and builds the router. Run starts
// serving.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:         cfg,
		logger:      logging.New(cfg.LogLevel, cfg.LogFormat),
		now:         time.Now,
		drainPeriod: defaultDrainPeriod,
	}

	for _, opt := range opts {
		opt(s)
	}

	backend := cfg.StoreBackend
	if s.store == nil {
		if err := s.openStore(context.Background()); err != nil {
			return nil, err
		}
	} else {
		backend = "injected"
	}

	s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenDuration)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("store circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
	})
	s.guarded = heatmap.NewGuardedStore(s.store, backend, s.breaker)
	metrics.StoreBackend.WithLabelValues(backend).Set(1)

	s.hub = realtime.NewHub(s.logger).
		WithAllowedOrigins(cfg.CORSAllowedOrigins).
		WithClock(s.now)

	s.service = heatmap.NewService(s.guarded).
		WithPolicy(heatmap.Policy{
			MaxScopesPerRequest: cfg.MaxScopesPerRequest,
			LatestWindowSlots:   cfg.LatestWindowSlots,
			RollupToParents:     cfg.RollupToParents,
		}).
		WithLogger(s.logger).
		WithClock(s.now).
		WithListener(s.hub)

	s.health = health.NewRegistry()
	s.health.Register("store", health.PingChecker("store", s.guarded))
	s.health.RegisterOptional("store_breakers", s.breakerCheck)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	// Scope ids contain slashes; path parameters carry them as %2F.
	s.router.UseRawPath = true
	s.router.UnescapePathValues = true
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	heatmap.NewHandler(s.service).RegisterRoutes(v1)
	v1.GET("/heatmap/stream", gin.WrapF(s.hub.HandleWebSocket))
	v1.GET("/heatmap/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
	v1.GET("/resolutions", s.resolutionsHandler)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Backend   string          `json:"backend"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	rep := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	switch {
	case !rep.Healthy:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case rep.Degraded:
		status = "degraded"
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   version,
		Backend:   s.cfg.StoreBackend,
		Checks:    rep.Checks,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

// breakerCheck fails while any store operation is shedding load.
func (s *Server) breakerCheck(context.Context) health.Status {
	st := health.Status{Name: "store_breakers", Healthy: !s.breaker.Open()}
	if snap := s.breaker.Snapshot(); len(snap) > 0 {
		st.Data = snap
	}
	if !st.Healthy {
		st.Detail = "store operations are being rejected"
	}
	return st
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// resolutionsHandler lists the resolution tiers and the tier each trend
// duration reads from.
func (s *Server) resolutionsHandler(c *gin.Context) {
	catalog := s.service.Catalog()

	tiers := make([]gin.H, 0, len(catalog.Resolutions()))
	for _, r := range catalog.Resolutions() {
		tiers = append(tiers, gin.H{
			"name":           r.Name,
			"sampleWidth":    r.SampleWidth.String(),
			"bucketWidth":    r.BucketWidth.String(),
			"slotsPerBucket": r.SlotsPerBucket(),
		})
	}

	durations := make(map[heatmap.Duration]string, len(heatmap.Durations()))
	for _, d := range heatmap.Durations() {
		if r, err := catalog.ForTrend(d); err == nil {
			durations[d] = r.Name
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"resolutions": tiers,
		"durations":   durations,
	})
}

// Router exposes the engine to tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the heat map service.
func (s *Server) Service() *heatmap.Service {
	return s.service
}
