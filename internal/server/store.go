package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/mbd888/healthscore/internal/config"
	"github.com/mbd888/healthscore/internal/heatmap"
	"github.com/mbd888/healthscore/internal/metrics"
)

const connectTimeout = 5 * time.Second

// openStore connects the backend named by STORE_BACKEND.
func (s *Server) openStore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch s.cfg.StoreBackend {
	case config.BackendPostgres:
		return s.openPostgres(ctx)
	case config.BackendBadger:
		return s.openBadger()
	case config.BackendRedis:
		return s.openRedis(ctx)
	default:
		s.store = heatmap.NewMemoryStore()
		s.logger.Warn("risk store is in memory; data is lost on restart")
		return nil
	}
}

func (s *Server) openPostgres(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := metrics.RegisterDB(db, "risk_store"); err != nil {
		s.logger.Warn("postgres pool metrics unavailable", "error", err)
	}

	s.db = db
	s.store = heatmap.NewPostgresStore(db)
	s.logger.Info("risk store ready", "backend", "postgres", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) openBadger() error {
	db, err := heatmap.OpenBadger(heatmap.BadgerConfig{
		Path:   s.cfg.BadgerPath,
		Logger: s.logger.With("component", "badger"),
	})
	if err != nil {
		return err
	}
	s.badgerDB = db
	s.store = heatmap.NewBadgerStore(db)
	s.logger.Info("risk store ready", "backend", "badger", "path", s.cfg.BadgerPath)
	return nil
}

func (s *Server) openRedis(ctx context.Context) error {
	client, err := heatmap.NewRedisClient(s.cfg.RedisURL)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect redis: %w", err)
	}
	if err := metrics.RegisterRedisPool(client); err != nil {
		s.logger.Warn("redis pool metrics unavailable", "error", err)
	}

	s.redis = client
	s.store = heatmap.NewRedisStore(client)
	s.logger.Info("risk store ready", "backend", "redis", "url", maskDSN(s.cfg.RedisURL))
	return nil
}

type namedCloser struct {
	name  string
	close func() error
}

// closeStore releases whichever backend openStore connected.
func (s *Server) closeStore() {
	var closers []namedCloser
	if s.db != nil {
		closers = append(closers, namedCloser{"postgres", s.db.Close})
	}
	if s.badgerDB != nil {
		closers = append(closers, namedCloser{"badger", s.badgerDB.Close})
	}
	if s.redis != nil {
		closers = append(closers, namedCloser{"redis", s.redis.Close})
	}

	for _, c := range closers {
		if err := c.close(); err != nil {
			s.logger.Error("close risk store", "backend", c.name, "error", err)
		}
	}
}

// maskDSN replaces the password in a connection URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
