package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/healthscore/internal/heatmap"
	"github.com/mbd888/healthscore/internal/traces"
)

const shutdownTimeout = 30 * time.Second

// Run serves HTTP and runs the background workers until ctx ends, SIGINT
// or SIGTERM arrives, or the listener fails. It then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel
	defer cancel()

	shutdownTraces, err := traces.Init(runCtx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		SampleRatio: s.cfg.TraceSampleRatio,
		Version:     version,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing unavailable", "error", err)
	} else {
		s.traceShutdown = shutdownTraces
	}

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", s.cfg.Port, err)
	}
	s.addr.Store(ln.Addr().String())
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", ln.Addr().String(), "backend", s.cfg.StoreBackend)
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	if bs, ok := s.store.(*heatmap.BadgerStore); ok {
		g.Go(func() error {
			bs.RunGC(gctx, badgerGCInterval, s.logger)
			return nil
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	<-gctx.Done()
	if ctx.Err() != nil {
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}

	shutdownErr := s.Shutdown()
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// Addr returns the listening address once Run has bound it.
func (s *Server) Addr() string {
	addr, _ := s.addr.Load().(string)
	return addr
}

// Shutdown drains traffic and releases everything Run and New acquired. It
// is safe to call without Run, and only the first call does any work; later
// calls wait for it and return its result.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() { s.shutdownErr = s.shutdown() })
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("shutting down", "drain", s.drainPeriod)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	// Readiness is already failing; give load balancers time to notice.
	time.Sleep(s.drainPeriod)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}
	s.closeStore()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
