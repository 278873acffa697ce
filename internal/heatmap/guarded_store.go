package heatmap

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/healthscore/internal/circuitbreaker"
	"github.com/mbd888/healthscore/internal/traces"
)

// GuardedStore wraps a backend with a circuit breaker and latency metrics.
// While the breaker for an operation is open, calls fail fast with
// ErrStoreUnavailable instead of piling onto a sick backend.
type GuardedStore struct {
	inner   Store
	backend string
	breaker *circuitbreaker.Breaker
}

// NewGuardedStore wraps inner. backend labels metrics and breaker keys.
func NewGuardedStore(inner Store, backend string, breaker *circuitbreaker.Breaker) *GuardedStore {
	return &GuardedStore{inner: inner, backend: backend, breaker: breaker}
}

func (g *GuardedStore) Upsert(ctx context.Context, key BucketKey, slot RiskSlot) error {
	return g.call(ctx, "upsert", func(ctx context.Context) error {
		return g.inner.Upsert(ctx, key, slot)
	})
}

func (g *GuardedStore) Buckets(ctx context.Context, q BucketQuery) ([]*Bucket, error) {
	var out []*Bucket
	err := g.call(ctx, "buckets", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Buckets(ctx, q)
		return err
	})
	return out, err
}

// Ping forwards to the wrapped store when it supports it.
func (g *GuardedStore) Ping(ctx context.Context) error {
	if p, ok := g.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// BreakerState reports the breaker state for an operation.
func (g *GuardedStore) BreakerState(op string) circuitbreaker.State {
	return g.breaker.State(g.breakerKey(op))
}

func (g *GuardedStore) breakerKey(op string) string {
	return g.backend + "." + op
}

func (g *GuardedStore) call(ctx context.Context, op string, fn func(context.Context) error) error {
	key := g.breakerKey(op)
	if !g.breaker.Allow(key) {
		hmStoreRejected.WithLabelValues(g.backend, op).Inc()
		return ErrStoreUnavailable
	}

	ctx, span := traces.StartSpan(ctx, "store."+op, traces.Backend(g.backend))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	hmStoreLatency.WithLabelValues(g.backend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	switch {
	case err == nil:
		g.breaker.RecordSuccess(key)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// The caller gave up, which says nothing about backend health.
		g.breaker.Release(key)
	default:
		g.breaker.RecordFailure(key)
		return storeError(op, err)
	}
	return err
}
