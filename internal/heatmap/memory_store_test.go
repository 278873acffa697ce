package heatmap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() }, 50)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	key := BucketKey{ScopeID: "s", Category: CategoryErrors, Resolution: FiveMinutes, BucketStart: start}
	require.NoError(t, s.Upsert(ctx, key, RiskSlot{StartTime: start, RiskScore: 0.3}))

	q := BucketQuery{ScopeID: "s", Category: CategoryErrors, Resolution: FiveMinutes, From: start, To: key.BucketEnd()}
	buckets, err := s.Buckets(ctx, q)
	require.NoError(t, err)
	buckets[0].Risks[0].RiskScore = 1

	again, err := s.Buckets(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 0.3, again[0].Risks[0].RiskScore)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	key := BucketKey{ScopeID: "s", Category: CategoryErrors, Resolution: FiveMinutes, BucketStart: start}

	// Hold the key so the next upsert has to wait.
	unlock := s.locks.Lock(key.String())
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Upsert(ctx, key, RiskSlot{StartTime: start, RiskScore: 0.3})
	assert.ErrorIs(t, err, context.Canceled)
}
