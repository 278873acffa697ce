package heatmap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behavior every Store backend must share.
// writers is the number of concurrent upserts aimed at one slot.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store, writers int) {
	ctx := context.Background()
	bucketStart := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	key := BucketKey{ScopeID: "acct/org/proj/svc", Category: CategoryErrors, Resolution: FiveMinutes, BucketStart: bucketStart}
	slotAt := func(min int, risk float64, metrics, logs int64) RiskSlot {
		start := bucketStart.Add(time.Duration(min) * time.Minute)
		return RiskSlot{
			StartTime: start, EndTime: start.Add(5 * time.Minute),
			RiskScore: risk, AnomalousMetricsCount: metrics, AnomalousLogsCount: logs,
		}
	}
	query := func(k BucketKey) BucketQuery {
		return BucketQuery{
			ScopeID: k.ScopeID, Category: k.Category, Resolution: k.Resolution,
			From: k.BucketStart, To: k.BucketEnd(),
		}
	}

	t.Run("upsert creates bucket", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, key, slotAt(5, 0.4, 1, 2)))

		buckets, err := s.Buckets(ctx, query(key))
		require.NoError(t, err)
		require.Len(t, buckets, 1)

		b := buckets[0]
		assert.Equal(t, key.ScopeID, b.ScopeID)
		assert.Equal(t, key.Category, b.Category)
		assert.Equal(t, "FIVE_MIN", b.Resolution)
		assert.True(t, b.BucketStart.Equal(bucketStart))
		assert.True(t, b.BucketEnd.Equal(bucketStart.Add(4*time.Hour)))
		require.Len(t, b.Risks, 1)
		assert.True(t, b.Risks[0].StartTime.Equal(bucketStart.Add(5*time.Minute)))
		assert.InDelta(t, 0.4, b.Risks[0].RiskScore, 1e-9)
	})

	t.Run("upsert merges slot", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, key, slotAt(0, 0.6, 10, 9)))
		require.NoError(t, s.Upsert(ctx, key, slotAt(0, 0.7, 5, 8)))
		require.NoError(t, s.Upsert(ctx, key, slotAt(0, 0.5, 5, 5)))

		buckets, err := s.Buckets(ctx, query(key))
		require.NoError(t, err)
		require.Len(t, buckets, 1)
		require.Len(t, buckets[0].Risks, 1)

		slot := buckets[0].Risks[0]
		assert.InDelta(t, 0.7, slot.RiskScore, 1e-9)
		assert.Equal(t, int64(20), slot.AnomalousMetricsCount)
		assert.Equal(t, int64(22), slot.AnomalousLogsCount)
	})

	t.Run("slots sorted by start", func(t *testing.T) {
		s := newStore(t)
		for _, m := range []int{30, 0, 15} {
			require.NoError(t, s.Upsert(ctx, key, slotAt(m, 0.1, 0, 0)))
		}

		buckets, err := s.Buckets(ctx, query(key))
		require.NoError(t, err)
		require.Len(t, buckets, 1)
		require.Len(t, buckets[0].Risks, 3)
		assert.True(t, buckets[0].Risks[0].StartTime.Equal(bucketStart))
		assert.True(t, buckets[0].Risks[1].StartTime.Equal(bucketStart.Add(15*time.Minute)))
		assert.True(t, buckets[0].Risks[2].StartTime.Equal(bucketStart.Add(30*time.Minute)))
	})

	t.Run("range query floors from and excludes to", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			k := key
			k.BucketStart = bucketStart.Add(time.Duration(i) * 4 * time.Hour)
			require.NoError(t, s.Upsert(ctx, k, RiskSlot{
				StartTime: k.BucketStart, EndTime: k.BucketStart.Add(5 * time.Minute), RiskScore: 0.2,
			}))
		}

		buckets, err := s.Buckets(ctx, BucketQuery{
			ScopeID: key.ScopeID, Category: key.Category, Resolution: FiveMinutes,
			From: bucketStart.Add(90 * time.Minute),
			To:   bucketStart.Add(8 * time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, buckets, 2)
		assert.True(t, buckets[0].BucketStart.Equal(bucketStart))
		assert.True(t, buckets[1].BucketStart.Equal(bucketStart.Add(4*time.Hour)))
	})

	t.Run("keys are isolated", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, key, slotAt(0, 0.9, 0, 0)))

		for _, other := range []BucketKey{
			{ScopeID: "acct/org/proj/other", Category: key.Category, Resolution: key.Resolution, BucketStart: key.BucketStart},
			{ScopeID: key.ScopeID, Category: CategoryPerformance, Resolution: key.Resolution, BucketStart: key.BucketStart},
			{ScopeID: key.ScopeID, Category: key.Category, Resolution: ThirtyMinutes, BucketStart: ThirtyMinutes.BucketStart(bucketStart)},
		} {
			buckets, err := s.Buckets(ctx, query(other))
			require.NoError(t, err)
			assert.Empty(t, buckets, other.String())
		}
	})

	t.Run("missing buckets", func(t *testing.T) {
		s := newStore(t)
		buckets, err := s.Buckets(ctx, query(key))
		require.NoError(t, err)
		assert.Empty(t, buckets)
	})

	t.Run("concurrent upserts lose nothing", func(t *testing.T) {
		s := newStore(t)

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Upsert(ctx, key, slotAt(10, float64(i)/100, 1, 2))
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		buckets, err := s.Buckets(ctx, query(key))
		require.NoError(t, err)
		require.Len(t, buckets, 1)
		require.Len(t, buckets[0].Risks, 1)
		slot := buckets[0].Risks[0]
		assert.InDelta(t, float64(writers-1)/100, slot.RiskScore, 1e-9)
		assert.Equal(t, int64(writers), slot.AnomalousMetricsCount)
		assert.Equal(t, int64(2*writers), slot.AnomalousLogsCount)
	})
}
