package heatmap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/healthscore/internal/retry"
)

func newBadgerTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	// Generous retries: the contract test makes many writers collide on one key.
	return NewBadgerStore(db).WithRetryPolicy(retry.Policy{MaxAttempts: 100, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond})
}

func TestBadgerStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newBadgerTestStore(t) }, 10)
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	key := BucketKey{ScopeID: "s", Category: CategoryErrors, Resolution: FiveMinutes, BucketStart: start}

	db, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, NewBadgerStore(db).Upsert(ctx, key, RiskSlot{StartTime: start, EndTime: start.Add(5 * time.Minute), RiskScore: 0.8}))
	require.NoError(t, db.Close())

	db, err = OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	buckets, err := NewBadgerStore(db).Buckets(ctx, BucketQuery{
		ScopeID: "s", Category: CategoryErrors, Resolution: FiveMinutes, From: start, To: key.BucketEnd(),
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 0.8, buckets[0].Risks[0].RiskScore)
}

func TestBadgerStorePing(t *testing.T) {
	db, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	s := NewBadgerStore(db)

	assert.NoError(t, s.Ping(context.Background()))
	require.NoError(t, db.Close())
	assert.Error(t, s.Ping(context.Background()))
}

func TestOpenBadgerRequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestBadgerRunGCStopsOnCancel(t *testing.T) {
	s := newBadgerTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.RunGC(ctx, time.Millisecond, testLogger())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond) // let a few in-memory GC rounds run
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunGC did not stop after cancel")
	}
}
