package heatmap

import (
	"context"
	"sync"

	"github.com/mbd888/healthscore/internal/syncutil"
)

// MemoryStore is an in-memory bucket store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	locks   *syncutil.KeyLock
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*Bucket),
		locks:   syncutil.NewKeyLock(syncutil.DefaultShards),
	}
}

func (m *MemoryStore) Upsert(ctx context.Context, key BucketKey, slot RiskSlot) error {
	k := key.String()
	unlock, err := m.locks.LockContext(ctx, k)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.RLock()
	b, ok := m.buckets[k]
	m.mu.RUnlock()
	if !ok {
		b = key.NewBucket()
		m.mu.Lock()
		m.buckets[k] = b
		m.mu.Unlock()
	}

	// Bucket contents are only touched under the key lock.
	b.Merge(slot)
	return nil
}

func (m *MemoryStore) Buckets(ctx context.Context, q BucketQuery) ([]*Bucket, error) {
	var out []*Bucket
	for _, key := range q.Keys() {
		k := key.String()

		m.mu.RLock()
		b, ok := m.buckets[k]
		m.mu.RUnlock()
		if !ok {
			continue
		}

		unlock, err := m.locks.LockContext(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, b.Clone())
		unlock()
	}
	return out, nil
}

// Len returns the number of stored buckets.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
