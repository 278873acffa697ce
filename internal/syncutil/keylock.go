// Package syncutil provides bounded per-key locking for read-modify-write
// critical sections.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyLock when n <= 0.
const DefaultShards = 256

// KeyLock is a fixed-size pool of channel-based mutexes keyed by string.
// Memory stays bounded regardless of how many keys are seen, at the cost of
// occasional false sharing between keys that hash to the same shard.
// Waiters can bail out when their context is cancelled.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a KeyLock with n shards.
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = DefaultShards
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{} // start unlocked
	}
	return k
}

// LockContext acquires the lock for key. On success it returns an unlock
// function the caller MUST call. On cancellation it returns the context error.
func (k *KeyLock) LockContext(ctx context.Context, key string) (func(), error) {
	shard := k.shards[k.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lock acquires the lock for key without a deadline.
func (k *KeyLock) Lock(key string) func() {
	unlock, _ := k.LockContext(context.Background(), key)
	return unlock
}

// Shards reports the number of shards.
func (k *KeyLock) Shards() int { return len(k.shards) }

func (k *KeyLock) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.shards))
}
