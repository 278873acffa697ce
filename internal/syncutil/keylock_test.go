package syncutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestNewKeyLockShards(t *testing.T) {
	assert.Equal(t, DefaultShards, NewKeyLock(-1).Shards())
	assert.Equal(t, 8, NewKeyLock(8).Shards())
}

func TestLockSerializesReadModifyWrite(t *testing.T) {
	k := NewKeyLock(4)
	total := 0

	var g errgroup.Group
	for range 200 {
		g.Go(func() error {
			unlock, err := k.LockContext(context.Background(), "acct/org/proj/svc")
			if err != nil {
				return err
			}
			defer unlock()
			v := total
			time.Sleep(time.Microsecond)
			total = v + 1
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 200, total)
}

func TestLockContextGivesUp(t *testing.T) {
	k := NewKeyLock(1)
	defer k.Lock("held")()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	unlock, err := k.LockContext(ctx, "other key, same shard")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, unlock)
}

func TestKeysOnDifferentShardsDoNotBlock(t *testing.T) {
	k := NewKeyLock(64)
	a := "scope-0"
	b := ""
	for i := 1; b == ""; i++ {
		if c := fmt.Sprintf("scope-%d", i); k.shardIdx(c) != k.shardIdx(a) {
			b = c
		}
	}

	defer k.Lock(a)()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err := k.LockContext(ctx, b)
	require.NoError(t, err)
	unlock()
}

func TestUnlockWakesWaiter(t *testing.T) {
	k := NewKeyLock(16)
	unlock := k.Lock("a")

	got := make(chan struct{})
	go func() {
		k.Lock("a")()
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("waiter got a held lock")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter never got the lock")
	}
}
