package heatmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/healthscore/internal/retry"
)

const redisKeyPrefix = "healthscore:heatmap:"

// RedisStore keeps each bucket as one JSON string in Redis. Upsert is a
// WATCH/MULTI transaction: if another writer touches the key between read
// and exec, the transaction aborts with TxFailedErr and is retried.
type RedisStore struct {
	client *redis.Client
	policy retry.Policy
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, policy: retry.Conflicts}
}

// NewRedisClient builds a client from a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// WithRetryPolicy overrides the conflict retry policy.
func (r *RedisStore) WithRetryPolicy(p retry.Policy) *RedisStore {
	r.policy = p
	return r
}

func redisKey(key BucketKey) string {
	return redisKeyPrefix + key.String()
}

func (r *RedisStore) Upsert(ctx context.Context, key BucketKey, slot RiskSlot) error {
	k := redisKey(key)
	isConflict := func(err error) bool { return errors.Is(err, redis.TxFailedErr) }

	return r.policy.DoIf(ctx, isConflict, func() error {
		return r.client.Watch(ctx, func(tx *redis.Tx) error {
			bucket := key.NewBucket()

			data, err := tx.Get(ctx, k).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				if err := json.Unmarshal(data, bucket); err != nil {
					return fmt.Errorf("decode bucket %s: %w", key, err)
				}
			}

			bucket.Merge(slot)
			encoded, err := json.Marshal(bucket)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, k, encoded, 0)
				return nil
			})
			return err
		}, k)
	})
}

func (r *RedisStore) Buckets(ctx context.Context, q BucketQuery) ([]*Bucket, error) {
	keys := q.Keys()
	if len(keys) == 0 {
		return nil, nil
	}

	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = redisKey(key)
	}

	values, err := r.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, err
	}

	var out []*Bucket
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // nil: bucket never written
		}
		bucket := &Bucket{}
		if err := json.Unmarshal([]byte(s), bucket); err != nil {
			return nil, fmt.Errorf("decode bucket %s: %w", keys[i], err)
		}
		out = append(out, bucket)
	}
	return out, nil
}

// Ping checks Redis connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
