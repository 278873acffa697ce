package heatmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/mbd888/healthscore/internal/retry"
)

const badgerKeyPrefix = "heatmap/"

// BadgerConfig configures an embedded bucket database.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in memory; data is lost on close.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens a badger database for bucket storage.
func OpenBadger(cfg BadgerConfig) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("heatmap: badger path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// BadgerStore keeps each bucket as one JSON value in an embedded badger
// database. Badger transactions are optimistic: a concurrent writer to the
// same key fails its commit with ErrConflict and is retried on a fresh read.
type BadgerStore struct {
	db     *badger.DB
	policy retry.Policy
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, policy: retry.Conflicts}
}

// WithRetryPolicy overrides the conflict retry policy.
func (b *BadgerStore) WithRetryPolicy(p retry.Policy) *BadgerStore {
	b.policy = p
	return b
}

func badgerKey(key BucketKey) []byte {
	return []byte(badgerKeyPrefix + key.String())
}

func (b *BadgerStore) Upsert(ctx context.Context, key BucketKey, slot RiskSlot) error {
	k := badgerKey(key)
	isConflict := func(err error) bool { return errors.Is(err, badger.ErrConflict) }

	return b.policy.DoIf(ctx, isConflict, func() error {
		return b.db.Update(func(txn *badger.Txn) error {
			bucket := key.NewBucket()

			item, err := txn.Get(k)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, bucket)
				}); err != nil {
					return fmt.Errorf("decode bucket %s: %w", key, err)
				}
			}

			bucket.Merge(slot)
			data, err := json.Marshal(bucket)
			if err != nil {
				return err
			}
			return txn.Set(k, data)
		})
	})
}

func (b *BadgerStore) Buckets(ctx context.Context, q BucketQuery) ([]*Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*Bucket
	err := b.db.View(func(txn *badger.Txn) error {
		for _, key := range q.Keys() {
			item, err := txn.Get(badgerKey(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			bucket := &Bucket{}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, bucket)
			}); err != nil {
				return fmt.Errorf("decode bucket %s: %w", key, err)
			}
			out = append(out, bucket)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping reports whether the database is still open.
func (b *BadgerStore) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("heatmap: badger database is closed")
	}
	return nil
}

// RunGC runs value log garbage collection every interval until ctx is done.
func (b *BadgerStore) RunGC(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Keep collecting while badger finds files worth rewriting.
			for {
				err := b.db.RunValueLogGC(0.5)
				if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) ||
					errors.Is(err, badger.ErrGCInMemoryMode) {
					break
				}
				if err != nil {
					logger.Warn("badger value log gc failed", "error", err)
					break
				}
			}
		}
	}
}
