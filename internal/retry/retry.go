// Package retry re-runs operations that lose optimistic-concurrency races
// or hit transient upstream failures.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError stops a retry loop; Do returns the wrapped error.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy bounds a retry loop. The wait before retry n is BaseDelay·2^(n-1),
// capped at MaxDelay when set, with ±25% jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Conflicts suits optimistic transaction conflicts: the loser re-reads
// almost immediately.
var Conflicts = Policy{MaxAttempts: 8, BaseDelay: 2 * time.Millisecond}

// Backoff returns the un-jittered wait before retry n (n >= 1).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := p.BaseDelay << min(n-1, 30)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < p.BaseDelay) {
		return p.MaxDelay
	}
	return d
}

func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}

// Do calls fn until it succeeds, returns a PermanentError, the attempts run
// out or ctx ends. The last error from fn is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)

	var err error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			t := time.NewTimer(jitter(p.Backoff(n)))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
	}
	return err
}

// DoIf retries only the errors retryable accepts.
func (p Policy) DoIf(ctx context.Context, retryable func(error) bool, fn func() error) error {
	return p.Do(ctx, func() error {
		err := fn()
		if err != nil && !retryable(err) {
			return Permanent(err)
		}
		return err
	})
}
