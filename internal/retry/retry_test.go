package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

// failing returns fn that fails n times, then succeeds, counting calls.
func failing(n int, calls *int) func() error {
	return func() error {
		*calls++
		if *calls <= n {
			return errBusy
		}
		return nil
	}
}

func TestPolicy_Do(t *testing.T) {
	fast := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	tests := []struct {
		name      string
		policy    Policy
		failures  int
		wantErr   error
		wantCalls int
	}{
		{"first try", fast, 0, nil, 1},
		{"succeeds on last attempt", fast, 2, nil, 3},
		{"attempts exhausted", fast, 5, errBusy, 3},
		{"zero attempts still runs once", Policy{}, 0, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := tt.policy.Do(context.Background(), failing(tt.failures, &calls))
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestPolicy_DoPermanent(t *testing.T) {
	fatal := errors.New("disk full")
	var calls int
	err := Conflicts.Do(context.Background(), func() error {
		calls++
		return Permanent(fatal)
	})

	assert.Same(t, fatal, err, "the wrapper is stripped")
	assert.Equal(t, 1, calls)
}

func TestPolicy_DoIf(t *testing.T) {
	conflict := errors.New("conflict")
	fatal := errors.New("disk full")

	var calls int
	err := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}.DoIf(context.Background(),
		func(err error) bool { return errors.Is(err, conflict) },
		func() error {
			calls++
			if calls < 3 {
				return conflict
			}
			return fatal
		})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 3, calls)
}

func TestPolicy_ContextCancellation(t *testing.T) {
	t.Run("before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var calls int
		err := Conflicts.Do(ctx, failing(0, &calls))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls)
	})

	t.Run("during backoff", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		var calls int
		start := time.Now()
		err := Policy{MaxAttempts: 10, BaseDelay: time.Second}.Do(ctx, failing(100, &calls))

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 1, calls)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond}
	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 10*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 20*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 80*time.Millisecond, p.Backoff(4))

	capped := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond}
	assert.Equal(t, 20*time.Millisecond, capped.Backoff(2))
	assert.Equal(t, 25*time.Millisecond, capped.Backoff(3))
	assert.Equal(t, 25*time.Millisecond, capped.Backoff(200), "large attempt numbers stay capped")
}

func TestJitter(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := jitter(100 * time.Millisecond)
		require.GreaterOrEqual(t, d, 75*time.Millisecond)
		require.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Equal(t, time.Duration(3), jitter(3), "too small to spread")
}

func TestPermanent_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	assert.ErrorIs(t, Permanent(inner), inner)
	assert.Equal(t, "inner", Permanent(inner).Error())
}
