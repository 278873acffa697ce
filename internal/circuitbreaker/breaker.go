// Package circuitbreaker sheds calls to a failing dependency. Each key
// (one per backend operation) moves independently between closed, open and
// half-open.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the position of one key in the breaker state machine.
type State int

const (
	StateClosed   State = iota // calls pass
	StateOpen                  // calls rejected until the cool-down ends
	StateHalfOpen              // a single trial call is in flight
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "healthscore",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Breaker state changes by key.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

// KeyStatus is a point-in-time view of one key.
type KeyStatus struct {
	Key       string    `json:"key"`
	State     string    `json:"state"`
	Failures  int       `json:"consecutiveFailures"`
	OpenUntil time.Time `json:"openUntil,omitempty"`
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker trips a key open after threshold consecutive failures. Once the
// cool-down has passed, the next Allow moves the key to half-open and lets
// exactly one trial call through; its outcome closes or reopens the key.
type Breaker struct {
	threshold int
	coolDown  time.Duration

	mu       sync.Mutex
	circuits map[string]*circuit
	now      func() time.Time
	notify   func(key string, from, to State)
}

// New returns a breaker. Non-positive arguments fall back to 5 failures and
// a 30 second cool-down.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		coolDown:  coolDown,
		circuits:  map[string]*circuit{},
		now:       time.Now,
	}
}

// WithClock swaps the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// OnTransition registers fn to be called, on its own goroutine, after every
// state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = fn
}

// Allow reports whether a call for key may go ahead.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(c.openedAt.Add(b.coolDown)) {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	default:
		return false
	}
}

// RecordSuccess clears the failure streak and closes a probing key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		c.failures = 0
		b.move(key, c, StateClosed)
	}
}

// RecordFailure extends the failure streak. A failed trial call reopens the key
// immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	}
}

// Release hands back a half-open trial call that ended without a verdict.
// The key returns to open with its original openedAt, so the next Allow
// admits another trial at once. Other states are left alone.
func (b *Breaker) Release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil && c.state == StateHalfOpen {
		b.move(key, c, StateOpen)
	}
}

// State returns the state of key; keys never seen are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// Snapshot lists every key that has failed at least once, sorted by key.
func (b *Breaker) Snapshot() []KeyStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]KeyStatus, 0, len(b.circuits))
	for key, c := range b.circuits {
		ks := KeyStatus{Key: key, State: c.state.String(), Failures: c.failures}
		if c.state == StateOpen {
			ks.OpenUntil = c.openedAt.Add(b.coolDown).UTC()
		}
		out = append(out, ks)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Open reports whether any key is currently open or probing.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.circuits {
		if c.state != StateClosed {
			return true
		}
	}
	return false
}

// move must be called with b.mu held.
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if fn := b.notify; fn != nil {
		go fn(key, from, to)
	}
}
