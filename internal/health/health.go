// Package health runs named subsystem checks for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 2 * time.Second

// Status is the result of one check.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// Checker inspects one subsystem.
type Checker func(ctx context.Context) Status

// Pinger reports reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker turns a Pinger into a Checker.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		st := Status{Name: name, Healthy: true}
		if err := p.Ping(ctx); err != nil {
			st.Healthy, st.Detail = false, err.Error()
		}
		return st
	}
}

// Report aggregates a CheckAll run. Healthy is false when a required check
// failed; Degraded is true when only optional checks failed.
type Report struct {
	Healthy  bool
	Degraded bool
	Checks   []Status
}

type registration struct {
	name     string
	check    Checker
	optional bool
}

// Registry holds checks in registration order.
type Registry struct {
	mu      sync.RWMutex
	checks  []registration
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
	return r
}

// Register adds a required check.
func (r *Registry) Register(name string, check Checker) {
	r.add(registration{name: name, check: check})
}

// RegisterOptional adds a check whose failure degrades but does not fail
// the report.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(registration{name: name, check: check, optional: true})
}

func (r *Registry) add(reg registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, reg)
}

// CheckAll runs every check concurrently under the registry timeout.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checks := append([]registration(nil), r.checks...)
	timeout := r.timeout
	r.mu.RUnlock()

	results := make([]Status, len(checks))
	var g errgroup.Group
	for i, reg := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			st := reg.check(cctx)
			if st.Name == "" {
				st.Name = reg.name
			}
			st.Optional = reg.optional
			results[i] = st
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Healthy: true, Checks: results}
	for _, st := range results {
		switch {
		case st.Healthy:
		case st.Optional:
			rep.Degraded = true
		default:
			rep.Healthy = false
		}
	}
	return rep
}
