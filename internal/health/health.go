// Package health runs named dependency checks for the /health endpoint.
//
// A failing critical check makes the service unhealthy. A failing advisory
// check only degrades it: the ledger keeps serving reads while, say, the
// reward token endpoint is down.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds one CheckAll when the caller's context allows longer.
const DefaultTimeout = 3 * time.Second

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status is the outcome of one check.
type Status struct {
	Name     string  `json:"name"`
	Healthy  bool    `json:"healthy"`
	Critical bool    `json:"critical"`
	Detail   string  `json:"detail,omitempty"`
	Latency  float64 `json:"latencyMs"`
}

// Checker reports on one dependency. Name and Critical are filled in by the
// Registry.
type Checker func(ctx context.Context) Status

// Probe turns an error-returning call, such as a database ping, into a
// Checker.
func Probe(name string, fn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := fn(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Report aggregates one round of checks.
type Report struct {
	Status string   `json:"status"`
	Checks []Status `json:"checks"`
}

// OK reports whether no critical check failed.
func (r Report) OK() bool { return r.Status != StatusUnhealthy }

type entry struct {
	name     string
	critical bool
	check    Checker
}

// Registry is safe for concurrent Register and CheckAll.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a critical check.
func (r *Registry) Register(name string, check Checker) {
	r.add(entry{name: name, critical: true, check: check})
}

// RegisterAdvisory adds a check whose failure only degrades the service.
func (r *Registry) RegisterAdvisory(name string, check Checker) {
	r.add(entry{name: name, check: check})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently and returns the results in
// registration order. A check still running at the deadline is reported
// as timed out and left to finish on its own.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	timeout := r.timeout
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	checks := make([]Status, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			checks[i] = run(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: StatusHealthy, Checks: checks}
	for _, st := range checks {
		switch {
		case st.Healthy:
		case st.Critical:
			report.Status = StatusUnhealthy
		case report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

func run(ctx context.Context, e entry) Status {
	start := time.Now()
	done := make(chan Status, 1)
	go func() { done <- e.check(ctx) }()

	var st Status
	select {
	case st = <-done:
	case <-ctx.Done():
		st = Status{Detail: "timed out"}
	}
	st.Name = e.name
	st.Critical = e.critical
	st.Latency = float64(time.Since(start).Microseconds()) / 1000
	return st
}
