// Package health aggregates per-subsystem readiness checks behind a
// single registry, so the readiness endpoint has one call to make.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of probing a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker checks one subsystem. The registry stamps the registered
// name onto the returned Status, so a checker only needs to fill
// Healthy and Detail.
type Checker func(ctx context.Context) Status

// Registry runs registered checkers in registration order.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds a checker under name. Re-registering a name replaces
// the previous checker and keeps its original position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.checks[name]; !seen {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// CheckAll runs every checker and reports whether all of them passed.
// Once the context is cancelled the remaining checks are failed with
// the context error instead of being run.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	checks := make(map[string]Checker, len(r.checks))
	for n, c := range r.checks {
		checks[n] = c
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		var st Status
		if err := ctx.Err(); err != nil {
			st = Status{Healthy: false, Detail: err.Error()}
		} else {
			st = checks[name](ctx)
		}
		st.Name = name
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
