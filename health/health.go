// Package health implements a health check aggregator: a registry of
// named checks, each reporting up or down, rolled up into a single
// aggregate status.
//
// Design Notes:
//   - A named registry of independent probes collected into one
//     snapshot on demand, trading statistical sliding-window
//     aggregation (not applicable to pass/fail checks) for a simpler
//     named-check rollup, keeping the "collect everything, then
//     summarize" shape.
package health

import (
	"context"
	"sync"
)

// Status is a single check's (or the aggregate's) result.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Result is what a Check returns.
type Result struct {
	Status  Status
	Details string
}

// Check probes one dependency or subsystem.
type Check func(ctx context.Context) Result

// registration pairs a named check with whether it is critical to the
// aggregate status.
type registration struct {
	name     string
	check    Check
	critical bool
}

// Registry is the C-less aggregator component: named checks rolled up
// into one report.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byName map[string]registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]registration)}
}

// Register adds a named check. critical marks it as able to bring the
// aggregate status down.
func (r *Registry) Register(name string, critical bool, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = registration{name: name, check: check, critical: critical}
}

// Unregister removes a named check.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		return
	}
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Report is the aggregated health snapshot.
type Report struct {
	Status Status
	Checks map[string]Result
}

// Run executes every registered check and rolls up the aggregate
// status: down if any critical check is down.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	regs := make([]registration, len(r.order))
	for i, name := range r.order {
		regs[i] = r.byName[name]
	}
	r.mu.RUnlock()

	report := Report{Status: StatusUp, Checks: make(map[string]Result, len(regs))}
	for _, reg := range regs {
		result := reg.check(ctx)
		report.Checks[reg.name] = result
		if result.Status == StatusDown && reg.critical {
			report.Status = StatusDown
		}
	}
	return report
}
