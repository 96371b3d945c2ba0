// Package health runs named dependency checks for the readiness check.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Check returns nil when the dependency is usable.
type Check func(ctx context.Context) error

type Registry struct {
	mu      sync.RWMutex
	names   []string
	checks  []Check
	timeout time.Duration
}

// NewRegistry returns a registry whose checks each get at most timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.checks = append(r.checks, check)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := append([]Check(nil), r.checks...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var g errgroup.Group
	for i := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			statuses[i] = Status{Name: names[i], Healthy: true}
			if err := checks[i](cctx); err != nil {
				statuses[i].Healthy = false
				statuses[i].Detail = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}
