// Package driver is the contract between a worker and the workload it runs. A workload exposes its probes so the
// worker can aggregate their latencies while the workload is running.
package driver

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
	"github.com/G-Research/loadforge/internal/performance"
)

// Workload is one benchmark. Setup and Teardown run once; Run is called for the run phase and must return when ctx
// is done.
type Workload interface {
	Setup(ctx context.Context, properties map[string]string) error
	Run(ctx context.Context) error
	Teardown(ctx context.Context) error
	Probes() []*performance.Probe
}

// Factory creates a fresh workload for a test.
type Factory func() Workload

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a workload under name, replacing any earlier registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *Registry) New(name string) (Workload, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &forgeerrors.ErrNotFound{Type: "workload", Value: name}
	}
	return factory(), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := maps.Keys(r.factories)
	sort.Strings(names)
	return names
}

// DefaultRegistry holds the built-in workloads.
func DefaultRegistry() *Registry {
	registry := NewRegistry()
	registry.Register(NoopWorkloadName, func() Workload { return NewNoopWorkload() })
	registry.Register(SleepWorkloadName, func() Workload { return NewSleepWorkload() })
	return registry
}
