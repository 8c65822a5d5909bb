// Package runners provides the built-in node runners and the registry the
// engine resolves them from.
package runners

import (
	"sync"

	"github.com/loomworks/loom/internal/engine"
)

// Registry maps runner type keys ("type" or "type.subtype") to Runners.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]engine.Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]engine.Runner)}
}

// Register binds a runner type key to its Runner, replacing any previous
// binding.
func (r *Registry) Register(runnerType string, runner engine.Runner) {
	r.mu.Lock()
	r.runners[runnerType] = runner
	r.mu.Unlock()
}

// Get resolves a runner type key.
func (r *Registry) Get(runnerType string) (engine.Runner, bool) {
	r.mu.RLock()
	runner, ok := r.runners[runnerType]
	r.mu.RUnlock()
	return runner, ok
}

// Has reports whether a runner type key is registered.
func (r *Registry) Has(runnerType string) bool {
	_, ok := r.Get(runnerType)
	return ok
}

// Types returns the registered runner type keys.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	return types
}

// NewDefaultRegistry returns a registry with every built-in runner bound.
func NewDefaultRegistry() (*Registry, error) {
	conditionRunner, err := NewCondition()
	if err != nil {
		return nil, err
	}

	r := NewRegistry()
	r.Register("trigger.manual", NewTrigger())
	r.Register("trigger.schedule", NewTrigger())
	r.Register("trigger.webhook", NewTrigger())
	r.Register("noop", NewNoop())
	r.Register("set", NewSet())
	r.Register("condition", conditionRunner)
	r.Register("transform", NewTransform())
	r.Register("iterate", NewIterate())
	r.Register("merge", NewMerge())
	r.Register("delay", NewDelay())
	r.Register("wait", NewWait())
	r.Register("approval", NewApproval())
	return r, nil
}
