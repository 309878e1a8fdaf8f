// Package tools holds in-process executors for local actions.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ExecutorFunc runs a local action and returns its result.
type ExecutorFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Registry stores executors keyed by action name.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ExecutorFunc
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]ExecutorFunc),
	}
}

// Register adds a new executor for an action.
func (r *Registry) Register(action string, exec ExecutorFunc) error {
	if action == "" {
		return fmt.Errorf("action name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[action]; exists {
		return fmt.Errorf("executor already registered for %s", action)
	}
	r.executors[action] = exec
	return nil
}

// MustRegister adds an executor or panics.
func (r *Registry) MustRegister(action string, exec ExecutorFunc) {
	if err := r.Register(action, exec); err != nil {
		panic(err)
	}
}

// Lookup returns the executor for an action.
func (r *Registry) Lookup(action string) (ExecutorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[action]
	return exec, ok
}

// Execute runs the executor for the action.
func (r *Registry) Execute(ctx context.Context, action string, input json.RawMessage) (json.RawMessage, error) {
	exec, ok := r.Lookup(action)
	if !ok {
		return nil, fmt.Errorf("no executor registered for %s", action)
	}
	return exec(ctx, input)
}

// Actions lists registered action names.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
