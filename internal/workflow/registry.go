package workflow

import (
	"fmt"
	"sync"
)

// Registry is the process-wide, write-once-at-startup map of workflow
// name -> compiled workflow + graph (spec.md §9 "Dynamic dispatch").
// After Register calls finish at init time it is treated as read-only;
// Get is safe for concurrent use by many scheduler goroutines.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Compiled
}

// Compiled is a workflow paired with its validated dependency graph.
type Compiled struct {
	Workflow *Workflow
	Graph    *Graph
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]*Compiled)}
}

// Register validates and compiles a workflow, then adds it to the
// registry under its name. It fails closed: an invalid workflow is
// never registered.
func (r *Registry) Register(w *Workflow) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("workflow %q: %w", w.Name, err)
	}

	g, err := BuildGraph(w.Phases)
	if err != nil {
		return fmt.Errorf("workflow %q: %w", w.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[w.Name]; exists {
		return fmt.Errorf("workflow %q already registered", w.Name)
	}
	r.workflows[w.Name] = &Compiled{Workflow: w, Graph: g}
	return nil
}

// Get looks up a compiled workflow by name.
func (r *Registry) Get(name string) (*Compiled, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.workflows[name]
	return c, ok
}

// Names returns all registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for n := range r.workflows {
		names = append(names, n)
	}
	return names
}
