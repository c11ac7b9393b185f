package agentwire

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the agents a Coordinator can execute, keyed by id.
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry returns an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent under the given id. Registering an id twice is
// an error; use a fresh id or build a new registry.
func (r *Registry) Register(id string, agent Agent) error {
	if id == "" {
		return fmt.Errorf("agent id is required")
	}
	if agent == nil {
		return fmt.Errorf("agent %q is nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		return fmt.Errorf("agent %q already registered", id)
	}
	r.agents[id] = agent
	return nil
}

// MustRegister is like Register but panics on error. Useful in main().
func (r *Registry) MustRegister(id string, agent Agent) {
	if err := r.Register(id, agent); err != nil {
		panic(err)
	}
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	return agent, nil
}

// Names returns all registered agent ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
