package agent

import (
	"fmt"
	"sort"
)

// Binding ties a job type to the agent that handles it.
type Binding struct {
	AgentID  string
	Executor Executor
}

// Registry maps job types to bindings. It is populated once at startup and
// read-only afterwards, so no locking.
type Registry struct {
	bindings map[string]Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: map[string]Binding{}}
}

// Register binds a job type. Re-registering a type is a programming error.
func (r *Registry) Register(jobType, agentID string, exec Executor) error {
	if jobType == "" || agentID == "" || exec == nil {
		return fmt.Errorf("register %q: job type, agent id and executor are required", jobType)
	}
	if _, ok := r.bindings[jobType]; ok {
		return fmt.Errorf("register %q: already bound", jobType)
	}
	r.bindings[jobType] = Binding{AgentID: agentID, Executor: exec}
	return nil
}

// Lookup resolves a job type; ok is false for unregistered types, which the
// dispatcher treats as a permanent failure.
func (r *Registry) Lookup(jobType string) (Binding, bool) {
	b, ok := r.bindings[jobType]
	return b, ok
}

// Types lists the registered job types, sorted, for startup logging.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.bindings))
	for t := range r.bindings {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
