// Package runtime is the payload-facing capability surface: the
// Runner resolves a JobDefinition's entryPointClass to a Handler through
// the Registry, then invokes it with a Context that exposes only the
// engine-API methods spec.md §4.6 step 4 names — sendMessage,
// sendProgress, addDeliverable, getWorkDir, enqueue, yield. The payload
// never receives the Gateway, Dispatcher, or Supervisor directly; this
// package is the classloading boundary the teacher's jobs/runtime
// package draws with its own Context/Registry pair.
package runtime

import (
	"fmt"
	"sync"
)

// Handler is one payload entry point, looked up by the JobDefinition's
// entryPointClass the way the teacher's registry looks up by JobType.
type Handler interface {
	EntryPoint() string
	Run(ctx *Context) error
}

// Registry is a process-local map of entryPointClass -> Handler,
// populated once at node startup (spec.md treats the artifact's
// entry-point name as an opaque string the engine resolves, not a
// dynamically loaded class).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under its own EntryPoint(). Registering the same
// entry point twice is a programmer error.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := h.EntryPoint()
	if _, exists := r.handlers[ep]; exists {
		return fmt.Errorf("jqm: entry point %q already registered", ep)
	}
	r.handlers[ep] = h
	return nil
}

func (r *Registry) Get(entryPoint string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[entryPoint]
	return h, ok
}
