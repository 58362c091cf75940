// Package capability defines external capabilities that workflow nodes can
// invoke: LLM providers, search backends, and anything else that crosses a
// network boundary. Failures from capabilities carry the capability name so
// the engine's error log can distinguish external failures from handler
// bugs.
package capability

import (
	"context"
	"fmt"
	"sync"
)

// Capability is a named external operation a node can call.
//
// Implementations should respect context cancellation and return *Error for
// failures so callers can identify which capability failed.
type Capability interface {
	// Name uniquely identifies the capability within a registry.
	Name() string

	// Invoke executes the capability with the given input and returns its
	// output. Input and output shapes are capability-specific.
	Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Error is a failure raised by a capability invocation. It wraps the
// underlying cause and names the capability, which error classification
// upstream relies on.
type Error struct {
	Capability string
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("capability %s: %s: %v", e.Capability, e.Message, e.Cause)
	}
	return fmt.Sprintf("capability %s: %s", e.Capability, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// CapabilityName returns the name of the failing capability.
func (e *Error) CapabilityName() string { return e.Capability }

// Registry is a thread-safe collection of capabilities keyed by name.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// Register adds a capability. Registering a name twice replaces the earlier
// entry.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return fmt.Errorf("cannot register nil capability")
	}
	if c.Name() == "" {
		return fmt.Errorf("capability name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[c.Name()] = c
	return nil
}

// Get returns the named capability, or false when absent.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[name]
	return c, ok
}

// Names returns the registered capability names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	return names
}

// Invoke looks up and invokes the named capability. A missing capability is
// itself a *Error so callers handle it uniformly.
func (r *Registry) Invoke(ctx context.Context, name string, input map[string]interface{}) (map[string]interface{}, error) {
	c, ok := r.Get(name)
	if !ok {
		return nil, &Error{Capability: name, Message: "not registered"}
	}
	out, err := c.Invoke(ctx, input)
	if err != nil {
		if _, already := err.(*Error); already {
			return nil, err
		}
		return nil, &Error{Capability: name, Message: "invocation failed", Cause: err}
	}
	return out, nil
}
