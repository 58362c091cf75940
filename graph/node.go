package graph

import (
	"context"
	"time"
)

// Handler is the unit of work attached to a node.
//
// A handler receives a deep copy of the current workflow state and returns a
// partial state holding only the fields it writes. It must never mutate the
// state it was given; the engine merges the returned delta per field policy.
// Side effects to external systems are the handler's business, but a handler
// must not block indefinitely: the engine enforces a per-node timeout.
//
// Handlers never need their own recovery logic for budget purposes. The
// error-safe wrapper catches errors and panics, records them in the error
// log, and applies the error budget in one place.
type Handler func(ctx context.Context, state State) (State, error)

// NodePolicy overrides engine defaults for a single node.
type NodePolicy struct {
	// Timeout is the maximum execution time allowed for this node.
	// If zero, the engine's DefaultNodeTimeout is used.
	Timeout time.Duration
}

// NodeDefinition declares a named step in the graph.
//
// Writes lists the state fields the handler may return. Compile validates
// each against the schema and uses the lists to reject graphs where two
// concurrent fan-out branches write the same Overwrite field.
type NodeDefinition struct {
	ID      string
	Handler Handler
	Writes  []string
	Policy  *NodePolicy
}

// timeout resolves the effective timeout for this node given the engine
// default. Zero means unlimited.
func (n *NodeDefinition) timeout(defaultTimeout time.Duration) time.Duration {
	if n.Policy != nil && n.Policy.Timeout > 0 {
		return n.Policy.Timeout
	}
	return defaultTimeout
}
