// Package graph provides the stateful graph orchestration core: a directed
// graph of named nodes over a shared workflow state, executed in super-steps
// with fan-out/fan-in concurrency, per-node error containment, an error
// budget with fallback termination, and thread-keyed checkpointing.
package graph

// Edge is a static transition between two nodes.
//
// A node with multiple outgoing static edges fans out: the engine schedules
// all targets concurrently in the next super-step and joins them before
// continuing. Fan-out edges may be marked non-critical (best effort): a
// failure on a non-critical branch is recorded in the error log but does
// not count toward the error budget.
type Edge struct {
	From string
	To   string

	// Critical marks whether a failure of the target node counts toward
	// the error budget. Defaults to true via AddEdge.
	Critical bool

	// Loop marks an intentional back-edge. Loop edges are excluded from
	// cycle validation at compile time.
	Loop bool
}

// Predicate evaluates the merged state to decide whether a conditional
// branch fires. Predicates should be pure; a predicate that panics is
// treated as if it selected the conditional's fallback branch.
type Predicate func(state State) bool

// Branch is one arm of a conditional edge.
type Branch struct {
	When Predicate
	To   string
}

// Conditional routes from a node to the first branch whose predicate
// matches the merged state. If no branch matches, or a predicate panics,
// the Fallback target is used; an empty Fallback means the path simply
// terminates.
type Conditional struct {
	From     string
	Branches []Branch
	Fallback string
}
