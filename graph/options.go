package graph

import "time"

// Options configures Engine execution behavior.
//
// Zero values are valid; the Engine applies sensible defaults in New.
type Options struct {
	// MaxSteps limits the number of super-steps to prevent runaway loops.
	// If 0, no limit is enforced. Graphs using LoopEdge should always set
	// this.
	MaxSteps int

	// MaxConcurrentNodes bounds how many nodes of one fan-out frontier
	// execute concurrently. If 0, the whole frontier runs at once.
	MaxConcurrentNodes int

	// DefaultNodeTimeout applies to nodes without a NodePolicy override.
	// If 0, nodes run without a timeout.
	DefaultNodeTimeout time.Duration

	// CheckpointRetries is how many times a failed checkpoint save is
	// retried before the engine gives up on that step and proceeds.
	// Checkpointing is a durability aid, not a correctness requirement
	// for a single in-memory run.
	CheckpointRetries int

	// Resume loads the most recent checkpoint for the thread id, if one
	// exists, and continues from the frontier recorded there instead of
	// the graph's entry node.
	Resume bool
}

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine := graph.NewEngine(store, emitter,
//	    graph.WithMaxSteps(100),
//	    graph.WithDefaultNodeTimeout(10*time.Second),
//	)
type Option func(*Engine)

// WithMaxSteps limits execution to n super-steps. When exceeded, Run
// returns a FatalError wrapping ErrMaxStepsExceeded.
func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.opts.MaxSteps = n }
}

// WithMaxConcurrent bounds concurrent node execution within a frontier.
//
// Each running node holds a deep copy of the state, so memory scales with
// this bound. I/O-heavy graphs tolerate larger values than CPU-heavy ones.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) { e.opts.MaxConcurrentNodes = n }
}

// WithDefaultNodeTimeout sets the timeout for nodes without a per-node
// NodePolicy override. A node exceeding it is recorded as a timeout
// failure in the error log, not an engine fault.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.opts.DefaultNodeTimeout = d }
}

// WithCheckpointRetries sets the bounded retry count for checkpoint saves.
func WithCheckpointRetries(n int) Option {
	return func(e *Engine) { e.opts.CheckpointRetries = n }
}

// WithResume makes Run continue from the latest checkpoint for the thread
// id when one exists.
func WithResume(resume bool) Option {
	return func(e *Engine) { e.opts.Resume = resume }
}

// WithMetrics attaches Prometheus metrics collection to the engine.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}
