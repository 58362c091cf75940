package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/stategraph-go/graph/emit"
	"github.com/dshills/stategraph-go/graph/store"
)

// Engine drives a compiled graph against a workflow state in super-steps.
//
// The Engine is the explicit execution context for a run: it owns the
// checkpoint store and observability wiring, and it is the only writer of
// the authoritative state while Run executes. There are no package-level
// singletons; construct one Engine per deployment surface and share it
// across runs (it is stateless between calls).
//
// A super-step executes the current frontier (one node, or the whole
// fan-out set) concurrently, merges the settled deltas per field policy,
// writes a checkpoint, and computes the next frontier from static edges and
// conditional predicates. Node failures are contained by the error-safe
// wrapper and spend error budget; only engine-level faults surface as
// errors from Run.
//
// Example:
//
//	st := store.NewMemStore[graph.State]()
//	engine := graph.NewEngine(st, emit.NewLogEmitter(nil, false),
//	    graph.WithMaxSteps(50),
//	    graph.WithDefaultNodeTimeout(30*time.Second),
//	)
//	final, err := engine.Run(ctx, compiled, initial, "sess-42",
//	    graph.ErrorBudget{MaxErrors: 5, MaxRecoveryAttempts: 2})
type Engine struct {
	store   store.Store[State]
	emitter emit.Emitter
	metrics *Metrics
	opts    Options
}

// NewEngine creates an Engine with the given checkpoint store and emitter.
// A nil emitter discards events.
func NewEngine(st store.Store[State], emitter emit.Emitter, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		emitter: emitter,
		opts: Options{
			CheckpointRetries: 3,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.emitter == nil {
		e.emitter = emit.NewNullEmitter()
	}
	return e
}

// frontierEntry is one scheduled node in the current super-step. critical
// records whether the edge that reached it was critical; failures on
// non-critical entries are logged without spending budget.
type frontierEntry struct {
	node     string
	critical bool
}

// Run executes the graph to completion, fallback, or fault.
//
// The state flows: initial (or latest checkpoint when resuming) → per-step
// merged states → final state. The returned state always carries the
// reserved fields; check State.ShouldFallback or FieldTerminated to
// distinguish a budget-exhausted fallback termination from completion.
// Fallback is a normal terminal state, not an error.
//
// Errors returned are engine-level only: invalid configuration, context
// cancellation, MaxSteps exhaustion, or a checkpoint load failure during
// requested resumption. All of them are *FatalError except context errors.
func (e *Engine) Run(ctx context.Context, g *CompiledGraph, initial State, threadID string, budget ErrorBudget) (State, error) {
	if e.store == nil {
		return nil, &FatalError{Message: "checkpoint store is required", Code: "MISSING_STORE"}
	}
	if g == nil {
		return nil, &FatalError{Message: "compiled graph is required", Code: "MISSING_GRAPH"}
	}

	state, err := initial.Clone()
	if err != nil {
		return nil, &FatalError{Message: "initial state is not serializable", Code: "BAD_STATE", Cause: err}
	}

	frontier := []frontierEntry{{node: g.entry, critical: true}}
	step := 0

	if e.opts.Resume {
		cp, loadErr := e.store.LoadLatest(ctx, threadID)
		switch {
		case loadErr == nil:
			state = cp.State
			step = cp.Step
			frontier = frontier[:0]
			for _, fn := range cp.Frontier {
				frontier = append(frontier, frontierEntry{node: fn.Node, critical: fn.Critical})
			}
			e.emitter.Emit(emit.Event{
				ThreadID: threadID,
				Step:     step,
				Msg:      emit.MsgResume,
				Meta:     map[string]interface{}{"checkpoint_step": cp.Step},
			})
			if len(frontier) == 0 {
				// The thread already reached a terminal state.
				return state, nil
			}
		case errors.Is(loadErr, store.ErrNotFound):
			// Fresh thread, start at the entry node.
		default:
			return nil, &FatalError{Message: "failed to load checkpoint for resume", Code: "RESUME_FAILED", Cause: loadErr}
		}
	}

	e.emitter.Emit(emit.Event{ThreadID: threadID, Msg: emit.MsgRunStart, Meta: map[string]interface{}{"graph_id": g.id}})

	runner := &safeRunner{budget: budget, defaultTimeout: e.opts.DefaultNodeTimeout}

	for len(frontier) > 0 {
		if ctx.Err() != nil {
			return state, ctx.Err()
		}

		step++
		if e.opts.MaxSteps > 0 && step > e.opts.MaxSteps {
			return state, &FatalError{
				Message: fmt.Sprintf("run exceeded %d steps", e.opts.MaxSteps),
				Code:    "MAX_STEPS_EXCEEDED",
				Cause:   ErrMaxStepsExceeded,
			}
		}

		outcomes, err := e.runFrontier(ctx, g, runner, frontier, state, threadID, step)
		if err != nil {
			return state, err
		}

		merged, attempts := e.mergeOutcomes(g, state, outcomes, threadID, step)

		shouldFallback := merged.ShouldFallback() || budget.Exhausted(merged.ErrorLog(), attempts)
		if shouldFallback {
			merged[FieldShouldFallback] = true
		}

		var next []frontierEntry
		if !shouldFallback {
			next = e.nextFrontier(g, frontier, merged)
		}
		if shouldFallback {
			merged[FieldTerminated] = TerminatedFallback
		} else if len(next) == 0 {
			merged[FieldTerminated] = TerminatedComplete
		}

		e.saveCheckpoint(ctx, g, threadID, step, merged, next)

		state = merged
		if shouldFallback {
			e.metrics.fallbackTriggered(g.id)
			e.emitter.Emit(emit.Event{
				ThreadID: threadID,
				Step:     step,
				Msg:      emit.MsgRunFallback,
				Meta:     map[string]interface{}{"errors": len(state.ErrorLog()), "recovery_attempts": attempts},
			})
			return state, nil
		}
		frontier = next
	}

	e.emitter.Emit(emit.Event{ThreadID: threadID, Step: step, Msg: emit.MsgRunComplete})
	return state, nil
}

// runFrontier executes every node in the frontier concurrently through the
// error-safe wrapper and waits for all of them to settle. Outcomes are
// positioned by frontier index, so downstream merging is independent of
// completion order.
func (e *Engine) runFrontier(ctx context.Context, g *CompiledGraph, runner *safeRunner, frontier []frontierEntry, state State, threadID string, step int) ([]nodeOutcome, error) {
	for _, entry := range frontier {
		if _, ok := g.nodes[entry.node]; !ok {
			return nil, &FatalError{Message: "node not found during execution: " + entry.node, Code: "NODE_NOT_FOUND"}
		}
	}

	outcomes := make([]nodeOutcome, len(frontier))
	attempt := state.RecoveryAttempts() + 1

	group := new(errgroup.Group)
	if e.opts.MaxConcurrentNodes > 0 {
		group.SetLimit(e.opts.MaxConcurrentNodes)
	}
	for i, entry := range frontier {
		group.Go(func() error {
			def := g.nodes[entry.node]
			e.metrics.nodeStarted(g.id)
			e.emitter.Emit(emit.Event{ThreadID: threadID, Step: step, NodeID: entry.node, Msg: emit.MsgNodeStart})

			outcome := runner.run(ctx, def, state, entry.critical, attempt)
			outcomes[i] = outcome

			e.metrics.nodeFinished(g.id, entry.node, outcome.elapsed, outcome.failure != nil)
			if outcome.failure != nil {
				e.metrics.nodeError(g.id, entry.node, outcome.failure.Kind)
				e.emitter.Emit(emit.Event{
					ThreadID: threadID,
					Step:     step,
					NodeID:   entry.node,
					Msg:      emit.MsgNodeError,
					Meta: map[string]interface{}{
						"error":    outcome.failure.Message,
						"kind":     outcome.failure.Kind,
						"critical": outcome.failure.Critical,
					},
				})
			} else {
				e.emitter.Emit(emit.Event{
					ThreadID: threadID,
					Step:     step,
					NodeID:   entry.node,
					Msg:      emit.MsgNodeComplete,
					Meta:     map[string]interface{}{"duration_ms": outcome.elapsed.Milliseconds()},
				})
			}
			return nil
		})
	}
	_ = group.Wait() // workers never return errors; failures are outcomes

	return outcomes, nil
}

// mergeOutcomes folds the settled frontier into the state. Deltas merge per
// field policy in frontier order; because concurrent writers to one
// Overwrite field are rejected at compile time and Append concatenation is
// order-independent in content, the result does not depend on completion
// order. Failures append to the error log; critical ones are renumbered
// here so recovery attempts count deterministically within a step.
func (e *Engine) mergeOutcomes(g *CompiledGraph, state State, outcomes []nodeOutcome, threadID string, step int) (State, int) {
	merged := state
	attempts := state.RecoveryAttempts()

	recordFailure := func(entry ErrorContext) {
		if entry.Critical {
			attempts++
			entry.RecoveryAttempt = attempts
		} else {
			entry.RecoveryAttempt = 0
		}
		next, err := g.schema.Merge(merged, State{FieldErrorLog: []ErrorContext{entry}})
		if err != nil {
			// The error log is schema-reserved; this cannot fail unless the
			// stored value was corrupted externally.
			return
		}
		merged = next
	}

	for _, outcome := range outcomes {
		if outcome.failure != nil {
			recordFailure(*outcome.failure)
			continue
		}
		if len(outcome.delta) == 0 {
			continue
		}
		next, err := g.schema.Merge(merged, outcome.delta)
		if err != nil {
			recordFailure(ErrorContext{
				NodeID:    outcome.nodeID,
				Kind:      ErrKindMerge,
				Message:   err.Error(),
				Timestamp: time.Now().UTC(),
				Critical:  true,
			})
			continue
		}
		merged = next
	}

	merged[FieldRecoveryAttempts] = attempts
	return merged, attempts
}

// nextFrontier evaluates static and conditional edges against the merged
// state. Targets are deduplicated (a fan-in node reached by several
// predecessors executes once); a node stays critical if any edge reaching
// it was critical. A conditional predicate that panics selects the
// conditional's fallback branch.
func (e *Engine) nextFrontier(g *CompiledGraph, frontier []frontierEntry, state State) []frontierEntry {
	var next []frontierEntry
	index := make(map[string]int)

	add := func(node string, critical bool) {
		if i, seen := index[node]; seen {
			if critical {
				next[i].critical = true
			}
			return
		}
		index[node] = len(next)
		next = append(next, frontierEntry{node: node, critical: critical})
	}

	for _, entry := range frontier {
		for _, edge := range g.successors[entry.node] {
			add(edge.To, edge.Critical)
		}
		cond, ok := g.conditionals[entry.node]
		if !ok {
			continue
		}
		if target := evaluateConditional(cond, state); target != "" {
			add(target, true)
		}
	}
	return next
}

// evaluateConditional returns the first matching branch target, or the
// fallback branch when nothing matches or a predicate panics. An empty
// return means the path terminates.
func evaluateConditional(cond Conditional, state State) (target string) {
	defer func() {
		if recover() != nil {
			target = cond.Fallback
		}
	}()
	for _, br := range cond.Branches {
		if br.When != nil && br.When(state) {
			return br.To
		}
	}
	return cond.Fallback
}

// saveCheckpoint persists the step snapshot with bounded retries. Save
// exhaustion is logged and counted but does not abort the run:
// checkpointing is a durability aid, and a run that loses one snapshot is
// still correct in memory.
func (e *Engine) saveCheckpoint(ctx context.Context, g *CompiledGraph, threadID string, step int, state State, next []frontierEntry) {
	frontier := make([]store.FrontierNode, len(next))
	for i, entry := range next {
		frontier[i] = store.FrontierNode{Node: entry.node, Critical: entry.critical}
	}
	cp := store.Checkpoint[State]{
		ThreadID:  threadID,
		Step:      step,
		State:     state,
		Frontier:  frontier,
		CreatedAt: time.Now().UTC(),
	}

	attempts := e.opts.CheckpointRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = e.store.Save(ctx, cp); lastErr == nil {
			e.emitter.Emit(emit.Event{ThreadID: threadID, Step: step, Msg: emit.MsgCheckpointSaved})
			return
		}
	}

	e.metrics.checkpointFailed(g.id)
	e.emitter.Emit(emit.Event{
		ThreadID: threadID,
		Step:     step,
		Msg:      emit.MsgCheckpointFailed,
		Meta:     map[string]interface{}{"error": lastErr.Error(), "attempts": attempts},
	})
}
