package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorBudget bounds how much contained failure a run tolerates before the
// engine stops scheduling new frontiers and terminates with fallback.
//
// A zero threshold disables that check (unlimited). Both thresholds count
// only critical failures: a best-effort branch failing is recorded in the
// error log but spends no budget.
type ErrorBudget struct {
	// MaxErrors is the maximum number of critical error-log entries.
	MaxErrors int

	// MaxRecoveryAttempts is the maximum number of contained critical
	// node failures, regardless of which node produced them.
	MaxRecoveryAttempts int
}

// Exhausted reports whether the budget is spent for the given error log and
// recovery-attempt count.
func (b ErrorBudget) Exhausted(log []ErrorContext, attempts int) bool {
	critical := 0
	for _, entry := range log {
		if entry.Critical {
			critical++
		}
	}
	if b.MaxErrors > 0 && critical >= b.MaxErrors {
		return true
	}
	if b.MaxRecoveryAttempts > 0 && attempts >= b.MaxRecoveryAttempts {
		return true
	}
	return false
}

// capabilityFailure is implemented by errors raised from external capability
// calls. The wrapper classifies them without importing the capability
// package.
type capabilityFailure interface {
	CapabilityName() string
}

// nodeOutcome is the settled result of one node execution in a frontier:
// either a delta to merge or a failure entry for the error log, never both.
type nodeOutcome struct {
	nodeID  string
	delta   State
	failure *ErrorContext
	elapsed time.Duration
}

// safeRunner decorates node handlers with failure containment. It is the
// single place where node failures become state: every caught error, panic,
// or timeout turns into an ErrorContext entry, and the budget is evaluated
// against the accumulated log after each super-step merge.
type safeRunner struct {
	budget         ErrorBudget
	defaultTimeout time.Duration
}

// run executes one node against a private copy of the state and settles to
// an outcome. It never returns an error: failures are contained.
//
// attempt is the 1-based recovery attempt this failure would represent if
// the node fails (prior critical failures + 1).
func (r *safeRunner) run(ctx context.Context, def NodeDefinition, state State, critical bool, attempt int) nodeOutcome {
	started := time.Now()

	view, err := state.Clone()
	if err != nil {
		return nodeOutcome{
			nodeID:  def.ID,
			failure: r.failure(def.ID, ErrKindMerge, "state snapshot failed: "+err.Error(), critical, attempt),
			elapsed: time.Since(started),
		}
	}

	timeout := def.timeout(r.defaultTimeout)
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type handlerResult struct {
		delta State
		err   error
	}
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- handlerResult{err: &NodeError{
					NodeID:  def.ID,
					Kind:    ErrKindPanic,
					Message: fmt.Sprintf("panic: %v", rec),
				}}
			}
		}()
		delta, err := def.Handler(runCtx, view)
		done <- handlerResult{delta: delta, err: err}
	}()

	select {
	case <-runCtx.Done():
		kind := ErrKindTimeout
		msg := fmt.Sprintf("node exceeded timeout of %v", timeout)
		if ctx.Err() != nil {
			// Parent cancellation, not a per-node timeout.
			msg = "execution cancelled: " + ctx.Err().Error()
		}
		return nodeOutcome{
			nodeID:  def.ID,
			failure: r.failure(def.ID, kind, msg, critical, attempt),
			elapsed: time.Since(started),
		}
	case res := <-done:
		if res.err != nil {
			return nodeOutcome{
				nodeID:  def.ID,
				failure: r.failure(def.ID, classifyKind(res.err), res.err.Error(), critical, attempt),
				elapsed: time.Since(started),
			}
		}
		return nodeOutcome{
			nodeID:  def.ID,
			delta:   res.delta,
			elapsed: time.Since(started),
		}
	}
}

func (r *safeRunner) failure(nodeID, kind, message string, critical bool, attempt int) *ErrorContext {
	recoveryAttempt := 0
	if critical {
		recoveryAttempt = attempt
	}
	return &ErrorContext{
		NodeID:          nodeID,
		Kind:            kind,
		Message:         message,
		Timestamp:       time.Now().UTC(),
		RecoveryAttempt: recoveryAttempt,
		Critical:        critical,
	}
}

// classifyKind maps a handler error to an ErrorContext kind. Capability
// errors keep their own kind so the error log distinguishes external
// failures from handler bugs.
func classifyKind(err error) string {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) && nodeErr.Kind != "" {
		return nodeErr.Kind
	}
	var capErr capabilityFailure
	if errors.As(err, &capErr) {
		return ErrKindCapability
	}
	return ErrKindHandler
}
