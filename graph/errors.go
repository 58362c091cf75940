package graph

import "errors"

// ErrMaxStepsExceeded indicates that execution reached the maximum allowed
// super-step count without terminating. This guards against loop edges with
// a missing or misconfigured exit condition.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ValidationError is returned by Compile when the graph definition is
// structurally invalid. It is always fatal: an invalid graph never runs.
type ValidationError struct {
	Message string
	Code    string
}

func (e *ValidationError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NodeError describes a contained node failure. It never propagates out of
// Run; the error-safe wrapper converts it into an error-log entry.
type NodeError struct {
	NodeID  string
	Kind    string
	Message string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// Node error kinds recorded in ErrorContext.Kind.
const (
	ErrKindHandler    = "handler_error"
	ErrKindTimeout    = "timeout"
	ErrKindPanic      = "panic"
	ErrKindCapability = "capability_error"
	ErrKindMerge      = "merge_error"
)

// FatalError is an unrecoverable engine-level fault: invariant violations
// or structural problems discovered mid-run. Unlike node failures it
// propagates to the caller, which must apply its own fallback.
type FatalError struct {
	Message string
	Code    string
	Cause   error
}

func (e *FatalError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error {
	return e.Cause
}
