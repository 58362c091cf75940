package emit

// Event represents an observability event emitted during workflow execution.
//
// Events cover node start/settle, super-step merges, checkpoint saves,
// fallback termination, and run-level lifecycle. They are delivered to an
// Emitter, which may log them, convert them to OpenTelemetry spans, or
// buffer them for inspection in tests.
type Event struct {
	// ThreadID identifies the workflow run/session that emitted this event.
	ThreadID string

	// Step is the super-step number (1-indexed). Zero for run-level events.
	Step int

	// NodeID identifies the node this event concerns. Empty for step- and
	// run-level events.
	NodeID string

	// Msg names the event. Well-known values:
	//   "run_start", "run_complete", "run_fallback",
	//   "node_start", "node_complete", "node_error",
	//   "checkpoint_saved", "checkpoint_failed", "resume"
	Msg string

	// Meta carries additional structured data. Common keys:
	//   "duration_ms", "error", "kind", "critical", "checkpoint_step"
	Meta map[string]interface{}
}

// Event message names emitted by the engine.
const (
	MsgRunStart         = "run_start"
	MsgRunComplete      = "run_complete"
	MsgRunFallback      = "run_fallback"
	MsgNodeStart        = "node_start"
	MsgNodeComplete     = "node_complete"
	MsgNodeError        = "node_error"
	MsgCheckpointSaved  = "checkpoint_saved"
	MsgCheckpointFailed = "checkpoint_failed"
	MsgResume           = "resume"
)
