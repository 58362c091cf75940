// Package emit provides pluggable observability for workflow execution.
package emit

// Emitter receives observability events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: never slow down the engine's super-step loop
//   - Thread-safe: nodes in a fan-out frontier emit concurrently
//   - Resilient: a failing backend must not crash the workflow
//
// Emitters in this package: LogEmitter (text/JSON lines), NullEmitter
// (discard), BufferedEmitter (in-memory, queryable), OTelEmitter
// (OpenTelemetry spans).
type Emitter interface {
	// Emit delivers one event. It must not panic; backend errors are the
	// emitter's problem, not the engine's.
	Emit(event Event)
}

// MultiEmitter fans events out to several emitters in order.
type MultiEmitter []Emitter

// Emit delivers the event to every wrapped emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
