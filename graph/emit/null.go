package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it where event output is unwanted without changing wiring code.
// Safe for concurrent use, zero overhead.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that discards everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
