package emit

// NullEmitter implements Emitter by discarding all events.
//
// The engine falls back to it when constructed with a nil emitter.
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
