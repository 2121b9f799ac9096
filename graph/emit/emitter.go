// Package emit carries workflow observability events to logs, traces and
// in-memory buffers.
package emit

// Emitter receives observability events from workflow execution.
//
// Backends in this package:
//   - ZapEmitter: structured logs
//   - OTelEmitter: OpenTelemetry spans
//   - BufferedEmitter: in-memory history for tests and the chat CLI
//   - NullEmitter: discards everything
//   - MultiEmitter: fans out to several of the above
//
// Emit is called synchronously from the executing session's goroutine and
// may be called from many sessions at once, so implementations must be
// thread-safe and should not block. Emit must not panic.
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	Emit(event Event)
}
