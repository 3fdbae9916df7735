package progress

import "context"

// Sink receives flushed batches. Consume is never called concurrently on the
// same sink, but different sinks see the same batch in parallel, so the slice
// is shared and read-only.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	// Close runs once, after the final flush.
	Close(ctx context.Context) error
}

// Emitter accepts single events. The session manager, the worker pipeline and
// the coordinator only see this.
type Emitter interface {
	Emit(evt Event)
}
