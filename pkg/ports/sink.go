package ports

// UnitSink receives units produced by the pipeline.
// Accept is called synchronously from the drain loop and must not block
// indefinitely. The unit's data is only valid for the duration of the call.
type UnitSink interface {
	// Accept consumes one produced unit.
	Accept(u Unit) error

	// Close flushes and releases the sink.
	Close() error
}
