package interfaces

// Conn abstracts one participant's live transport channel. Implementations
// must serialize writes internally; the registry calls Send from under a
// session lock and relies on per-connection FIFO ordering.
type Conn interface {
	// Send enqueues a message for delivery. It must not block: when the
	// outbound buffer is full the message is dropped and ErrSendBufferFull
	// returned (delivery is best-effort per connection).
	Send(v interface{}) error

	// Close tears down the transport and releases the writer goroutine.
	// Safe to call more than once.
	Close() error
}
