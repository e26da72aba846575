package llm

import (
	"context"
)

// Client provides a provider-neutral interface for streaming LLM generations.
// Implementations handle provider-specific wire details internally.
type Client interface {
	// Stream sends a request and returns a stream of normalized events.
	// The caller should read from the returned Stream until it's done or an
	// error occurs. Cancelling ctx unwinds the adapter's read loop at its
	// next I/O boundary; it does not merely stop event delivery.
	Stream(ctx context.Context, req *Request) (Stream, error)

	// ResolveModelID maps a user-facing model name to the backend-specific
	// identifier the wire call requires. It is pure and deterministic;
	// unknown names fail with an unknown_model error rather than passing
	// the name through.
	ResolveModelID(name string) (string, error)
}

// Stream represents a streaming response from an LLM.
type Stream interface {
	// Next advances to the next event in the stream.
	// Returns false when the stream is complete or an error occurs.
	Next() bool

	// Event returns the current event.
	// Should only be called after Next() returns true.
	Event() *StreamEvent

	// Err returns any error that occurred during streaming.
	Err() error

	// Close closes the stream and releases resources.
	Close() error
}
