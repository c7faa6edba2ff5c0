package ai

import "context"

// StreamProvider is an optional interface. Adapters may implement streaming
// generation: deltas are forwarded as received, both channels are closed when
// the stream ends, and cancelling ctx releases the vendor connection.
type StreamProvider interface {
	GenerateStream(ctx context.Context, req Request) (<-chan string, <-chan error)
}
