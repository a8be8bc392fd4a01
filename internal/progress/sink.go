package progress

import "context"

// Sink consumes batches of events delivered by the Hub. Implementations
// must tolerate duplicate delivery and must not retain the batch slice.
type Sink interface {
	Consume(ctx context.Context, events []Event) error
	Close(ctx context.Context) error
}
