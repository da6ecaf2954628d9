package channel

import "context"

// InboundHandler consumes normalized messages. It owns every reply, so it
// returns nothing; adapters never see turn-level failures.
type InboundHandler func(ctx context.Context, ch Channel, msg InboundMessage)

// Channel is the capability set every adapter exposes. The orchestrator and
// the streaming turn depend on this interface only.
type Channel interface {
	Type() Type
	// Start begins receiving in the background. Cancelling ctx ends every
	// adapter-owned goroutine.
	Start(ctx context.Context, handler InboundHandler) error
	// Stop stops receiving and waits for the receive loop to exit.
	Stop(ctx context.Context) error

	// SendToken appends streamed text for target.
	SendToken(ctx context.Context, target, text string) error
	// Flush completes the streamed reply for target.
	Flush(ctx context.Context, target string) error
	// SendTyping shows a presence indicator for target, if supported.
	SendTyping(ctx context.Context, target string) error
	// SendText sends a complete, non-streamed reply.
	SendText(ctx context.Context, target, text string) error
	// MaxMessageLength is the platform's single-message limit in characters.
	MaxMessageLength() int
}
