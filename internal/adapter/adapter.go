package adapter

import (
	"context"
	"fmt"

	"github.com/emberchat/emberchat/internal/openai"
)

// StreamingChatAdapter opens a streaming completion against an upstream provider.
//
// The returned channel is a lazy, single-pass sequence of events: zero or more
// chunk events followed by channel close on natural end, or a final error
// event before close on upstream failure. Cancelling the supplied context is
// the abort handle; it is safe to cancel at any time, including after the
// channel has closed.
type StreamingChatAdapter interface {
	CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan StreamEvent, error)
}

// StreamEvent is one item of a provider stream: either a chunk or an error.
type StreamEvent struct {
	Chunk *openai.ChatCompletionChunk
	Err   error
}

// IsError reports whether the event carries an error.
func (e StreamEvent) IsError() bool {
	return e.Err != nil
}

// ProviderError wraps any upstream failure (refused connection, non-2xx
// status, malformed stream framing, mid-stream disconnect) into a single
// error type with a human-readable cause. Adapters never retry internally.
type ProviderError struct {
	Provider string
	Cause    string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Cause, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Cause)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
