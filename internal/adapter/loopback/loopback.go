package loopback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/emberchat/emberchat/internal/adapter"
	"github.com/emberchat/emberchat/internal/openai"
)

// Ensure Adapter implements StreamingChatAdapter.
var _ adapter.StreamingChatAdapter = (*Adapter)(nil)

// Adapter fabricates a deterministic word-by-word stream that echoes the last
// user message. It exists so the full streaming pipeline can run without an
// upstream provider (dev mode and tests).
type Adapter struct {
	// ChunkDelay inserts a pause between chunks to mimic network pacing.
	ChunkDelay time.Duration
}

// New creates an Adapter instance.
func New() *Adapter {
	return &Adapter{}
}

// CreateCompletionStream emits "[loopback] " followed by the last user
// message, one word per chunk.
func (a *Adapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("no messages provided")
	}

	// find last user message; default to final message if none
	message := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, openai.RoleUser) {
			message = req.Messages[i]
			break
		}
	}

	words := strings.Fields("[loopback] " + strings.TrimSpace(message.Content))
	ch := make(chan adapter.StreamEvent, 10)
	go func() {
		defer close(ch)
		for i, word := range words {
			if a.ChunkDelay > 0 {
				select {
				case <-time.After(a.ChunkDelay):
				case <-ctx.Done():
					select {
					case ch <- adapter.StreamEvent{Err: ctx.Err()}:
					default:
					}
					return
				}
			} else if ctx.Err() != nil {
				select {
				case ch <- adapter.StreamEvent{Err: ctx.Err()}:
				default:
				}
				return
			}
			text := word
			if i < len(words)-1 {
				text += " "
			}
			chunk := &openai.ChatCompletionChunk{
				ID:      "cmpl-loopback",
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   req.Model,
				Choices: []openai.ChatCompletionChunkChoice{{
					Delta: openai.ChatMessageDelta{Content: text},
				}},
			}
			if i == 0 {
				chunk.Choices[0].Delta.Role = openai.RoleAssistant
			}
			select {
			case ch <- adapter.StreamEvent{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
