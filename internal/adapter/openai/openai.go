package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emberchat/emberchat/internal/adapter"
	"github.com/emberchat/emberchat/internal/openai"
)

// Ensure Adapter implements StreamingChatAdapter.
var _ adapter.StreamingChatAdapter = (*Adapter)(nil)

// Adapter streams chat completions from an OpenAI-compatible endpoint.
type Adapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	org        string // optional organization ID
}

// Config holds configuration for the adapter.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Organization   string // optional
	RequestTimeout time.Duration
}

// New creates an Adapter instance.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	return &Adapter{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		org:     cfg.Organization,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (a *Adapter) providerErr(cause string, err error) *adapter.ProviderError {
	return &adapter.ProviderError{Provider: "openai", Cause: cause, Err: err}
}

// CreateCompletionStream opens a streaming chat completion and converts SSE
// chunks into StreamEvents. The stream is single-pass; cancelling ctx aborts
// the upstream call.
func (a *Adapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: no messages provided")
	}

	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, a.providerErr("send request", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, a.providerErr(fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data))), nil)
	}

	ch := make(chan adapter.StreamEvent, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// every delivery races ctx so a consumer that stopped reading after
		// a cancel can never pin this goroutine on a buffered send
		send := func(ev adapter.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 1<<20), 1<<20)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				// best effort; the consumer may already be gone
				select {
				case ch <- adapter.StreamEvent{Err: ctx.Err()}:
				default:
				}
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}

			var chunk openai.ChatCompletionChunk
			if perr := json.Unmarshal([]byte(payload), &chunk); perr != nil {
				send(adapter.StreamEvent{Err: a.providerErr("parse stream", perr)})
				return
			}
			if !send(adapter.StreamEvent{Chunk: &chunk}) {
				return
			}
			if fr := chunk.FinishReason(); fr != nil && *fr != "" {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(adapter.StreamEvent{Err: a.providerErr("read stream", err)})
		}
	}()
	return ch, nil
}
