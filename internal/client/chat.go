// Package client implements the Go client for the emberchat HTTP API,
// including the SSE message stream.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ChatClient communicates with an emberchat daemon.
type ChatClient struct {
	baseURL    *url.URL
	httpClient HTTPClient
}

// NewChatClient constructs a client using the provided base URL. A nil
// httpClient gets a default with no overall timeout, since message streams
// are long-lived.
func NewChatClient(baseURL string, httpClient HTTPClient) (*ChatClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &ChatClient{baseURL: parsed, httpClient: httpClient}, nil
}

// Event is one stream event as delivered on the wire.
type Event struct {
	Type   string `json:"type"` // content|done|error|cancelled
	Data   string `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type != "content"
}

// Turn is one persisted conversation message.
type Turn struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	Detail    string `json:"detail,omitempty"`
}

// errorResponse matches the daemon's error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// SendMessage posts one user message and returns the event stream. The
// channel ends after the terminal event; cancelling ctx abandons the stream
// client-side without cancelling the generation (use Cancel for that).
func (c *ChatClient) SendMessage(ctx context.Context, chatID, content string) (<-chan Event, error) {
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return nil, err
	}

	endpoint := c.resolve("/api/chats/" + url.PathEscape(chatID) + "/messages")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64<<10), 64<<10)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
				ch <- Event{Type: "error", Error: fmt.Sprintf("malformed event: %v", err)}
				return
			}
			ch <- ev
			if ev.Terminal() {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- Event{Type: "error", Error: err.Error()}
		}
	}()
	return ch, nil
}

// Cancel requests cancellation of the in-flight generation for the chat.
func (c *ChatClient) Cancel(ctx context.Context, chatID string) (CancelResult, error) {
	var out CancelResult
	err := c.doJSON(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/messages/cancel", nil, &out)
	return out, err
}

// History fetches the persisted turns of a chat session in position order.
func (c *ChatClient) History(ctx context.Context, chatID string) ([]Turn, error) {
	var resp struct {
		Messages []Turn `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID)+"/messages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Health fetches the daemon health document.
func (c *ChatClient) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChatClient) resolve(path string) string {
	rel := &url.URL{Path: path}
	return c.baseURL.ResolveReference(rel).String()
}

func (c *ChatClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		return fmt.Errorf("emberchat error: %s", payload.Error)
	}
	return fmt.Errorf("emberchat error: status %d", resp.StatusCode)
}
