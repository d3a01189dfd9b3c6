// Package emberchat re-exports the API client so downstream integrations can
// talk to a daemon without importing internal packages.
package emberchat

import (
	"github.com/emberchat/emberchat/internal/client"
)

type Client = client.ChatClient

// NewClient constructs a client for the daemon at baseURL. Pass nil to use a
// default HTTP client.
func NewClient(baseURL string, httpClient client.HTTPClient) (*client.ChatClient, error) {
	return client.NewChatClient(baseURL, httpClient)
}

type Event = client.Event
type Turn = client.Turn
type CancelResult = client.CancelResult
type HTTPClient = client.HTTPClient
