// Package store defines the persistence surface the streaming core consumes:
// session configuration snapshots, ordered conversation history, and the
// single assistant-turn append performed on natural completion.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Character is a persona users chat with.
type Character struct {
	ID          int64
	Name        string
	Description string
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UserProfile describes the human side of a conversation.
type UserProfile struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatSession is a persistent conversation context binding a character, a
// profile, a model and the prompt texts.
type ChatSession struct {
	ID                string
	Title             string
	CharacterID       int64
	ProfileID         int64
	ModelID           string
	SystemPrompt      string
	PrePrompt         string
	PrePromptEnabled  bool
	PostPrompt        string
	PostPromptEnabled bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SessionConfig is the resolved, immutable snapshot the streaming core reads
// at stream start. Later edits to the underlying rows never affect an
// in-flight stream.
type SessionConfig struct {
	SessionID            string
	ModelID              string
	SystemPrompt         string
	PrePrompt            string
	PrePromptEnabled     bool
	PostPrompt           string
	PostPromptEnabled    bool
	CharacterDescription string
	ProfileDescription   string
}

// Turn is one persisted conversation message. Ordering is append-only and
// total per session (position ascending).
type Turn struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	Position  int
	CreatedAt time.Time
}

// ConfigLoader resolves the session configuration snapshot for a chat session.
type ConfigLoader interface {
	LoadSessionConfig(ctx context.Context, sessionID string) (*SessionConfig, error)
}

// HistoryReader returns the full ordered history of a session.
type HistoryReader interface {
	ListTurns(ctx context.Context, sessionID string) ([]Turn, error)
}

// MessagePersister appends exactly one turn. The streaming core calls it only
// on natural completion, never for cancelled or failed streams.
type MessagePersister interface {
	AppendTurn(ctx context.Context, sessionID, role, content string) (*Turn, error)
}

// Store is the full persistence interface: the collaborator surface the
// streaming core consumes plus the record management the server uses to seed
// and administer sessions.
type Store interface {
	ConfigLoader
	HistoryReader
	MessagePersister

	CreateCharacter(ctx context.Context, c Character) (*Character, error)
	GetCharacter(ctx context.Context, id int64) (*Character, error)
	CreateProfile(ctx context.Context, p UserProfile) (*UserProfile, error)
	CreateSession(ctx context.Context, s ChatSession) (*ChatSession, error)
	GetSession(ctx context.Context, id string) (*ChatSession, error)

	Ping(ctx context.Context) error
	Close() error
}
