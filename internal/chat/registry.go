package chat

import (
	"errors"
	"sync"
)

// Taxonomy of core errors surfaced to callers.
var (
	// ErrAlreadyStreaming means the chat session already owns an in-flight
	// generation; the caller must not open a second upstream call.
	ErrAlreadyStreaming = errors.New("chat: a message is already streaming for this session")
	// ErrNoActiveStream means no generation is in flight for the session.
	ErrNoActiveStream = errors.New("chat: no active stream for this session")
)

// Registry is the process-wide table mapping a chat session key to at most
// one active StreamSession. TryBegin is the sole concurrency gate for the
// single-writer rule; End is a compare-and-remove keyed by streamID so a
// stale terminal transition can never clobber a newer stream that reused the
// same key. The registry mutex guards only the map; per-session state has its
// own lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*StreamSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*StreamSession)}
}

// TryBegin atomically claims the key. Exactly one concurrent caller wins and
// receives a fresh StreamSession; every other caller gets ErrAlreadyStreaming.
func (r *Registry) TryBegin(sessionKey string, bufSize int) (*StreamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionKey]; ok {
		return nil, ErrAlreadyStreaming
	}
	ss := newStreamSession(sessionKey, bufSize)
	r.sessions[sessionKey] = ss
	return ss, nil
}

// Get returns the active session for the key, if any.
func (r *Registry) Get(sessionKey string) (*StreamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ss, ok := r.sessions[sessionKey]
	if !ok {
		return nil, ErrNoActiveStream
	}
	return ss, nil
}

// End removes the entry only when the registered session's streamID matches.
// Reports whether an entry was removed.
func (r *Registry) End(sessionKey, streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ss, ok := r.sessions[sessionKey]
	if !ok || ss.streamID != streamID {
		return false
	}
	delete(r.sessions, sessionKey)
	return true
}

// Active returns a snapshot of all registered sessions (for the idle sweep).
func (r *Registry) Active() []*StreamSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*StreamSession, 0, len(r.sessions))
	for _, ss := range r.sessions {
		out = append(out, ss)
	}
	return out
}

// Len returns the number of in-flight sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
