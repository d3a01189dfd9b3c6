package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State tracks the lifecycle of one in-flight generation.
type State int

const (
	StateStreaming State = iota
	StateCancelling
	StateCompleted
	StateCancelled
	StateFailed
)

// Terminal reports whether the state retires the session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StreamSession is the aggregate for one in-flight generation: accumulated
// text, state, attached connections and the upstream abort handle. All
// mutation goes through its methods under a single per-session lock; nothing
// here touches other sessions, so unrelated chats never contend.
type StreamSession struct {
	sessionKey string
	streamID   string
	bufSize    int

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	mu           sync.Mutex
	state        State
	backlog      []string
	conns        map[*Connection]struct{}
	lastActivity time.Time
	terminalEv   *Event
}

func newStreamSession(sessionKey string, bufSize int) *StreamSession {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &StreamSession{
		sessionKey:   sessionKey,
		streamID:     uuid.New().String(),
		bufSize:      bufSize,
		state:        StateStreaming,
		conns:        make(map[*Connection]struct{}),
		lastActivity: time.Now(),
	}
}

// SessionKey returns the owning chat session's identifier.
func (ss *StreamSession) SessionKey() string { return ss.sessionKey }

// StreamID returns the unique token for this generation attempt.
func (ss *StreamSession) StreamID() string { return ss.streamID }

// State returns the current lifecycle state.
func (ss *StreamSession) State() State {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state
}

// Text returns the concatenation of all published fragments.
func (ss *StreamSession) Text() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return strings.Join(ss.backlog, "")
}

// ConnCount returns the number of currently attached connections.
func (ss *StreamSession) ConnCount() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.conns)
}

// LastActivity returns the time of the last chunk, attach or heartbeat.
func (ss *StreamSession) LastActivity() time.Time {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.lastActivity
}

// Touch records viewer activity (heartbeat) so the idle supervisor leaves the
// session alone.
func (ss *StreamSession) Touch() {
	ss.mu.Lock()
	ss.lastActivity = time.Now()
	ss.mu.Unlock()
}

func (ss *StreamSession) setCancel(cancel context.CancelFunc) {
	ss.cancelMu.Lock()
	ss.cancel = cancel
	ss.cancelMu.Unlock()
}

// abortUpstream invokes the provider abort handle. Safe to call at any time
// and idempotent: context cancellation already is.
func (ss *StreamSession) abortUpstream() {
	ss.cancelMu.Lock()
	cancel := ss.cancel
	ss.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// transition applies one state-machine edge and reports whether it won.
// Allowed edges: Streaming->Cancelling, Streaming->Completed,
// Streaming->Failed, Cancelling->Cancelled. The first terminal transition
// freezes the buffer; every later attempt loses and becomes a no-op.
func (ss *StreamSession) transition(to State) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	switch {
	case ss.state == StateStreaming && (to == StateCancelling || to == StateCompleted || to == StateFailed):
		ss.state = to
		return true
	case ss.state == StateCancelling && to == StateCancelled:
		ss.state = to
		return true
	default:
		return false
	}
}

// publish appends one fragment to the buffer and fans it out to every
// attached connection. A connection whose channel cannot accept the event is
// dropped on the spot rather than awaited, so one stalled viewer never blocks
// the rest. Returns false once the session left the streaming state.
func (ss *StreamSession) publish(fragment string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.state != StateStreaming {
		return false
	}
	ss.backlog = append(ss.backlog, fragment)
	ss.lastActivity = time.Now()
	ev := contentEvent(fragment)
	for conn := range ss.conns {
		// one slot stays in reserve for the terminal event, so a reader
		// that is merely slow still learns how its stream ended
		if cap(conn.ch)-len(conn.ch) <= 1 {
			delete(ss.conns, conn)
			close(conn.ch)
			continue
		}
		conn.ch <- ev
	}
	return true
}

// terminate broadcasts the terminal event, closes and detaches every
// connection, and records the event for connections that attach afterwards.
// Must only be called by the goroutine that won the terminal transition.
func (ss *StreamSession) terminate(ev Event) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.terminalEv = &ev
	for conn := range ss.conns {
		// publish keeps one slot free on every still-attached connection,
		// so this send has room; default guards the lock all the same
		select {
		case conn.ch <- ev:
		default:
		}
		close(conn.ch)
	}
	ss.conns = make(map[*Connection]struct{})
}
