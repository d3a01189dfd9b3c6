package chat

import (
	"time"

	"github.com/google/uuid"
)

// Connection is one client's attached output channel (one browser tab). It
// has no lifecycle beyond the session: when the session retires, every
// connection's channel receives the terminal event and is closed.
type Connection struct {
	id      string
	session *StreamSession
	ch      chan Event
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// Events returns the channel carrying the backlog replay followed by live
// events. The channel closes after the terminal event (or after the
// connection is dropped for not keeping up).
func (c *Connection) Events() <-chan Event { return c.ch }

// Close detaches the connection from its session without affecting the
// stream. Safe to call after the session already retired.
func (c *Connection) Close() {
	c.session.detach(c)
}

// Attach registers a new connection. Its channel is pre-loaded with a replay
// of everything published so far, then receives live events; replay and live
// publication are serialized under the session lock so the seam can neither
// drop nor duplicate a fragment. Attaching to an already-terminal session
// yields the replay plus the terminal event on an immediately closed channel.
func (ss *StreamSession) Attach() *Connection {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	conn := &Connection{
		id:      uuid.New().String(),
		session: ss,
		// capacity covers the full replay plus live headroom so the preload
		// below can never block and a fresh joiner is never dropped instantly
		ch: make(chan Event, len(ss.backlog)+ss.bufSize),
	}
	for _, fragment := range ss.backlog {
		conn.ch <- contentEvent(fragment)
	}
	if ss.terminalEv != nil {
		conn.ch <- *ss.terminalEv
		close(conn.ch)
		return conn
	}
	ss.conns[conn] = struct{}{}
	ss.lastActivity = time.Now()
	return conn
}

func (ss *StreamSession) detach(conn *Connection) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.conns[conn]; ok {
		delete(ss.conns, conn)
		close(conn.ch)
	}
}
