package chat

// EventType enumerates the stream event kinds delivered to clients.
type EventType string

const (
	// EventContent carries one incremental text fragment.
	EventContent EventType = "content"
	// EventDone marks natural completion; the assistant turn was persisted.
	EventDone EventType = "done"
	// EventError marks upstream failure; nothing was persisted.
	EventError EventType = "error"
	// EventCancelled marks user- or timeout-initiated cancellation.
	EventCancelled EventType = "cancelled"
)

// Cancellation reasons surfaced in cancelled events.
const (
	ReasonUserCancelled = "user_cancelled"
	ReasonTimeout       = "timeout"
)

// Event is the payload delivered to every attached connection. Exactly one
// terminal event (done, error or cancelled) ends each stream.
type Event struct {
	Type   EventType `json:"type"`
	Data   string    `json:"data,omitempty"`
	Error  string    `json:"error,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type != EventContent
}

func contentEvent(fragment string) Event {
	return Event{Type: EventContent, Data: fragment}
}

func doneEvent() Event {
	return Event{Type: EventDone}
}

func errorEvent(err error) Event {
	return Event{Type: EventError, Error: err.Error()}
}

func cancelledEvent(reason string) Event {
	return Event{Type: EventCancelled, Reason: reason}
}
