package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emberchat/emberchat/internal/adapter"
	"github.com/emberchat/emberchat/internal/openai"
	"github.com/emberchat/emberchat/internal/store"
)

// memBackend is an in-memory Backend for driving the runner in tests.
type memBackend struct {
	mu        sync.Mutex
	cfg       store.SessionConfig
	turns     []store.Turn
	appendErr error
}

func newMemBackend(sessionID string) *memBackend {
	return &memBackend{cfg: store.SessionConfig{
		SessionID:    sessionID,
		ModelID:      "gpt-4o-mini",
		SystemPrompt: "SYSTEM",
	}}
}

func (m *memBackend) LoadSessionConfig(ctx context.Context, sessionID string) (*store.SessionConfig, error) {
	if sessionID != m.cfg.SessionID {
		return nil, store.ErrNotFound
	}
	cfg := m.cfg
	return &cfg, nil
}

func (m *memBackend) ListTurns(ctx context.Context, sessionID string) ([]store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Turn, len(m.turns))
	copy(out, m.turns)
	return out, nil
}

func (m *memBackend) AppendTurn(ctx context.Context, sessionID, role, content string) (*store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	t := store.Turn{SessionID: sessionID, Role: role, Content: content, Position: len(m.turns)}
	m.turns = append(m.turns, t)
	return &t, nil
}

func (m *memBackend) turnsByRole(role string) []store.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Turn
	for _, t := range m.turns {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

// scriptedAdapter hands the test direct control over the upstream event
// channel.
type scriptedAdapter struct {
	mu      sync.Mutex
	opens   int
	openErr error
	lastReq openai.ChatCompletionRequest
	ch      chan adapter.StreamEvent
}

func (a *scriptedAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opens++
	a.lastReq = req
	if a.openErr != nil {
		return nil, a.openErr
	}
	a.ch = make(chan adapter.StreamEvent, 16)
	return a.ch, nil
}

func (a *scriptedAdapter) emit(text string) {
	a.ch <- adapter.StreamEvent{Chunk: &openai.ChatCompletionChunk{
		Choices: []openai.ChatCompletionChunkChoice{{Delta: openai.ChatMessageDelta{Content: text}}},
	}}
}

func (a *scriptedAdapter) fail(err error) { a.ch <- adapter.StreamEvent{Err: err} }
func (a *scriptedAdapter) finish()        { close(a.ch) }

func (a *scriptedAdapter) openCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}

// floodAdapter emits one chunk, waits for gate, then floods a small-buffered
// channel with blocking sends. done closes once its producer goroutine exits.
type floodAdapter struct {
	gate chan struct{}
	done chan struct{}
}

func (a *floodAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	ch := make(chan adapter.StreamEvent, 2)
	go func() {
		defer close(ch)
		defer close(a.done)
		chunk := func(text string) adapter.StreamEvent {
			return adapter.StreamEvent{Chunk: &openai.ChatCompletionChunk{
				Choices: []openai.ChatCompletionChunkChoice{{Delta: openai.ChatMessageDelta{Content: text}}},
			}}
		}
		ch <- chunk("first")
		<-a.gate
		for i := 0; i < 50; i++ {
			ch <- chunk("x")
		}
	}()
	return ch, nil
}

type capResolver struct{ limit int }

func (c capResolver) MaxCompletionCap(model string) (int, bool) { return c.limit, c.limit > 0 }

func waitEvents(t *testing.T, conn *Connection) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.Terminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for terminal event; got %+v", out)
		}
	}
}

func waitRegistryEmpty(t *testing.T, r *Registry) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registry still holds %d sessions", r.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_NaturalCompletionPersistsAssistantTurn(t *testing.T) {
	backend := newMemBackend("chat-1")
	adpt := &scriptedAdapter{}
	svc := NewService(adpt, backend, Options{})

	conn, err := svc.SendMessage(context.Background(), "chat-1", "Hello")
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}

	adpt.emit("Once ")
	adpt.emit("upon ")
	adpt.emit("a time")
	adpt.finish()

	events := waitEvents(t, conn)
	if events[len(events)-1].Type != EventDone {
		t.Fatalf("terminal event = %+v, want done", events[len(events)-1])
	}
	var text string
	for _, ev := range events[:len(events)-1] {
		text += ev.Data
	}
	if text != "Once upon a time" {
		t.Errorf("streamed text = %q", text)
	}

	assistant := backend.turnsByRole(openai.RoleAssistant)
	if len(assistant) != 1 || assistant[0].Content != "Once upon a time" {
		t.Errorf("persisted assistant turns = %+v, want one with full text", assistant)
	}
	user := backend.turnsByRole(openai.RoleUser)
	if len(user) != 1 || user[0].Content != "Hello" {
		t.Errorf("persisted user turns = %+v, want one Hello", user)
	}
	waitRegistryEmpty(t, svc.Registry())
}

func TestService_SecondSendConflicts(t *testing.T) {
	backend := newMemBackend("chat-1")
	adpt := &scriptedAdapter{}
	svc := NewService(adpt, backend, Options{})

	conn, err := svc.SendMessage(context.Background(), "chat-1", "first")
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	defer conn.Close()

	if _, err := svc.SendMessage(context.Background(), "chat-1", "second"); !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("second send error = %v, want ErrAlreadyStreaming", err)
	}
	if adpt.openCount() != 1 {
		t.Errorf("upstream opens = %d, want 1 (loser must not open a second call)", adpt.openCount())
	}

	adpt.finish()
	waitRegistryEmpty(t, svc.Registry())
}

func TestService_UnknownSession(t *testing.T) {
	backend := newMemBackend("chat-1")
	svc := NewService(&scriptedAdapter{}, backend, Options{})

	if _, err := svc.SendMessage(context.Background(), "nope", "hi"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want store.ErrNotFound", err)
	}
}

func TestService_MidStreamProviderError(t *testing.T) {
	backend := newMemBackend("chat-1")
	adpt := &scriptedAdapter{}
	svc := NewService(adpt, backend, Options{})

	conn, err := svc.SendMessage(context.Background(), "chat-1", "hi")
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}

	adpt.emit("a")
	adpt.emit("b")
	adpt.emit("c")
	adpt.fail(&adapter.ProviderError{Provider: "openai", Cause: "mid-stream disconnect"})
	adpt.finish()

	events := waitEvents(t, conn)
	if len(events) != 4 {
		t.Fatalf("events = %+v, want 3 content + 1 error", events)
	}
	for _, ev := range events[:3] {
		if ev.Type != EventContent {
			t.Errorf("event = %+v, want content", ev)
		}
	}
	if last := events[3]; last.Type != EventError || last.Error == "" {
		t.Errorf("terminal event = %+v, want error with message", last)
	}

	if got := backend.turnsByRole(openai.RoleAssistant); len(got) != 0 {
		t.Errorf("assistant turns persisted on failure: %+v", got)
	}
	waitRegistryEmpty(t, svc.Registry())
}

func TestService_OpenFailureStillDeliversTerminalEvent(t *testing.T) {
	backend := newMemBackend("chat-1")
	adpt := &scriptedAdapter{openErr: &adapter.ProviderError{Provider: "openai", Cause: "connection refused"}}
	svc := NewService(adpt, backend, Options{})

	conn, err := svc.SendMessage(context.Background(), "chat-1", "hi")
	if err != nil {
		t.Fatalf("SendMessage error = %v (admission succeeded, failure belongs on the stream)", err)
	}

	events := waitEvents(t, conn)
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v, want exactly one error event", events)
	}
	waitRegistryEmpty(t, svc.Registry())
}

func TestService_CancelDeliversSingleCancelledEvent(t *testing.T) {
	backend := newMemBackend("chat-1")
	adpt := &scriptedAdapter{}
	svc := NewService(adpt, backend, Options{})

	conn, err := svc.SendMessage(context.Background(), "chat-1", "hi")
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	viewer, err := svc.AttachViewer("chat-1")
	if err != nil {
		t.Fatalf("AttachViewer error = %v", err)
	}

	adpt.emit("partial ")
	if !svc.Cancel("chat-1") {
		t.Fatal("Cancel returned false for an active stream")
	}
	adpt.finish()

	for _, c := range []*Connection{conn, viewer} {
		events := waitEvents(t, c)
		cancelled := 0
		for _, ev := range events {
			if ev.Type == EventCancelled {
				cancelled++
				if ev.Reason != ReasonUserCancelled {
					t.Errorf("cancel reason = %q, want %q", ev.Reason, ReasonUserCancelled)
				}
			}
		}
		if cancelled != 1 {
			t.Errorf("cancelled events = %d, want exactly 1 (%+v)", cancelled, events)
		}
	}

	if got := backend.turnsByRole(openai.RoleAssistant); len(got) != 0 {
		t.Errorf("assistant turns persisted on cancel: %+v", got)
	}
	waitRegistryEmpty(t, svc.Registry())

	// the lock is released: a new message is admitted immediately
	conn2, err := svc.SendMessage(context.Background(), "chat-1", "again")
	if err != nil {
		t.Fatalf("send after cancel error = %v", err)
	}
	adpt.finish()
	waitEvents(t, conn2)
}

func TestService_CancelDrainsBufferedUpstream(t *testing.T) {
	backend := newMemBackend("chat-1")
	adpt := &floodAdapter{gate: make(chan struct{}), done: make(chan struct{})}
	svc := NewService(adpt, backend, Options{ConnBufferSize: 4})

	conn, err := svc.SendMessage(context.Background(), "chat-1", "hi")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if ev := <-conn.Events(); ev.Type != EventContent {
		t.Fatalf("first event = %+v, want content", ev)
	}

	if !svc.Cancel("chat-1") {
		t.Fatal("Cancel() = false, want true")
	}
	close(adpt.gate)

	// the pump lost the publish race; it must keep consuming so the
	// upstream's blocking sends all land and its goroutine exits
	select {
	case <-adpt.done:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream producer still blocked 2s after cancel")
	}
	waitRegistryEmpty(t, svc.Registry())
}

func TestService_ModelCapAppliedToRequest(t *testing.T) {
	backend := newMemBackend("chat-1")
	adpt := &scriptedAdapter{}
	svc := NewService(adpt, backend, Options{})
	svc.SetModelResolver(capResolver{limit: 512})

	conn, err := svc.SendMessage(context.Background(), "chat-1", "hi")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	adpt.emit("ok")
	adpt.finish()
	waitEvents(t, conn)

	adpt.mu.Lock()
	got := adpt.lastReq.MaxTokens
	adpt.mu.Unlock()
	if got != 512 {
		t.Errorf("request MaxTokens = %d, want 512", got)
	}
}

func TestService_CancelWithNothingActive(t *testing.T) {
	backend := newMemBackend("chat-1")
	svc := NewService(&scriptedAdapter{}, backend, Options{})

	if svc.Cancel("chat-1") {
		t.Error("Cancel with no active stream should report nothing to cancel")
	}
}

func TestService_LateViewerGetsFullReplay(t *testing.T) {
	backend := newMemBackend("chat-1")
	adpt := &scriptedAdapter{}
	svc := NewService(adpt, backend, Options{})

	conn, err := svc.SendMessage(context.Background(), "chat-1", "hi")
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	defer conn.Close()

	adpt.emit("1")
	adpt.emit("2")
	adpt.emit("3")

	// wait for the pump to publish all three before attaching
	deadline := time.Now().Add(2 * time.Second)
	for {
		if sess, err := svc.Registry().Get("chat-1"); err == nil && sess.Text() == "123" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pump never published the first three chunks")
		}
		time.Sleep(5 * time.Millisecond)
	}

	viewer, err := svc.AttachViewer("chat-1")
	if err != nil {
		t.Fatalf("AttachViewer error = %v", err)
	}
	adpt.emit("4")
	adpt.finish()

	events := waitEvents(t, viewer)
	var text string
	for _, ev := range events {
		if ev.Type == EventContent {
			text += ev.Data
		}
	}
	if text != "1234" {
		t.Errorf("viewer text = %q, want 1234 with no gap or duplicate at the replay seam", text)
	}
	if events[len(events)-1].Type != EventDone {
		t.Errorf("viewer terminal = %+v, want done", events[len(events)-1])
	}
}

func TestService_PersistFailureSurfacesAsError(t *testing.T) {
	backend := newMemBackend("chat-1")
	adpt := &scriptedAdapter{}
	svc := NewService(adpt, backend, Options{})

	conn, err := svc.SendMessage(context.Background(), "chat-1", "hi")
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	backend.mu.Lock()
	backend.appendErr = errors.New("disk full")
	backend.mu.Unlock()

	adpt.emit("text")
	adpt.finish()

	events := waitEvents(t, conn)
	if last := events[len(events)-1]; last.Type != EventError {
		t.Errorf("terminal = %+v, want error when the append fails", last)
	}
	waitRegistryEmpty(t, svc.Registry())
}
