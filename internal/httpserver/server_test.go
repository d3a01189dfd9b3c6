package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emberchat/emberchat/internal/adapter/loopback"
	"github.com/emberchat/emberchat/internal/chat"
	"github.com/emberchat/emberchat/internal/store"
	"github.com/emberchat/emberchat/internal/testutil"
)

// fakeStore is an in-memory store.Store good enough for handler tests.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]store.SessionConfig
	turns    map[string][]store.Turn
	nextID   int64
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]store.SessionConfig),
		turns:    make(map[string][]store.Turn),
	}
}

func (f *fakeStore) addSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = store.SessionConfig{
		SessionID:            id,
		ModelID:              "loopback",
		SystemPrompt:         "You are a test character.",
		CharacterDescription: "Test character.",
		ProfileDescription:   "Test user.",
	}
}

func (f *fakeStore) LoadSessionConfig(_ context.Context, sessionID string) (*store.SessionConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &cfg, nil
}

func (f *fakeStore) ListTurns(_ context.Context, sessionID string) ([]store.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Turn(nil), f.turns[sessionID]...), nil
}

func (f *fakeStore) AppendTurn(_ context.Context, sessionID, role, content string) (*store.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, store.ErrNotFound
	}
	f.nextID++
	t := store.Turn{
		ID:        f.nextID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Position:  len(f.turns[sessionID]),
		CreatedAt: time.Now().UTC(),
	}
	f.turns[sessionID] = append(f.turns[sessionID], t)
	return &t, nil
}

func (f *fakeStore) CreateCharacter(_ context.Context, c store.Character) (*store.Character, error) {
	return &c, nil
}

func (f *fakeStore) GetCharacter(_ context.Context, _ int64) (*store.Character, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateProfile(_ context.Context, p store.UserProfile) (*store.UserProfile, error) {
	return &p, nil
}

func (f *fakeStore) CreateSession(_ context.Context, s store.ChatSession) (*store.ChatSession, error) {
	return &s, nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*store.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return nil, store.ErrNotFound
	}
	return &store.ChatSession{ID: id, ModelID: "loopback"}, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) Close() error { return nil }

func newTestServer(t *testing.T, chunkDelay time.Duration) (*testutil.IPv4Server, *chat.Service, *fakeStore) {
	t.Helper()
	adpt := loopback.New()
	adpt.ChunkDelay = chunkDelay
	fs := newFakeStore()
	svc := chat.NewService(adpt, fs, chat.Options{ConnBufferSize: 16, PersistTimeout: 2 * time.Second})
	srv := New(svc, fs)
	ts := testutil.NewIPv4Server(t, srv.Router())
	t.Cleanup(ts.Close)
	return ts, svc, fs
}

func postMessage(t *testing.T, baseURL, chatID, content string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"content": content})
	resp, err := http.Post(baseURL+"/api/chats/"+chatID+"/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST messages: %v", err)
	}
	return resp
}

// readSSEEvents decodes data: frames from an event-stream body, skipping
// keepalive comments, until the stream closes.
func readSSEEvents(t *testing.T, resp *http.Response) []chat.Event {
	t.Helper()
	defer resp.Body.Close()
	var events []chat.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		var ev chat.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("decode event %q: %v", payload, err)
		}
		events = append(events, ev)
	}
	return events
}

func waitRegistryLen(t *testing.T, svc *chat.Service, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.Registry().Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry length did not reach %d", want)
}

func TestSendMessage_StreamsAndPersists(t *testing.T) {
	ts, _, fs := newTestServer(t, 0)
	fs.addSession("chat-1")

	resp := postMessage(t, ts.URL, "chat-1", "echo me")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}

	events := readSSEEvents(t, resp)
	if len(events) == 0 {
		t.Fatal("no events received")
	}
	last := events[len(events)-1]
	if last.Type != chat.EventDone {
		t.Fatalf("terminal event = %+v, want done", last)
	}
	var text string
	for _, ev := range events[:len(events)-1] {
		if ev.Type != chat.EventContent {
			t.Fatalf("non-content event before terminal: %+v", ev)
		}
		text += ev.Data
	}
	if text != "[loopback] echo me" {
		t.Errorf("streamed text = %q", text)
	}

	turns, _ := fs.ListTurns(context.Background(), "chat-1")
	if len(turns) != 2 {
		t.Fatalf("persisted %d turns, want user+assistant", len(turns))
	}
	if turns[0].Role != "user" || turns[0].Content != "echo me" {
		t.Errorf("turn 0 = %+v", turns[0])
	}
	if turns[1].Role != "assistant" || turns[1].Content != text {
		t.Errorf("turn 1 = %+v", turns[1])
	}
}

func TestSendMessage_BadRequests(t *testing.T) {
	ts, _, fs := newTestServer(t, 0)
	fs.addSession("chat-1")

	resp := postMessage(t, ts.URL, "chat-1", "   ")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty content status = %d, want 400", resp.StatusCode)
	}

	resp, err := http.Post(ts.URL+"/api/chats/chat-1/messages", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}
}

func TestSendMessage_UnknownChat(t *testing.T) {
	ts, _, _ := newTestServer(t, 0)

	resp := postMessage(t, ts.URL, "missing", "hello")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected a JSON error body")
	}
}

func TestSendMessage_ConflictWhileStreaming(t *testing.T) {
	ts, svc, fs := newTestServer(t, 30*time.Millisecond)
	fs.addSession("chat-1")

	done := make(chan []chat.Event, 1)
	go func() {
		resp := postMessage(t, ts.URL, "chat-1", "one two three four five six seven eight nine ten")
		done <- readSSEEvents(t, resp)
	}()
	waitRegistryLen(t, svc, 1)

	resp := postMessage(t, ts.URL, "chat-1", "second message")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}

	events := <-done
	if last := events[len(events)-1]; last.Type != chat.EventDone {
		t.Errorf("first stream terminal = %+v, want done", last)
	}
}

func TestCancelEndpoint(t *testing.T) {
	ts, svc, fs := newTestServer(t, 30*time.Millisecond)
	fs.addSession("chat-1")

	// nothing in flight yet
	resp, err := http.Post(ts.URL+"/api/chats/chat-1/messages/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	var out struct {
		Cancelled bool   `json:"cancelled"`
		Detail    string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if out.Cancelled || out.Detail != "no active stream" {
		t.Errorf("idle cancel = %+v", out)
	}

	done := make(chan []chat.Event, 1)
	go func() {
		resp := postMessage(t, ts.URL, "chat-1", "one two three four five six seven eight nine ten")
		done <- readSSEEvents(t, resp)
	}()
	waitRegistryLen(t, svc, 1)

	resp, err = http.Post(ts.URL+"/api/chats/chat-1/messages/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if !out.Cancelled {
		t.Error("expected cancelled=true for in-flight stream")
	}

	events := <-done
	last := events[len(events)-1]
	if last.Type != chat.EventCancelled || last.Reason != chat.ReasonUserCancelled {
		t.Errorf("terminal = %+v, want cancelled/user_cancelled", last)
	}

	turns, _ := fs.ListTurns(context.Background(), "chat-1")
	for _, turn := range turns {
		if turn.Role == "assistant" {
			t.Errorf("cancelled stream persisted assistant turn %+v", turn)
		}
	}
}

func TestListMessages(t *testing.T) {
	ts, _, fs := newTestServer(t, 0)
	fs.addSession("chat-1")
	_, _ = fs.AppendTurn(context.Background(), "chat-1", "user", "Hi")
	_, _ = fs.AppendTurn(context.Background(), "chat-1", "assistant", "Hello!")

	resp, err := http.Get(ts.URL + "/api/chats/chat-1/messages")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Messages []turnResponse `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("got %d messages", len(body.Messages))
	}
	if body.Messages[0].Role != "user" || body.Messages[1].Content != "Hello!" {
		t.Errorf("messages = %+v", body.Messages)
	}

	resp, err = http.Get(ts.URL + "/api/chats/missing/messages")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t, 0)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}
	if _, ok := body["active_streams"]; !ok {
		t.Error("health body missing active_streams")
	}
}

func TestSSEPing(t *testing.T) {
	adpt := loopback.New()
	adpt.ChunkDelay = 120 * time.Millisecond
	fs := newFakeStore()
	fs.addSession("chat-1")
	svc := chat.NewService(adpt, fs, chat.Options{ConnBufferSize: 16, PersistTimeout: time.Second})
	srv := New(svc, fs)
	srv.SetSSEPingInterval(25 * time.Millisecond)
	ts := testutil.NewIPv4Server(t, srv.Router())
	defer ts.Close()

	resp := postMessage(t, ts.URL, "chat-1", "slow words arriving late")
	defer resp.Body.Close()

	var sawPing bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, ": ping") {
			sawPing = true
		}
		if strings.Contains(line, `"type":"done"`) {
			break
		}
	}
	if !sawPing {
		t.Error("expected at least one keepalive ping between chunks")
	}
}

func TestRespondError(t *testing.T) {
	srv := &Server{}
	rec := httptest.NewRecorder()
	srv.respondError(rec, http.StatusTeapot, fmt.Errorf("brew failure"))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "brew failure") {
		t.Errorf("body = %q", rec.Body.String())
	}
}
