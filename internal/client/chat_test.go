package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/emberchat/emberchat/internal/testutil"
)

func newClient(t *testing.T, handler http.Handler) *ChatClient {
	t.Helper()
	server := testutil.NewIPv4Server(t, handler)
	t.Cleanup(server.Close)
	c, err := NewChatClient(server.URL, server.Client())
	if err != nil {
		t.Fatalf("NewChatClient() error = %v", err)
	}
	return c
}

func TestSendMessage_Stream(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chats/demo/messages" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["content"] != "hello" {
			t.Errorf("request body = %v (%v)", body, err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"type":"content","data":"Hi "}`+"\n\n")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, `data: {"type":"content","data":"there"}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"done"}`+"\n\n")
	}))

	ch, err := c.SendMessage(context.Background(), "demo", "hello")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	var text string
	var last Event
	for ev := range ch {
		last = ev
		text += ev.Data
	}
	if last.Type != "done" {
		t.Errorf("terminal = %+v", last)
	}
	if text != "Hi there" {
		t.Errorf("text = %q", text)
	}
}

func TestSendMessage_Conflict(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"stream already in flight"}`)
	}))

	_, err := c.SendMessage(context.Background(), "demo", "hello")
	if err == nil || !strings.Contains(err.Error(), "stream already in flight") {
		t.Errorf("error = %v, want server error message", err)
	}
}

func TestCancel(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chats/demo/messages/cancel" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"cancelled":false,"detail":"no active stream"}`)
	}))

	res, err := c.Cancel(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if res.Cancelled || res.Detail != "no active stream" {
		t.Errorf("result = %+v", res)
	}
}

func TestHistory(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"messages":[{"id":1,"role":"user","content":"Hi","position":0},{"id":2,"role":"assistant","content":"Hello!","position":1}]}`)
	}))

	turns, err := c.History(context.Background(), "demo")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(turns) != 2 || turns[1].Role != "assistant" || turns[1].Content != "Hello!" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestHistory_APIError(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "plain text failure", http.StatusInternalServerError)
	}))

	_, err := c.History(context.Background(), "demo")
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Errorf("error = %v, want status fallback", err)
	}
}
