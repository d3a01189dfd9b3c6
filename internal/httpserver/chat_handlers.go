package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/emberchat/emberchat/internal/chat"
	"github.com/emberchat/emberchat/internal/store"
)

type sendMessageRequest struct {
	Content string `json:"content"`
}

// handleSendMessage admits one new user message for the chat session and
// streams the generation back as SSE. Exactly one terminal event (done,
// error or cancelled) ends the stream.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	chatID := chi.URLParam(r, "chatID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}

	conn, err := s.service.SendMessage(r.Context(), chatID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrAlreadyStreaming):
			s.respondError(w, http.StatusConflict, err)
		case errors.Is(err, store.ErrNotFound):
			s.respondError(w, http.StatusNotFound, fmt.Errorf("unknown chat session %q", chatID))
		default:
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	defer conn.Close()

	s.debugf("chat.stream start chat=%s conn=%s", chatID, conn.ID())
	s.writeEventStream(w, r, conn)

	if s.logger != nil {
		s.logger.Printf("chat.stream end chat=%s total_ms=%d", chatID, time.Since(reqStart).Milliseconds())
	}
}

type turnResponse struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// handleListMessages returns the persisted history of a chat session in
// position order. An in-flight generation is not part of the history until
// it completes.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	if _, err := s.store.GetSession(r.Context(), chatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, fmt.Errorf("unknown chat session %q", chatID))
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	turns, err := s.store.ListTurns(r.Context(), chatID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]turnResponse, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnResponse{
			ID:        t.ID,
			Role:      t.Role,
			Content:   t.Content,
			Position:  t.Position,
			CreatedAt: t.CreatedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// handleCancelMessage cancels the in-flight generation, if any. Cancelling a
// session with no active stream is a benign no-op, not an error.
func (s *Server) handleCancelMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if s.service.Cancel(chatID) {
		s.respondJSON(w, http.StatusOK, map[string]any{"cancelled": true})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"cancelled": false, "detail": "no active stream"})
}

// writeEventStream relays connection events to the client as SSE, with
// keepalive pings while the upstream is quiet.
func (s *Server) writeEventStream(w http.ResponseWriter, r *http.Request, conn *chat.Connection) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	emit := func(ev chat.Event) bool {
		b, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	if s.ssePingInterval > 0 {
		ticker = time.NewTicker(s.ssePingInterval)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			if !emit(ev) {
				return
			}
			if ev.Terminal() {
				return
			}
		case <-tick:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			// client went away; the generation keeps running for other
			// viewers and the idle supervisor
			return
		}
	}
}
