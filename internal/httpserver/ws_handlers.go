package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/emberchat/emberchat/internal/chat"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// viewers are same-origin browser tabs; the daemon carries no auth layer
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// handleStreamViewer attaches an extra WebSocket viewer to the in-flight
// stream for the session. The viewer receives the backlog replay first, then
// live events, ending with the same terminal event every connection sees.
func (s *Server) handleStreamViewer(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	conn, err := s.service.AttachViewer(chatID)
	if err != nil {
		if errors.Is(err, chat.ErrNoActiveStream) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		conn.Close()
		return
	}
	defer ws.Close()
	defer conn.Close()

	s.debugf("chat.viewer attached chat=%s conn=%s", chatID, conn.ID())

	// reader: consume client frames so pings are answered and treat any
	// incoming message as a heartbeat for the idle supervisor
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
			if sess, err := s.service.Registry().Get(chatID); err == nil {
				sess.Touch()
			}
		}
	}()

	for ev := range conn.Events() {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := ws.WriteJSON(ev); err != nil {
			return
		}
		if ev.Terminal() {
			break
		}
	}
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
}
