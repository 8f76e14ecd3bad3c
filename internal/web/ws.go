package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/pilot/internal/agent"
)

const (
	wsTickInterval = 15 * time.Second
	wsPongWait     = 45 * time.Second
	wsWriteWait    = 10 * time.Second
)

var taskEventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleTaskEvents mirrors the task's event feed over a websocket: buffered
// history first, then live events until the run finishes. Each frame is the
// same JSON object the SSE stream carries.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		if code := statusFor(err); code == http.StatusNotFound {
			s.jsonError(w, "task not found", code)
		} else {
			s.logger.Error(r.Context(), "task load failed", "task_id", taskID, "error", err)
			s.jsonError(w, "task unavailable", code)
		}
		return
	}

	conn, err := taskEventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	replay, live := s.broker.Subscribe(taskID)
	if live != nil {
		defer s.broker.Unsubscribe(taskID, live)
	}

	// Reader pump: consumes pongs and the client's close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 20)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range replay {
		if err := writeWS(conn, ev); err != nil {
			return
		}
	}
	if live == nil {
		s.closeWS(conn, "task finished")
		return
	}

	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-live:
			if !ok {
				s.closeWS(conn, "task finished")
				return
			}
			if err := writeWS(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) closeWS(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(wsWriteWait))
}

func writeWS(conn *websocket.Conn, ev agent.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}
