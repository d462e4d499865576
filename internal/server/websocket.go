package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/jsand/internal/remotelog"
	"github.com/michaelbrown/jsand/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // operator API, bound to a trusted interface
	},
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string                `json:"type"`
	Logger  string                `json:"logger,omitempty"`
	Level   string                `json:"level,omitempty"`
	Time    *time.Time            `json:"time,omitempty"`
	Message string                `json:"message,omitempty"`
	Status  storage.SessionStatus `json:"status,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func logMessage(logger, level string, ts time.Time, msg string) wsOutgoing {
	return wsOutgoing{Type: "log", Logger: logger, Level: level, Time: &ts, Message: msg}
}

// handleWebSocket tails the forwarded log events of a session. A running
// session streams live; a finished one replays its stored events. Both end
// with a "done" message carrying the final status.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	as, live := s.sessions.Get(id)
	var events <-chan remotelog.Event
	if live {
		ch, cancel := s.hub.Subscribe(id, 256)
		defer cancel()
		events = ch
	} else if _, err := s.store.GetSession(r.Context(), id); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	// Read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !live {
		s.replay(r.Context(), conn, id)
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !s.wsWriteJSON(conn, logMessage(ev.Logger, ev.Level.String(), ev.Time, ev.Message())) {
				return
			}
		case <-as.Done():
			// drain what arrived before the run returned
		drain:
			for {
				select {
				case ev := <-events:
					s.wsWriteJSON(conn, logMessage(ev.Logger, ev.Level.String(), ev.Time, ev.Message()))
				default:
					break drain
				}
			}
			out, err := as.Result()
			done := wsOutgoing{Type: "done"}
			if out != nil {
				done.Status = out.Status
			}
			if err != nil {
				done.Error = err.Error()
			}
			s.wsWriteJSON(conn, done)
			return
		case <-closed:
			return
		}
	}
}

func (s *Server) replay(ctx context.Context, conn *websocket.Conn, id string) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		s.wsWriteJSON(conn, wsOutgoing{Type: "error", Error: err.Error()})
		return
	}
	events, err := s.store.LoadLogEvents(ctx, sess.ID)
	if err != nil {
		s.wsWriteJSON(conn, wsOutgoing{Type: "error", Error: err.Error()})
		return
	}
	for _, ev := range events {
		if !s.wsWriteJSON(conn, logMessage(ev.Logger, ev.Level, ev.Time, ev.Message)) {
			return
		}
	}
	s.wsWriteJSON(conn, wsOutgoing{Type: "done", Status: sess.Status, Error: sess.Error})
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("websocket marshal", "error", err)
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("websocket write", "error", err)
		return false
	}
	return true
}
