package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/peerchat/internal/mesh"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	eventBuffer  = 64
)

type api struct {
	mesh *mesh.Mesh
	room string
}

func newAPI(m *mesh.Mesh, room string) *api {
	return &api{mesh: m, room: room}
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/status", a.handleStatus)
	r.Get("/api/messages", a.handleMessages)
	r.Post("/api/messages", a.handleSend)
	r.Post("/api/typing", a.handleTyping)
	r.Post("/api/name", a.handleName)
	r.Post("/api/clear", a.handleClear)
	r.Post("/api/reconnect", a.handleReconnect)
	r.Get("/ws", a.handleWS)
	return r
}

func (a *api) status() map[string]interface{} {
	resp := map[string]interface{}{
		"room":         a.room,
		"status":       a.mesh.Status(),
		"handle":       a.mesh.Handle(),
		"name":         a.mesh.Name(),
		"participants": a.mesh.Participants(),
		"peers":        a.mesh.Peers(),
		"typing":       a.mesh.TypingNames(),
		"stats":        a.mesh.Stats(),
	}
	if err := a.mesh.LastError(); err != nil {
		resp["lastError"] = err.Error()
	}
	return resp
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.status())
}

func (a *api) handleMessages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"messages": a.mesh.Transcript(),
	})
}

func (a *api) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	msg, err := a.mesh.Send(req.Text)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, mesh.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message": msg,
	})
}

func (a *api) handleTyping(w http.ResponseWriter, r *http.Request) {
	a.mesh.Typing()
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, errors.New("name required"))
		return
	}
	a.mesh.SetName(req.Name)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"name": a.mesh.Name(),
	})
}

func (a *api) handleClear(w http.ResponseWriter, r *http.Request) {
	a.mesh.Clear()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "cleared",
	})
}

func (a *api) handleReconnect(w http.ResponseWriter, r *http.Request) {
	a.mesh.Reconnect()
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "reconnecting",
	})
}

// handleWS streams mesh events. The first frame is a status snapshot.
func (a *api) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	events, cancel := a.mesh.Subscribe(eventBuffer)
	defer cancel()
	defer func() { _ = conn.Close() }()

	snapshot := a.status()
	snapshot["type"] = "snapshot"
	snapshot["messages"] = a.mesh.Transcript()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := writeJSON(conn, snapshot); err != nil {
		return
	}

	done := make(chan struct{})
	go readWS(conn, a.mesh, done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
				return
			}
			if err := writeJSON(conn, ev); err != nil {
				log.Debug().Err(err).Msg("write event")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readWS accepts {"type":"send","text":...} and {"type":"typing"} from the
// browser until the socket closes.
func readWS(conn *websocket.Conn, m *mesh.Mesh, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var req struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Type {
		case "send":
			if _, err := m.Send(req.Text); err != nil {
				log.Debug().Err(err).Msg("ws send")
			}
		case "typing":
			m.Typing()
		}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode json response")
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
