package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/bus"
)

// Keepalive parameters shared by every WebSocket stream.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, bus.TopicLogs)
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, bus.TopicStatus)
}

func (s *Server) handleStreamReports(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, bus.TopicReports)
}

// serveStream fans one bus topic out to the client: a WebSocket when the
// request asks for an upgrade, newline-delimited JSON otherwise.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, topic bus.Topic) {
	if s.events == nil {
		respondError(w, http.StatusServiceUnavailable, "streams_disabled")
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r, topic)
		return
	}
	s.serveNDJSON(w, r, topic)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, topic bus.Topic) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("topic", string(topic)), zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe(topic)
	defer sub.Close()

	// The client sends no data, but the read loop surfaces close frames
	// and keeps the pong handler running.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-readerDone:
			return
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) serveNDJSON(w http.ResponseWriter, r *http.Request, topic bus.Topic) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	sub := s.events.Subscribe(topic)
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
