package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"catalog-migrator/internal/progress"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// sseSink writes named server-sent events.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(_ context.Context, ev progress.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	requestID := chi.URLParam(r, "requestID")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := s.streamer.Run(r.Context(), &sseSink{w: w, flusher: flusher}, userFromRequest(r), requestID); err != nil {
		s.logger.Debug("event stream ended", zap.String("request_id", requestID), zap.Error(err))
	}
}

// wsMessage is the frame a WebSocket client receives for each event.
type wsMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(_ context.Context, ev progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(wsMessage{Event: ev.Name, Data: ev.Data})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	userID := userFromRequest(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// The client sends nothing we act on; reading detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	sink := &wsSink{conn: conn}
	if err := s.streamer.Run(ctx, sink, userID, requestID); err != nil {
		s.logger.Debug("websocket stream ended", zap.String("request_id", requestID), zap.Error(err))
	}
	sink.mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"), time.Now().Add(wsWriteWait))
	sink.mu.Unlock()
}
