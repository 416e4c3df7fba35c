package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"msr/pkg/broadcast"
	msrerrors "msr/pkg/errors"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second

	// StreamCapacity is the subscriber queue of one websocket client. Slow
	// clients lose the oldest events and see the gap in "dropped".
	StreamCapacity = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Same-origin requests have no Origin header
		}
		// Allow localhost origins only
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
		return false
	},
}

// EventMessage is one event as sent to websocket clients.
type EventMessage struct {
	Seq       uint64    `json:"seq"`
	When      time.Time `json:"when"`
	Publisher string    `json:"publisher"`
	Dropped   uint64    `json:"dropped"`
	Payload   any       `json:"payload"`
}

// handleEvents streams a plugin's events over a websocket until the client
// goes away, the plugin stops or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("plugin")
	stream, ok := s.host.Streams()[name]
	if !ok {
		http.Error(w, "unknown plugin or plugin has no events", http.StatusNotFound)
		return
	}

	rx, err := stream.SubscribeAny(broadcast.WithCapacity(StreamCapacity), broadcast.WithPolicy(broadcast.DropOldest))
	if err != nil {
		http.Error(w, "plugin is stopped", http.StatusGone)
		return
	}
	defer rx.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.String("plugin", name), zap.Error(err))
		return
	}
	defer conn.Close()

	logger := s.logger.With(zap.String("plugin", name), zap.String("remote_addr", r.RemoteAddr))
	logger.Info("Event stream opened")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// The read side only watches for the client closing the connection.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		ev, err := rx.Recv(ctx)
		if err != nil {
			reason := "server shutting down"
			if errors.Is(err, msrerrors.ErrChannelClosed) {
				reason = "plugin stopped"
			} else if ctx.Err() != nil && s.ctx.Err() == nil {
				logger.Info("Event stream closed by client")
				return
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(writeWait))
			logger.Info("Event stream ended", zap.String("reason", reason))
			return
		}

		msg := EventMessage{
			Seq:       ev.Seq,
			When:      ev.Published.When,
			Publisher: ev.Published.Publisher,
			Dropped:   rx.Dropped(),
			Payload:   ev.Payload,
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug("Event stream write failed", zap.Error(err))
			return
		}
	}
}
