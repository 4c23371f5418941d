package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"paycore/internal/common/api"
	"paycore/internal/common/middleware"
	"paycore/internal/tracker"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// StreamMessage is one frame sent on a tracking stream.
type StreamMessage struct {
	Type string            `json:"type"`
	Data *tracker.Snapshot `json:"data,omitempty"`
}

// Stream message types
const (
	MessageSnapshot = "snapshot"
	MessageFinal    = "final"
)

// Client actions
const (
	ActionStop   = "stop"
	ActionPause  = "pause"
	ActionResume = "resume"
)

// clientMessage is a frame sent by the client.
type clientMessage struct {
	Action string `json:"action"`
}

// Stream handles GET /{reference}/stream. It upgrades to a websocket and
// pushes tracking snapshots until tracking ends, then closes the connection
// after a final frame. A client may send {"action":"stop"}, "pause" or
// "resume".
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	updates, cancel, ok := h.service.Subscribe(reference)
	if !ok {
		api.NotFound(w, "payment is not being tracked")
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "reference", reference, "error", err)
		return
	}
	defer conn.Close()

	logger := h.logger.With("reference", reference, "correlation_id", middleware.GetCorrelationID(r.Context()))
	logger.Debug("tracking stream opened")

	done := make(chan struct{})
	go h.readClient(conn, reference, done)

	ping := time.NewTicker(h.ping)
	defer ping.Stop()

	for {
		select {
		case snap, open := <-updates:
			if !open {
				closeStream(conn)
				logger.Debug("tracking stream finished")
				return
			}
			final := !snap.Tracking && snap.StopReason != ""
			msg := StreamMessage{Type: MessageSnapshot, Data: &snap}
			if final {
				msg.Type = MessageFinal
			}
			if err := write(conn, msg); err != nil {
				logger.Debug("tracking stream write failed", "error", err)
				return
			}
			if final {
				closeStream(conn)
				logger.Debug("tracking stream finished")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readClient handles pongs and client actions until the connection closes.
func (h *Handler) readClient(conn *websocket.Conn, reference string, done chan<- struct{}) {
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("tracking stream closed", "reference", reference, "error", err)
			}
			return
		}
		switch msg.Action {
		case ActionStop:
			h.service.StopTracking(reference)
		case ActionPause:
			h.service.PauseTracking(reference)
		case ActionResume:
			h.service.ResumeTracking(reference)
		}
	}
}

func closeStream(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tracking stopped"))
}

func write(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
