package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4096
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // the bridge listens on loopback by default
	},
}

// streamFrame is pushed to the UI after every change.
type streamFrame struct {
	Type     string         `json:"type"`
	Status   session.Status `json:"status"`
	Messages []models.View  `json:"messages"`
}

// StreamHandler pushes the ordered conversation to websocket clients.
type StreamHandler struct {
	session    Session
	pingPeriod time.Duration
	logger     *slog.Logger
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(s Session, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		session:    s,
		pingPeriod: pongWait * 9 / 10,
		logger:     logger,
	}
}

// Stream handles GET /api/v1/stream. It sends the current conversation on
// connect and again whenever the session changes; changes that arrive while
// a frame is being written coalesce into the next one.
func (h *StreamHandler) Stream(c echo.Context) error {
	ws, err := streamUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed", "error", err)
		return nil
	}
	defer ws.Close()

	changes, cancel := h.session.Watch()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(maxMessageSize)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	if err := h.writeFrame(ws); err != nil {
		return nil
	}
	for {
		select {
		case <-closed:
			return nil
		case <-changes:
			if err := h.writeFrame(ws); err != nil {
				h.logger.Debug("stream write failed", "error", err)
				return nil
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

func (h *StreamHandler) writeFrame(ws *websocket.Conn) error {
	frame := streamFrame{
		Type:     "snapshot",
		Status:   h.session.Status(),
		Messages: h.session.Snapshot(),
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(frame)
}
