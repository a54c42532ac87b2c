package handlers

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"

	"github.com/voyzcrm/messaging/internal/realtime"
)

// RealtimeHandler streams hub events to operator WebSocket clients.
type RealtimeHandler struct {
	hub    *realtime.Hub
	logger *slog.Logger
}

// NewRealtimeHandler creates a RealtimeHandler.
func NewRealtimeHandler(log *slog.Logger, hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{
		hub:    hub,
		logger: log.With(slog.String("handler", "realtime")),
	}
}

// Register registers the streaming routes.
func (h *RealtimeHandler) Register(e *echo.Echo) {
	e.GET("/realtime", h.Stream)
	e.GET("/deals/:deal_id/realtime", h.Stream)
}

// Stream upgrades to WebSocket and forwards hub events until the client
// disconnects. Without a deal id the client joins the global room and sees
// all traffic, unassigned messages included.
func (h *RealtimeHandler) Stream(c echo.Context) error {
	room := strings.TrimSpace(c.Param("deal_id"))
	if room == "" {
		room = realtime.GlobalRoom
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	streamID, events, cancel := h.hub.Subscribe(room, 0)
	defer cancel()
	h.logger.Debug("realtime subscriber connected",
		slog.String("room", room), slog.String("stream_id", streamID))

	// CloseRead surfaces client disconnects through ctx while discarding
	// anything the client writes.
	ctx := conn.CloseRead(c.Request().Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				h.logger.Debug("realtime subscriber dropped",
					slog.String("room", room), slog.String("stream_id", streamID))
				return nil
			}
		}
	}
}
