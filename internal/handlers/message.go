package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/voyzcrm/messaging/internal/auth"
	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/gateway"
	messagepkg "github.com/voyzcrm/messaging/internal/message"
)

// MessageHandler exposes the operator-facing messaging endpoints.
type MessageHandler struct {
	gateway *gateway.Gateway
	store   *messagepkg.Store
	logger  *slog.Logger
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(log *slog.Logger, gw *gateway.Gateway, store *messagepkg.Store) *MessageHandler {
	return &MessageHandler{
		gateway: gw,
		store:   store,
		logger:  log.With(slog.String("handler", "message")),
	}
}

// Register registers the messaging routes.
func (h *MessageHandler) Register(e *echo.Echo) {
	e.POST("/messages/send", h.Send)
	e.GET("/messages/unassigned", h.ListUnassigned)
	e.GET("/deals/:deal_id/messages", h.ListByDeal)
}

// Send routes one outbound message through its channel adapter.
func (h *MessageHandler) Send(c echo.Context) error {
	var req gateway.SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if _, err := channel.ParseType(string(req.Channel)); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient is required")
	}
	req.SenderID = auth.UserID(c)

	result, err := h.gateway.Send(c.Request().Context(), req)
	if err != nil {
		h.logger.Error("send message", slog.String("channel", string(req.Channel)), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "send failed")
	}
	// Upstream rejections are a result, not an HTTP error: the request
	// itself was well-formed and handled.
	return c.JSON(http.StatusOK, result)
}

// ListByDeal returns a deal's conversation history, oldest first.
func (h *MessageHandler) ListByDeal(c echo.Context) error {
	dealID := strings.TrimSpace(c.Param("deal_id"))
	if dealID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "deal id is required")
	}
	messages, err := h.store.ListByDeal(c.Request().Context(), dealID)
	if err != nil {
		h.logger.Error("list deal messages", slog.String("deal_id", dealID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"items": messages})
}

// ListUnassigned returns incoming messages with no matching deal.
func (h *MessageHandler) ListUnassigned(c echo.Context) error {
	limit := 0
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = parsed
	}
	messages, err := h.store.ListUnassigned(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("list unassigned messages", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"items": messages})
}
