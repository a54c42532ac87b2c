package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/gateway"
	"github.com/voyzcrm/messaging/internal/webhook"
)

// WebhookHandler terminates provider webhooks. Routes are public; every
// payload is authenticated with the channel's own scheme before it
// reaches the gateway.
type WebhookHandler struct {
	registry *channel.Registry
	gateway  *gateway.Gateway
	logger   *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(log *slog.Logger, registry *channel.Registry, gw *gateway.Gateway) *WebhookHandler {
	return &WebhookHandler{
		registry: registry,
		gateway:  gw,
		logger:   log.With(slog.String("handler", "webhook")),
	}
}

// Register registers the webhook routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	group := e.Group("/integrations/:channel/webhook")
	group.GET("", h.Verify)
	group.POST("", h.Receive)
}

// Verify answers provider endpoint-verification probes, e.g. the
// hub.challenge handshake. Channels without a challenge flow get 404.
func (h *WebhookHandler) Verify(c echo.Context) error {
	channelType, err := channel.ParseType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}
	verifier, ok := h.registry.GetChallengeVerifier(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "channel has no verification handshake")
	}
	response, ok := verifier.VerifyChallenge(c.QueryParams())
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, response)
}

// Receive authenticates and ingests one webhook delivery. The provider is
// acknowledged with 200 whenever the payload was handled, including
// duplicates and non-message callbacks; only storage failures return 5xx
// so the provider retries.
func (h *WebhookHandler) Receive(c echo.Context) error {
	channelType, err := channel.ParseType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}
	adapter, ok := h.registry.Get(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}
	if !h.registry.Ready(channelType) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "integration is not configured")
	}

	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}

	signature := webhook.SignatureFromHeader(c.Request().Header)
	if !adapter.ValidateWebhook(raw, signature, c.Request().Header) {
		h.logger.Warn("webhook signature rejected", slog.String("channel", string(channelType)))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	// Some providers expect a verbatim confirmation echo on their first
	// authenticated delivery.
	if responder, ok := h.registry.GetConfirmationResponder(channelType); ok {
		if response, ok := responder.ConfirmationResponse(raw); ok {
			return c.String(http.StatusOK, response)
		}
	}

	// Ingestion runs to completion even if the provider drops the
	// connection; persistence must not be lost to a client disconnect.
	ctx := context.WithoutCancel(c.Request().Context())

	if parser, ok := h.registry.GetCallParser(channelType); ok {
		if parser.ParseCallEvent(raw) != nil {
			result, err := h.gateway.HandleCallEvent(ctx, channelType, raw)
			if err != nil {
				h.logger.Error("handle call event", slog.String("channel", string(channelType)), slog.Any("error", err))
				return echo.NewHTTPError(http.StatusInternalServerError, "call event not stored")
			}
			return c.JSON(http.StatusOK, map[string]any{"status": "ok", "created": result.Created})
		}
	}

	result, err := h.gateway.HandleInbound(ctx, channelType, raw)
	if err != nil {
		h.logger.Error("handle inbound", slog.String("channel", string(channelType)), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "message not stored")
	}
	if result.Ignored {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "created": result.Created})
}
