package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/integration"
)

// IntegrationsHandler manages channel integrations: status, credential
// updates, and health probes.
type IntegrationsHandler struct {
	registry *channel.Registry
	store    *integration.Store
	logger   *slog.Logger
}

// NewIntegrationsHandler creates an IntegrationsHandler.
func NewIntegrationsHandler(log *slog.Logger, registry *channel.Registry, store *integration.Store) *IntegrationsHandler {
	return &IntegrationsHandler{
		registry: registry,
		store:    store,
		logger:   log.With(slog.String("handler", "integrations")),
	}
}

// Register registers the integration management routes.
func (h *IntegrationsHandler) Register(e *echo.Echo) {
	e.GET("/integrations", h.List)
	e.PUT("/integrations/:channel", h.Update)
	e.POST("/integrations/:channel/reload", h.Reload)
	e.GET("/integrations/:channel/health", h.Health)
}

type integrationStatus struct {
	Channel  channel.Type     `json:"channel"`
	Ready    bool             `json:"ready"`
	Features channel.Features `json:"features"`
}

// List returns every registered channel with its readiness and feature set.
func (h *IntegrationsHandler) List(c echo.Context) error {
	var items []integrationStatus
	for _, adapter := range h.registry.List() {
		items = append(items, integrationStatus{
			Channel:  adapter.Type(),
			Ready:    h.registry.Ready(adapter.Type()),
			Features: adapter.Features(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

type updateRequest struct {
	Credentials map[string]any `json:"credentials"`
	Active      bool           `json:"active"`
}

// Update stores new credentials for a channel and reloads its adapter, so
// rotation takes effect without a restart.
func (h *IntegrationsHandler) Update(c echo.Context) error {
	channelType, err := channel.ParseType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cfg := channel.IntegrationConfig{
		Channel:     channelType,
		Credentials: req.Credentials,
		Active:      req.Active,
	}
	if err := h.store.Upsert(c.Request().Context(), cfg); err != nil {
		h.logger.Error("upsert integration config", slog.String("channel", string(channelType)), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "config not stored")
	}
	if err := h.registry.Reload(c.Request().Context(), h.store, channelType); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"channel": channelType,
		"ready":   h.registry.Ready(channelType),
	})
}

// Reload re-reads the stored config into the adapter.
func (h *IntegrationsHandler) Reload(c echo.Context) error {
	channelType, err := channel.ParseType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err := h.registry.Reload(c.Request().Context(), h.store, channelType); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"channel": channelType,
		"ready":   h.registry.Ready(channelType),
	})
}

// Health probes the channel's upstream API.
func (h *IntegrationsHandler) Health(c echo.Context) error {
	channelType, err := channel.ParseType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	adapter, ok := h.registry.Get(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}
	ctx, cancel := contextWithTimeout(c, 10*time.Second)
	defer cancel()
	health := adapter.HealthCheck(ctx)
	status := http.StatusOK
	if health.Status != channel.Healthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, health)
}
