// Package telephony implements the PBX call-event adapter. The provider
// pushes call records over a webhook; there is no message surface at all,
// so send and inbound-message parsing are deliberate no-ops.
package telephony

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/webhook"
)

// Type is the registered channel identifier for telephony.
const Type = channel.TypeTelephony

type config struct {
	WebhookSecret string
}

// Adapter ingests call events from the PBX webhook.
type Adapter struct {
	logger *slog.Logger
	cfg    atomic.Pointer[config]
}

// New creates a telephony adapter.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{logger: log.With(slog.String("adapter", "telephony"))}
}

func (a *Adapter) Type() channel.Type {
	return Type
}

// Initialize binds the webhook signing secret.
func (a *Adapter) Initialize(cfg channel.IntegrationConfig) error {
	parsed := config{
		WebhookSecret: cfg.Credential("webhookSecret", "webhook_secret"),
	}
	if parsed.WebhookSecret == "" {
		return channel.NewConfigError(Type, "webhookSecret")
	}
	a.cfg.Store(&parsed)
	return nil
}

// SendMessage always fails: calls cannot be placed through this layer.
// No network request is made.
func (a *Adapter) SendMessage(_ context.Context, _ channel.SendOptions) (channel.SendResult, error) {
	return channel.Failure("telephony integration does not support sending messages"), nil
}

// ParseInbound always returns nil; telephony payloads carry call events,
// not messages.
func (a *Adapter) ParseInbound(_ []byte) *channel.ParsedMessage {
	return nil
}

type callEvent struct {
	CallID       string `json:"callId"`
	Phone        string `json:"phone"`
	Direction    string `json:"direction"`
	Duration     *int   `json:"duration"`
	RecordingURL string `json:"recordingUrl"`
	Status       string `json:"status"`
}

// ParseCallEvent normalizes a PBX call record. Unknown direction or status
// values yield nil rather than a half-formed call.
func (a *Adapter) ParseCallEvent(raw []byte) *channel.ParsedCall {
	var event callEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil
	}
	if event.CallID == "" || event.Phone == "" {
		return nil
	}
	direction, ok := parseDirection(event.Direction)
	if !ok {
		return nil
	}
	status, ok := parseStatus(event.Status)
	if !ok {
		return nil
	}
	return &channel.ParsedCall{
		ExternalCallID: event.CallID,
		Phone:          event.Phone,
		Direction:      direction,
		Duration:       event.Duration,
		RecordingURL:   event.RecordingURL,
		Status:         status,
	}
}

func parseDirection(value string) (channel.CallDirection, bool) {
	switch strings.ToLower(value) {
	case "inbound", "in", "incoming":
		return channel.CallInbound, true
	case "outbound", "out", "outgoing":
		return channel.CallOutbound, true
	default:
		return "", false
	}
}

func parseStatus(value string) (channel.CallStatus, bool) {
	switch strings.ToLower(value) {
	case "answered", "success":
		return channel.CallAnswered, true
	case "missed", "noanswer", "no_answer":
		return channel.CallMissed, true
	case "busy":
		return channel.CallBusy, true
	case "failed", "cancel":
		return channel.CallFailed, true
	default:
		return "", false
	}
}

// ValidateWebhook verifies the HMAC-SHA256 body signature the PBX sends
// in its signature header.
func (a *Adapter) ValidateWebhook(raw []byte, signature string, _ http.Header) bool {
	cfg := a.cfg.Load()
	if cfg == nil {
		return false
	}
	return webhook.ValidHMACSHA256(cfg.WebhookSecret, raw, signature, "sha256=")
}

func (a *Adapter) Features() channel.Features {
	return channel.Features{CallEvents: true}
}

func (a *Adapter) HealthCheck(_ context.Context) channel.Health {
	if a.cfg.Load() == nil {
		return channel.Health{Status: channel.Unhealthy, Message: "not initialized"}
	}
	return channel.Health{Status: channel.Healthy}
}
