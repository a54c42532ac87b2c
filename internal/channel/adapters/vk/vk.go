// Package vk implements the VK Callback API channel adapter.
package vk

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/webhook"
)

// Type is the registered channel identifier for VK.
const Type = channel.TypeVK

const (
	defaultAPIBase = "https://api.vk.com/method"
	apiVersion     = "5.131"
)

type config struct {
	AccessToken      string
	Secret           string
	ConfirmationCode string
	APIBase          string
}

// Adapter talks to the VK messages API and ingests Callback API events.
type Adapter struct {
	logger *slog.Logger
	client *http.Client
	cfg    atomic.Pointer[config]
}

// New creates a VK adapter.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "vk")),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Adapter) Type() channel.Type {
	return Type
}

// Initialize binds the community access token and callback secret.
func (a *Adapter) Initialize(cfg channel.IntegrationConfig) error {
	parsed := config{
		AccessToken:      cfg.Credential("accessToken", "access_token"),
		Secret:           cfg.Credential("secret", "secretKey"),
		ConfirmationCode: cfg.Credential("confirmationCode", "confirmation_code"),
		APIBase:          cfg.Credential("apiBase"),
	}
	if parsed.AccessToken == "" {
		return channel.NewConfigError(Type, "accessToken")
	}
	if parsed.Secret == "" {
		return channel.NewConfigError(Type, "secret")
	}
	if parsed.APIBase == "" {
		parsed.APIBase = defaultAPIBase
	}
	a.cfg.Store(&parsed)
	return nil
}

// SendMessage calls messages.send with a per-request random id.
func (a *Adapter) SendMessage(ctx context.Context, opts channel.SendOptions) (channel.SendResult, error) {
	cfg := a.cfg.Load()
	if cfg == nil {
		return channel.SendResult{}, channel.ErrNotInitialized
	}
	recipient := strings.TrimSpace(opts.Recipient)
	if recipient == "" {
		return channel.Failure("vk: recipient is required"), nil
	}

	form := url.Values{}
	form.Set("peer_id", recipient)
	form.Set("message", opts.Content)
	form.Set("random_id", strconv.FormatInt(time.Now().UnixNano(), 10))
	form.Set("access_token", cfg.AccessToken)
	form.Set("v", apiVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.APIBase+"/messages.send", strings.NewReader(form.Encode()))
	if err != nil {
		return channel.Failure("vk: build request: %v", err), nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return channel.Failure("vk: send: %v", err), nil
	}
	defer resp.Body.Close()

	var out struct {
		Response json.Number `json:"response"`
		Error    *struct {
			Code    int    `json:"error_code"`
			Message string `json:"error_msg"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return channel.Failure("vk: decode response: %v", err), nil
	}
	if out.Error != nil {
		a.logger.Warn("send rejected", slog.Int("code", out.Error.Code))
		return channel.Failure("vk: upstream error %d: %s", out.Error.Code, out.Error.Message), nil
	}
	return channel.SendResult{Success: true, ExternalMessageID: out.Response.String()}, nil
}

type callbackEvent struct {
	Type   string `json:"type"`
	Secret string `json:"secret"`
	Object struct {
		Message *struct {
			ID     int64  `json:"id"`
			FromID int64  `json:"from_id"`
			PeerID int64  `json:"peer_id"`
			Text   string `json:"text"`
		} `json:"message"`
	} `json:"object"`
}

// ParseInbound extracts a message_new event; every other event type yields nil.
func (a *Adapter) ParseInbound(raw []byte) *channel.ParsedMessage {
	var event callbackEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil
	}
	if event.Type != "message_new" || event.Object.Message == nil {
		return nil
	}
	msg := event.Object.Message
	return &channel.ParsedMessage{
		ExternalMessageID: strconv.FormatInt(msg.ID, 10),
		Sender:            strconv.FormatInt(msg.FromID, 10),
		Recipient:         strconv.FormatInt(msg.PeerID, 10),
		Content:           msg.Text,
		Direction:         channel.DirectionIncoming,
	}
}

// ValidateWebhook compares the shared secret VK embeds in every callback body.
func (a *Adapter) ValidateWebhook(raw []byte, _ string, _ http.Header) bool {
	cfg := a.cfg.Load()
	if cfg == nil {
		return false
	}
	var event callbackEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return false
	}
	if event.Secret == "" {
		return false
	}
	return webhook.SecureCompare(cfg.Secret, event.Secret)
}

// ConfirmationResponse returns the community confirmation code when the
// payload is the one-time subscription confirmation event.
func (a *Adapter) ConfirmationResponse(raw []byte) (string, bool) {
	cfg := a.cfg.Load()
	if cfg == nil || cfg.ConfirmationCode == "" {
		return "", false
	}
	var event callbackEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return "", false
	}
	if event.Type != "confirmation" {
		return "", false
	}
	return cfg.ConfirmationCode, true
}

func (a *Adapter) Features() channel.Features {
	return channel.Features{
		SendMessage:    true,
		ReceiveMessage: true,
	}
}

// HealthCheck probes groups.getById with the bound token.
func (a *Adapter) HealthCheck(ctx context.Context) channel.Health {
	cfg := a.cfg.Load()
	if cfg == nil {
		return channel.Health{Status: channel.Unhealthy, Message: "not initialized"}
	}
	form := url.Values{}
	form.Set("access_token", cfg.AccessToken)
	form.Set("v", apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.APIBase+"/groups.getById", strings.NewReader(form.Encode()))
	if err != nil {
		return channel.Health{Status: channel.Unhealthy, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.client.Do(req)
	if err != nil {
		return channel.Health{Status: channel.Unhealthy, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return channel.Health{Status: channel.Unhealthy, Message: "upstream status " + strconv.Itoa(resp.StatusCode)}
	}
	return channel.Health{Status: channel.Healthy}
}
