// Package whatsapp implements the WhatsApp Cloud API channel adapter.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/webhook"
)

// Type is the registered channel identifier for WhatsApp.
const Type = channel.TypeWhatsApp

const defaultAPIBase = "https://graph.facebook.com/v18.0"

type config struct {
	AccessToken   string
	PhoneNumberID string
	AppSecret     string
	VerifyToken   string
	APIBase       string
}

// Adapter talks to the WhatsApp Cloud API. Credentials are swapped
// atomically on re-initialization so in-flight sends keep the bundle they
// started with.
type Adapter struct {
	logger *slog.Logger
	client *http.Client
	cfg    atomic.Pointer[config]
}

// New creates a WhatsApp adapter.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "whatsapp")),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Adapter) Type() channel.Type {
	return Type
}

// Initialize binds the Cloud API credentials.
func (a *Adapter) Initialize(cfg channel.IntegrationConfig) error {
	parsed := config{
		AccessToken:   cfg.Credential("accessToken", "access_token"),
		PhoneNumberID: cfg.Credential("phoneNumberId", "phone_number_id"),
		AppSecret:     cfg.Credential("appSecret", "app_secret"),
		VerifyToken:   cfg.Credential("webhookVerifyToken", "verify_token"),
		APIBase:       cfg.Credential("apiBase"),
	}
	if parsed.AccessToken == "" {
		return channel.NewConfigError(Type, "accessToken")
	}
	if parsed.PhoneNumberID == "" {
		return channel.NewConfigError(Type, "phoneNumberId")
	}
	if parsed.AppSecret == "" {
		return channel.NewConfigError(Type, "appSecret")
	}
	if parsed.APIBase == "" {
		parsed.APIBase = defaultAPIBase
	}
	a.cfg.Store(&parsed)
	return nil
}

// SendMessage posts a text (or media-link) message through the Cloud API.
func (a *Adapter) SendMessage(ctx context.Context, opts channel.SendOptions) (channel.SendResult, error) {
	cfg := a.cfg.Load()
	if cfg == nil {
		return channel.SendResult{}, channel.ErrNotInitialized
	}
	recipient := strings.TrimSpace(opts.Recipient)
	if recipient == "" {
		return channel.Failure("whatsapp: recipient is required"), nil
	}

	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipient,
	}
	switch {
	case len(opts.Attachments) > 0 && opts.Attachments[0].URL != "":
		att := opts.Attachments[0]
		kind := "document"
		if att.Type == channel.AttachmentImage {
			kind = "image"
		}
		media := map[string]any{"link": att.URL}
		if opts.Content != "" {
			media["caption"] = opts.Content
		}
		body["type"] = kind
		body[kind] = media
	default:
		body["type"] = "text"
		body["text"] = map[string]any{"body": opts.Content}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return channel.Failure("whatsapp: encode request: %v", err), nil
	}
	endpoint := fmt.Sprintf("%s/%s/messages", cfg.APIBase, cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return channel.Failure("whatsapp: build request: %v", err), nil
	}
	req.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return channel.Failure("whatsapp: send: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		a.logger.Warn("send rejected", slog.Int("status", resp.StatusCode))
		return channel.Failure("whatsapp: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))), nil
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Messages) == 0 {
		return channel.Failure("whatsapp: unexpected response shape"), nil
	}
	return channel.SendResult{Success: true, ExternalMessageID: out.Messages[0].ID}, nil
}

// webhookEnvelope mirrors the Cloud API webhook shape down to the first
// message; everything else in the payload is ignored.
type webhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMedia struct {
	URL     string `json:"url"`
	Link    string `json:"link"`
	Mime    string `json:"mime_type"`
	Caption string `json:"caption"`
}

type inboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *inboundMedia `json:"image"`
	Document *inboundMedia `json:"document"`
	Audio    *inboundMedia `json:"audio"`
	Video    *inboundMedia `json:"video"`
}

// ParseInbound extracts the first message from a webhook delivery. Status
// callbacks and receipts carry no messages array and yield nil.
func (a *Adapter) ParseInbound(raw []byte) *channel.ParsedMessage {
	var envelope webhookEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	if len(envelope.Entry) == 0 || len(envelope.Entry[0].Changes) == 0 {
		return nil
	}
	value := envelope.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 {
		return nil
	}
	msg := value.Messages[0]
	if msg.ID == "" {
		return nil
	}

	recipient := ""
	if cfg := a.cfg.Load(); cfg != nil {
		recipient = cfg.PhoneNumberID
	}

	content := ""
	if msg.Text != nil {
		content = msg.Text.Body
	}
	var attachments []channel.Attachment
	media := []struct {
		kind  channel.AttachmentType
		value *inboundMedia
	}{
		{channel.AttachmentImage, msg.Image},
		{channel.AttachmentDocument, msg.Document},
		{channel.AttachmentAudio, msg.Audio},
		{channel.AttachmentVideo, msg.Video},
	}
	for _, m := range media {
		if m.value == nil {
			continue
		}
		u := m.value.URL
		if u == "" {
			u = m.value.Link
		}
		attachments = append(attachments, channel.Attachment{Type: m.kind, URL: u, Mime: m.value.Mime})
		if content == "" && m.value.Caption != "" {
			content = m.value.Caption
		}
	}

	metadata := map[string]any{
		"messageType": msg.Type,
		"timestamp":   msg.Timestamp,
	}
	if len(value.Contacts) > 0 && value.Contacts[0].Profile.Name != "" {
		metadata["contactName"] = value.Contacts[0].Profile.Name
	}

	return &channel.ParsedMessage{
		ExternalMessageID: msg.ID,
		Sender:            msg.From,
		Recipient:         recipient,
		Content:           content,
		Attachments:       attachments,
		Direction:         channel.DirectionIncoming,
		Metadata:          metadata,
	}
}

// ValidateWebhook checks the X-Hub-Signature-256 HMAC over the raw body.
func (a *Adapter) ValidateWebhook(raw []byte, signature string, header http.Header) bool {
	cfg := a.cfg.Load()
	if cfg == nil {
		return false
	}
	if signature == "" {
		signature = strings.TrimSpace(header.Get("X-Hub-Signature-256"))
	}
	return webhook.ValidHMACSHA256(cfg.AppSecret, raw, signature, "sha256=")
}

// VerifyChallenge handles the hub.challenge subscription handshake.
func (a *Adapter) VerifyChallenge(query url.Values) (string, bool) {
	cfg := a.cfg.Load()
	if cfg == nil || cfg.VerifyToken == "" {
		return "", false
	}
	if query.Get("hub.mode") != "subscribe" {
		return "", false
	}
	if !webhook.SecureCompare(cfg.VerifyToken, query.Get("hub.verify_token")) {
		return "", false
	}
	return query.Get("hub.challenge"), true
}

func (a *Adapter) Features() channel.Features {
	return channel.Features{
		SendMessage:     true,
		ReceiveMessage:  true,
		Attachments:     true,
		ReadReceipts:    true,
		TypingIndicator: true,
		GroupChats:      false,
	}
}

// HealthCheck probes the phone-number resource without side effects.
func (a *Adapter) HealthCheck(ctx context.Context) channel.Health {
	cfg := a.cfg.Load()
	if cfg == nil {
		return channel.Health{Status: channel.Unhealthy, Message: "not initialized"}
	}
	endpoint := fmt.Sprintf("%s/%s", cfg.APIBase, cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return channel.Health{Status: channel.Unhealthy, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
	resp, err := a.client.Do(req)
	if err != nil {
		return channel.Health{Status: channel.Unhealthy, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return channel.Health{Status: channel.Unhealthy, Message: fmt.Sprintf("upstream status %d", resp.StatusCode)}
	}
	return channel.Health{Status: channel.Healthy}
}
