// Package email implements the email channel adapter on top of Mailgun:
// outbound sends through the messages API, inbound through a forwarding
// route webhook.
package email

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/mailgun/mailgun-go/v5"

	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/webhook"
)

// Type is the registered channel identifier for email.
const Type = channel.TypeEmail

type config struct {
	Domain     string
	APIKey     string
	SigningKey string
	From       string
}

// Adapter sends and ingests email. Inbound parsing accepts both the
// urlencoded form Mailgun routes forward and an equivalent JSON body.
type Adapter struct {
	logger *slog.Logger
	cfg    atomic.Pointer[config]

	// send is swappable in tests to avoid the Mailgun round trip.
	send func(ctx context.Context, cfg config, to, subject, body string) (string, error)
}

// New creates an email adapter.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "email")),
		send:   mailgunSend,
	}
}

func mailgunSend(ctx context.Context, cfg config, to, subject, body string) (string, error) {
	mg := mailgun.NewMailgun(cfg.APIKey)
	message := mailgun.NewMessage(cfg.Domain, cfg.From, subject, body, to)
	resp, err := mg.Send(ctx, message)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (a *Adapter) Type() channel.Type {
	return Type
}

// Initialize binds the Mailgun domain, API key, and webhook signing key.
func (a *Adapter) Initialize(cfg channel.IntegrationConfig) error {
	parsed := config{
		Domain:     cfg.Credential("domain"),
		APIKey:     cfg.Credential("apiKey", "api_key"),
		SigningKey: cfg.Credential("webhookSigningKey", "signing_key"),
		From:       cfg.Credential("from"),
	}
	if parsed.Domain == "" {
		return channel.NewConfigError(Type, "domain")
	}
	if parsed.APIKey == "" {
		return channel.NewConfigError(Type, "apiKey")
	}
	if parsed.SigningKey == "" {
		return channel.NewConfigError(Type, "webhookSigningKey")
	}
	if parsed.From == "" {
		parsed.From = "noreply@" + parsed.Domain
	}
	a.cfg.Store(&parsed)
	return nil
}

// SendMessage delivers one email; the subject comes from metadata when set.
func (a *Adapter) SendMessage(ctx context.Context, opts channel.SendOptions) (channel.SendResult, error) {
	cfg := a.cfg.Load()
	if cfg == nil {
		return channel.SendResult{}, channel.ErrNotInitialized
	}
	recipient := strings.TrimSpace(opts.Recipient)
	if recipient == "" {
		return channel.Failure("email: recipient is required"), nil
	}
	subject := channel.ReadString(opts.Metadata, "subject")
	if subject == "" {
		subject = "Message from CRM"
	}
	id, err := a.send(ctx, *cfg, recipient, subject, opts.Content)
	if err != nil {
		return channel.Failure("email: send: %v", err), nil
	}
	return channel.SendResult{Success: true, ExternalMessageID: id}, nil
}

// inboundFields are the route-forward keys this adapter understands.
type inboundFields struct {
	messageID string
	sender    string
	recipient string
	subject   string
	body      string

	timestamp string
	token     string
	signature string
}

func decodeInbound(raw []byte) (inboundFields, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return inboundFields{}, false
	}
	if strings.HasPrefix(trimmed, "{") {
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return inboundFields{}, false
		}
		return inboundFields{
			messageID: channel.ReadString(payload, "Message-Id", "message-id", "messageId"),
			sender:    channel.ReadString(payload, "sender", "from"),
			recipient: channel.ReadString(payload, "recipient", "to"),
			subject:   channel.ReadString(payload, "subject"),
			body:      channel.ReadString(payload, "stripped-text", "body-plain", "text"),
			timestamp: channel.ReadString(payload, "timestamp"),
			token:     channel.ReadString(payload, "token"),
			signature: channel.ReadString(payload, "signature"),
		}, true
	}
	form, err := url.ParseQuery(trimmed)
	if err != nil {
		return inboundFields{}, false
	}
	pick := func(keys ...string) string {
		for _, key := range keys {
			if value := strings.TrimSpace(form.Get(key)); value != "" {
				return value
			}
		}
		return ""
	}
	return inboundFields{
		messageID: pick("Message-Id", "message-id"),
		sender:    pick("sender", "from"),
		recipient: pick("recipient", "to"),
		subject:   pick("subject"),
		body:      pick("stripped-text", "body-plain"),
		timestamp: pick("timestamp"),
		token:     pick("token"),
		signature: pick("signature"),
	}, true
}

// ParseInbound normalizes a route-forward delivery. Payloads without a
// sender and message id (e.g. delivery event notifications) yield nil.
func (a *Adapter) ParseInbound(raw []byte) *channel.ParsedMessage {
	fields, ok := decodeInbound(raw)
	if !ok || fields.sender == "" || fields.messageID == "" {
		return nil
	}
	metadata := map[string]any{}
	if fields.subject != "" {
		metadata["subject"] = fields.subject
	}
	return &channel.ParsedMessage{
		ExternalMessageID: strings.Trim(fields.messageID, "<>"),
		Sender:            strings.ToLower(fields.sender),
		Recipient:         strings.ToLower(fields.recipient),
		Content:           fields.body,
		Direction:         channel.DirectionIncoming,
		Metadata:          metadata,
	}
}

// ValidateWebhook verifies the Mailgun signature triplet: HMAC-SHA256 of
// timestamp+token under the signing key, compared in constant time.
func (a *Adapter) ValidateWebhook(raw []byte, _ string, _ http.Header) bool {
	cfg := a.cfg.Load()
	if cfg == nil {
		return false
	}
	fields, ok := decodeInbound(raw)
	if !ok || fields.timestamp == "" || fields.token == "" {
		return false
	}
	return webhook.ValidHMACSHA256(cfg.SigningKey, []byte(fields.timestamp+fields.token), fields.signature, "")
}

func (a *Adapter) Features() channel.Features {
	return channel.Features{
		SendMessage:    true,
		ReceiveMessage: true,
		Attachments:    true,
	}
}

// HealthCheck reports healthy once credentials are bound; the messages API
// has no cheap side-effect-free probe.
func (a *Adapter) HealthCheck(_ context.Context) channel.Health {
	if a.cfg.Load() == nil {
		return channel.Health{Status: channel.Unhealthy, Message: "not initialized"}
	}
	return channel.Health{Status: channel.Healthy}
}
