// Package telegram implements the Telegram Bot API channel adapter.
package telegram

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/webhook"
)

// Type is the registered channel identifier for Telegram.
const Type = channel.TypeTelegram

// apiClient bounds Bot API round trips; a stalled upstream must surface
// as a send failure, not a hang.
var apiClient = &http.Client{Timeout: 10 * time.Second}

type config struct {
	BotToken      string
	WebhookSecret string
}

// Adapter sends through the Bot API and ingests webhook Update payloads.
type Adapter struct {
	logger *slog.Logger
	cfg    atomic.Pointer[config]

	// newBot is swappable in tests to avoid the getMe round trip.
	newBot func(token string) (*tgbotapi.BotAPI, error)
}

// New creates a Telegram adapter.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "telegram")),
		newBot: func(token string) (*tgbotapi.BotAPI, error) {
			return tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, apiClient)
		},
	}
}

func (a *Adapter) Type() channel.Type {
	return Type
}

// Initialize binds the bot token and the webhook shared secret.
func (a *Adapter) Initialize(cfg channel.IntegrationConfig) error {
	parsed := config{
		BotToken:      cfg.Credential("botToken", "bot_token"),
		WebhookSecret: cfg.Credential("webhookSecret", "webhook_secret"),
	}
	if parsed.BotToken == "" {
		return channel.NewConfigError(Type, "botToken")
	}
	if parsed.WebhookSecret == "" {
		return channel.NewConfigError(Type, "webhookSecret")
	}
	a.cfg.Store(&parsed)
	return nil
}

// SendMessage delivers a text message to a chat id or @channel target.
func (a *Adapter) SendMessage(ctx context.Context, opts channel.SendOptions) (channel.SendResult, error) {
	cfg := a.cfg.Load()
	if cfg == nil {
		return channel.SendResult{}, channel.ErrNotInitialized
	}
	target := strings.TrimSpace(opts.Recipient)
	if target == "" {
		return channel.Failure("telegram: recipient is required"), nil
	}
	var msg tgbotapi.MessageConfig
	if strings.HasPrefix(target, "@") {
		msg = tgbotapi.NewMessageToChannel(target, opts.Content)
	} else {
		chatID, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return channel.Failure("telegram: target must be @username or chat_id"), nil
		}
		msg = tgbotapi.NewMessage(chatID, opts.Content)
	}

	bot, err := a.newBot(cfg.BotToken)
	if err != nil {
		return channel.Failure("telegram: connect bot: %v", err), nil
	}
	sent, err := bot.Send(msg)
	if err != nil {
		return channel.Failure("telegram: send: %v", err), nil
	}
	return channel.SendResult{Success: true, ExternalMessageID: strconv.Itoa(sent.MessageID)}, nil
}

// ParseInbound decodes a Bot API webhook Update. Edits, callbacks, and
// member events carry no message and yield nil; so do empty messages.
func (a *Adapter) ParseInbound(raw []byte) *channel.ParsedMessage {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil
	}
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return nil
	}
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		content = strings.TrimSpace(msg.Caption)
	}
	if content == "" {
		return nil
	}
	return &channel.ParsedMessage{
		ExternalMessageID: strconv.Itoa(msg.MessageID),
		Sender:            strconv.FormatInt(msg.From.ID, 10),
		Recipient:         strconv.FormatInt(msg.Chat.ID, 10),
		Content:           content,
		Direction:         channel.DirectionIncoming,
		Metadata: map[string]any{
			"chatType": msg.Chat.Type,
			"username": msg.From.UserName,
		},
	}
}

// ValidateWebhook compares the shared secret Telegram echoes back in the
// X-Telegram-Bot-Api-Secret-Token header.
func (a *Adapter) ValidateWebhook(raw []byte, signature string, header http.Header) bool {
	cfg := a.cfg.Load()
	if cfg == nil {
		return false
	}
	candidate := strings.TrimSpace(signature)
	if candidate == "" && header != nil {
		candidate = strings.TrimSpace(header.Get("X-Telegram-Bot-Api-Secret-Token"))
	}
	if candidate == "" {
		return false
	}
	return webhook.SecureCompare(cfg.WebhookSecret, candidate)
}

func (a *Adapter) Features() channel.Features {
	return channel.Features{
		SendMessage:    true,
		ReceiveMessage: true,
	}
}

// HealthCheck runs the getMe round trip the Bot API constructor performs.
func (a *Adapter) HealthCheck(ctx context.Context) channel.Health {
	cfg := a.cfg.Load()
	if cfg == nil {
		return channel.Health{Status: channel.Unhealthy, Message: "not initialized"}
	}
	if _, err := a.newBot(cfg.BotToken); err != nil {
		return channel.Health{Status: channel.Unhealthy, Message: err.Error()}
	}
	return channel.Health{Status: channel.Healthy}
}
