package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/voyzcrm/messaging/internal/activity"
	"github.com/voyzcrm/messaging/internal/call"
	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/gateway"
	"github.com/voyzcrm/messaging/internal/message"
	"github.com/voyzcrm/messaging/internal/realtime"
	"github.com/voyzcrm/messaging/internal/task"
	"github.com/voyzcrm/messaging/internal/webhook"
)

// webhookStubAdapter authenticates with a shared secret signature and
// parses a minimal {"id", "from", "text"} payload.
type webhookStubAdapter struct {
	channelType  channel.Type
	secret       string
	confirmation string
	challenge    string
	parseCall    bool
	parsed       int
}

func (s *webhookStubAdapter) Type() channel.Type { return s.channelType }

func (s *webhookStubAdapter) Initialize(channel.IntegrationConfig) error { return nil }

func (s *webhookStubAdapter) SendMessage(context.Context, channel.SendOptions) (channel.SendResult, error) {
	return channel.SendResult{Success: true, ExternalMessageID: "out-1"}, nil
}

func (s *webhookStubAdapter) ParseInbound(raw []byte) *channel.ParsedMessage {
	s.parsed++
	var payload struct {
		ID   string `json:"id"`
		From string `json:"from"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ID == "" {
		return nil
	}
	return &channel.ParsedMessage{
		ExternalMessageID: payload.ID,
		Sender:            payload.From,
		Content:           payload.Text,
		Direction:         channel.DirectionIncoming,
	}
}

func (s *webhookStubAdapter) ValidateWebhook(raw []byte, signature string, _ http.Header) bool {
	return webhook.SecureCompare(s.secret, signature)
}

func (s *webhookStubAdapter) Features() channel.Features { return channel.Features{} }

func (s *webhookStubAdapter) HealthCheck(context.Context) channel.Health {
	return channel.Health{Status: channel.Healthy}
}

func (s *webhookStubAdapter) VerifyChallenge(query url.Values) (string, bool) {
	if s.challenge == "" || query.Get("token") != s.secret {
		return "", false
	}
	return s.challenge, true
}

func (s *webhookStubAdapter) ConfirmationResponse(raw []byte) (string, bool) {
	if s.confirmation == "" {
		return "", false
	}
	var payload struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Type != "confirmation" {
		return "", false
	}
	return s.confirmation, true
}

func (s *webhookStubAdapter) ParseCallEvent(raw []byte) *channel.ParsedCall {
	if !s.parseCall {
		return nil
	}
	var payload struct {
		CallID string `json:"callId"`
		Phone  string `json:"phone"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.CallID == "" {
		return nil
	}
	return &channel.ParsedCall{
		ExternalCallID: payload.CallID,
		Phone:          payload.Phone,
		Direction:      channel.CallInbound,
		Status:         channel.CallMissed,
	}
}

type nullResolver struct{}

func (nullResolver) FindDealByContact(context.Context, channel.Type, string) (string, error) {
	return "", nil
}

func (nullResolver) DealOwner(context.Context, string) (string, error) { return "", nil }

type memMessageStore struct {
	byKey map[string]message.Message
}

func (m *memMessageStore) Save(_ context.Context, msg message.Message) (message.Message, bool, error) {
	key := string(msg.Channel) + "|" + msg.ExternalMessageID
	if existing, ok := m.byKey[key]; ok {
		return existing, false, nil
	}
	msg.ID = key
	m.byKey[key] = msg
	return msg, true, nil
}

type memCallStore struct {
	byKey map[string]call.Call
}

func (m *memCallStore) Save(_ context.Context, c call.Call) (call.Call, bool, error) {
	if existing, ok := m.byKey[c.ExternalCallID]; ok {
		return existing, false, nil
	}
	c.ID = c.ExternalCallID
	m.byKey[c.ExternalCallID] = c
	return c, true, nil
}

type nullActivityLog struct{}

func (nullActivityLog) Append(_ context.Context, entry activity.Entry) (activity.Entry, error) {
	return entry, nil
}

type nullTaskStore struct{}

func (nullTaskStore) Create(_ context.Context, t task.Task) (task.Task, error) { return t, nil }

type nullBroadcaster struct{}

func (nullBroadcaster) Publish(realtime.Event) {}

type readySource struct {
	channelType channel.Type
}

func (s readySource) GetConfig(context.Context, channel.Type) (channel.IntegrationConfig, error) {
	return channel.IntegrationConfig{Channel: s.channelType, Active: true}, nil
}

func (s readySource) ListActive(context.Context) ([]channel.IntegrationConfig, error) {
	return []channel.IntegrationConfig{{Channel: s.channelType, Active: true}}, nil
}

func newWebhookFixture(t *testing.T, adapter *webhookStubAdapter, ready bool) (*echo.Echo, *WebhookHandler) {
	t.Helper()
	registry := channel.NewRegistry(nil)
	registry.MustRegister(adapter)
	if ready {
		if err := registry.Reload(context.Background(), readySource{adapter.channelType}, adapter.channelType); err != nil {
			t.Fatalf("reload: %v", err)
		}
	}
	gw := gateway.New(registry, nullResolver{},
		&memMessageStore{byKey: map[string]message.Message{}},
		&memCallStore{byKey: map[string]call.Call{}},
		nullActivityLog{}, nullTaskStore{}, nullBroadcaster{}, nil)

	e := echo.New()
	handler := NewWebhookHandler(slog.Default(), registry, gw)
	return e, handler
}

func TestWebhookReceive(t *testing.T) {
	adapter := &webhookStubAdapter{channelType: channel.TypeTelegram, secret: "s3cret"}
	e, handler := newWebhookFixture(t, adapter, true)

	body := `{"id": "m1", "from": "u1", "text": "hi"}`
	req := httptest.NewRequest(http.MethodPost, "/integrations/telegram/webhook", strings.NewReader(body))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("channel")
	c.SetParamValues("telegram")

	if err := handler.Receive(c); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" || resp["created"] != true {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestWebhookReceiveRejectsBadSignature(t *testing.T) {
	adapter := &webhookStubAdapter{channelType: channel.TypeTelegram, secret: "s3cret"}
	e, handler := newWebhookFixture(t, adapter, true)

	req := httptest.NewRequest(http.MethodPost, "/integrations/telegram/webhook", strings.NewReader(`{"id": "m1"}`))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("channel")
	c.SetParamValues("telegram")

	err := handler.Receive(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	if adapter.parsed != 0 {
		t.Fatalf("unauthenticated payload must never reach the parser, parsed %d times", adapter.parsed)
	}
}

func TestWebhookReceiveUnknownChannel(t *testing.T) {
	adapter := &webhookStubAdapter{channelType: channel.TypeTelegram, secret: "s3cret"}
	e, handler := newWebhookFixture(t, adapter, true)

	req := httptest.NewRequest(http.MethodPost, "/integrations/sms/webhook", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("channel")
	c.SetParamValues("sms")

	err := handler.Receive(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestWebhookReceiveNotConfigured(t *testing.T) {
	adapter := &webhookStubAdapter{channelType: channel.TypeTelegram, secret: "s3cret"}
	e, handler := newWebhookFixture(t, adapter, false)

	req := httptest.NewRequest(http.MethodPost, "/integrations/telegram/webhook", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("channel")
	c.SetParamValues("telegram")

	err := handler.Receive(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
}

func TestWebhookConfirmationEcho(t *testing.T) {
	adapter := &webhookStubAdapter{
		channelType:  channel.TypeVK,
		secret:       "s3cret",
		confirmation: "confirm-42",
	}
	e, handler := newWebhookFixture(t, adapter, true)

	req := httptest.NewRequest(http.MethodPost, "/integrations/vk/webhook", strings.NewReader(`{"type": "confirmation"}`))
	req.Header.Set("X-Signature", "s3cret")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("channel")
	c.SetParamValues("vk")

	if err := handler.Receive(c); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "confirm-42" {
		t.Fatalf("expected verbatim confirmation echo, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestWebhookCallEventRouted(t *testing.T) {
	adapter := &webhookStubAdapter{
		channelType: channel.TypeTelephony,
		secret:      "s3cret",
		parseCall:   true,
	}
	e, handler := newWebhookFixture(t, adapter, true)

	body := `{"callId": "call-1", "phone": "+7900"}`
	req := httptest.NewRequest(http.MethodPost, "/integrations/telephony/webhook", strings.NewReader(body))
	req.Header.Set("X-Signature", "s3cret")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("channel")
	c.SetParamValues("telephony")

	if err := handler.Receive(c); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestWebhookVerifyChallenge(t *testing.T) {
	adapter := &webhookStubAdapter{
		channelType: channel.TypeWhatsApp,
		secret:      "s3cret",
		challenge:   "challenge-7",
	}
	e, handler := newWebhookFixture(t, adapter, true)

	req := httptest.NewRequest(http.MethodGet, "/integrations/whatsapp/webhook?token=s3cret", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("channel")
	c.SetParamValues("whatsapp")

	if err := handler.Verify(c); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "challenge-7" {
		t.Fatalf("expected challenge echo, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestWebhookVerifyChallengeRejected(t *testing.T) {
	adapter := &webhookStubAdapter{
		channelType: channel.TypeWhatsApp,
		secret:      "s3cret",
		challenge:   "challenge-7",
	}
	e, handler := newWebhookFixture(t, adapter, true)

	req := httptest.NewRequest(http.MethodGet, "/integrations/whatsapp/webhook?token=wrong", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("channel")
	c.SetParamValues("whatsapp")

	err := handler.Verify(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}
