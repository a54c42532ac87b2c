package vk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voyzcrm/messaging/internal/channel"
)

func newTestAdapter(t *testing.T, apiBase string) *Adapter {
	t.Helper()
	adapter := New(nil)
	err := adapter.Initialize(channel.IntegrationConfig{
		Channel: Type,
		Credentials: map[string]any{
			"accessToken":      "vk-token",
			"secret":           "cb-secret",
			"confirmationCode": "confirm-123",
			"apiBase":          apiBase,
		},
		Active: true,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return adapter
}

func TestSendMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages.send" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("peer_id") != "200001" {
			t.Fatalf("unexpected peer_id: %s", r.PostForm.Get("peer_id"))
		}
		if r.PostForm.Get("random_id") == "" {
			t.Fatalf("expected random_id to be set")
		}
		_, _ = w.Write([]byte(`{"response": 451}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	result, err := adapter.SendMessage(context.Background(), channel.SendOptions{
		Recipient: "200001",
		Content:   "hello",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.Success || result.ExternalMessageID != "451" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSendMessageUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": {"error_code": 5, "error_msg": "User authorization failed"}}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	result, err := adapter.SendMessage(context.Background(), channel.SendOptions{
		Recipient: "200001",
		Content:   "hello",
	})
	if err != nil {
		t.Fatalf("upstream error must not be a Go error: %v", err)
	}
	if result.Success || result.Error == "" {
		t.Fatalf("expected failure result, got %+v", result)
	}
}

func TestParseInboundMessageNew(t *testing.T) {
	adapter := newTestAdapter(t, "")
	raw := []byte(`{
		"type": "message_new",
		"secret": "cb-secret",
		"object": {"message": {"id": 12, "from_id": 300, "peer_id": 300, "text": "privet"}}
	}`)
	parsed := adapter.ParseInbound(raw)
	if parsed == nil {
		t.Fatalf("expected parsed message")
	}
	if parsed.ExternalMessageID != "12" || parsed.Sender != "300" {
		t.Fatalf("unexpected identity: %+v", parsed)
	}
	if parsed.Content != "privet" {
		t.Fatalf("unexpected content: %q", parsed.Content)
	}
}

func TestParseInboundIgnoresOtherEvents(t *testing.T) {
	adapter := newTestAdapter(t, "")
	cases := [][]byte{
		[]byte(`{"type": "message_typing_state", "secret": "cb-secret"}`),
		[]byte(`{"type": "confirmation", "secret": "cb-secret"}`),
		[]byte(`garbage`),
	}
	for _, raw := range cases {
		if parsed := adapter.ParseInbound(raw); parsed != nil {
			t.Fatalf("expected nil for %s", raw)
		}
	}
}

func TestValidateWebhookBodySecret(t *testing.T) {
	adapter := newTestAdapter(t, "")
	if !adapter.ValidateWebhook([]byte(`{"type": "message_new", "secret": "cb-secret"}`), "", nil) {
		t.Fatalf("expected matching secret to pass")
	}
	if adapter.ValidateWebhook([]byte(`{"type": "message_new", "secret": "wrong"}`), "", nil) {
		t.Fatalf("expected wrong secret to fail")
	}
	if adapter.ValidateWebhook([]byte(`{"type": "message_new"}`), "", nil) {
		t.Fatalf("expected missing secret to fail")
	}
}

func TestConfirmationResponse(t *testing.T) {
	adapter := newTestAdapter(t, "")
	code, ok := adapter.ConfirmationResponse([]byte(`{"type": "confirmation", "secret": "cb-secret"}`))
	if !ok || code != "confirm-123" {
		t.Fatalf("expected confirmation code, got %q ok=%v", code, ok)
	}
	if _, ok := adapter.ConfirmationResponse([]byte(`{"type": "message_new", "secret": "cb-secret"}`)); ok {
		t.Fatalf("expected non-confirmation event to return false")
	}
}
