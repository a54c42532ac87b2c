package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/voyzcrm/messaging/internal/activity"
	"github.com/voyzcrm/messaging/internal/call"
	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/message"
	"github.com/voyzcrm/messaging/internal/realtime"
	"github.com/voyzcrm/messaging/internal/task"
)

// stubAdapter returns canned parse and send results.
type stubAdapter struct {
	channelType channel.Type
	parsed      *channel.ParsedMessage
	parsedCall  *channel.ParsedCall
	sendResult  channel.SendResult
	sendErr     error
	sends       int
}

func (s *stubAdapter) Type() channel.Type { return s.channelType }

func (s *stubAdapter) Initialize(channel.IntegrationConfig) error { return nil }

func (s *stubAdapter) SendMessage(context.Context, channel.SendOptions) (channel.SendResult, error) {
	s.sends++
	return s.sendResult, s.sendErr
}

func (s *stubAdapter) ParseInbound([]byte) *channel.ParsedMessage { return s.parsed }

func (s *stubAdapter) ValidateWebhook([]byte, string, http.Header) bool { return true }

func (s *stubAdapter) Features() channel.Features { return channel.Features{} }

func (s *stubAdapter) HealthCheck(context.Context) channel.Health {
	return channel.Health{Status: channel.Healthy}
}

func (s *stubAdapter) ParseCallEvent([]byte) *channel.ParsedCall { return s.parsedCall }

// fakeResolver maps identifiers to deals in memory.
type fakeResolver struct {
	deals  map[string]string
	owners map[string]string
}

func (f *fakeResolver) FindDealByContact(_ context.Context, _ channel.Type, identifier string) (string, error) {
	return f.deals[identifier], nil
}

func (f *fakeResolver) DealOwner(_ context.Context, dealID string) (string, error) {
	return f.owners[dealID], nil
}

// fakeMessageStore mimics the unique-index dedup of the real store.
type fakeMessageStore struct {
	saved []message.Message
	byKey map[string]message.Message
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{byKey: map[string]message.Message{}}
}

func (f *fakeMessageStore) Save(_ context.Context, msg message.Message) (message.Message, bool, error) {
	key := string(msg.Channel) + "|" + msg.ExternalMessageID
	if existing, ok := f.byKey[key]; ok {
		return existing, false, nil
	}
	msg.ID = uuid.NewString()
	f.byKey[key] = msg
	f.saved = append(f.saved, msg)
	return msg, true, nil
}

type fakeCallStore struct {
	saved []call.Call
	byKey map[string]call.Call
}

func newFakeCallStore() *fakeCallStore {
	return &fakeCallStore{byKey: map[string]call.Call{}}
}

func (f *fakeCallStore) Save(_ context.Context, c call.Call) (call.Call, bool, error) {
	if existing, ok := f.byKey[c.ExternalCallID]; ok {
		return existing, false, nil
	}
	c.ID = uuid.NewString()
	f.byKey[c.ExternalCallID] = c
	f.saved = append(f.saved, c)
	return c, true, nil
}

type fakeActivityLog struct {
	entries []activity.Entry
}

func (f *fakeActivityLog) Append(_ context.Context, entry activity.Entry) (activity.Entry, error) {
	entry.ID = uuid.NewString()
	f.entries = append(f.entries, entry)
	return entry, nil
}

type fakeTaskStore struct {
	tasks []task.Task
}

func (f *fakeTaskStore) Create(_ context.Context, t task.Task) (task.Task, error) {
	t.ID = uuid.NewString()
	f.tasks = append(f.tasks, t)
	return t, nil
}

type fakeBroadcaster struct {
	events []realtime.Event
}

func (f *fakeBroadcaster) Publish(event realtime.Event) {
	f.events = append(f.events, event)
}

type fixture struct {
	gateway     *Gateway
	registry    *channel.Registry
	adapter     *stubAdapter
	resolver    *fakeResolver
	messages    *fakeMessageStore
	calls       *fakeCallStore
	activities  *fakeActivityLog
	tasks       *fakeTaskStore
	broadcaster *fakeBroadcaster
}

func newFixture(t *testing.T, adapter *stubAdapter) *fixture {
	t.Helper()
	registry := channel.NewRegistry(nil)
	registry.MustRegister(adapter)

	f := &fixture{
		registry: registry,
		adapter:  adapter,
		resolver: &fakeResolver{
			deals:  map[string]string{},
			owners: map[string]string{},
		},
		messages:    newFakeMessageStore(),
		calls:       newFakeCallStore(),
		activities:  &fakeActivityLog{},
		tasks:       &fakeTaskStore{},
		broadcaster: &fakeBroadcaster{},
	}
	f.gateway = New(registry, f.resolver, f.messages, f.calls, f.activities, f.tasks, f.broadcaster, nil)

	// Mark the stub channel ready through the normal reload path.
	source := &stubConfigSource{cfg: channel.IntegrationConfig{Channel: adapter.Type(), Active: true}}
	if err := registry.Reload(context.Background(), source, adapter.Type()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return f
}

type stubConfigSource struct {
	cfg channel.IntegrationConfig
}

func (s *stubConfigSource) GetConfig(context.Context, channel.Type) (channel.IntegrationConfig, error) {
	return s.cfg, nil
}

func (s *stubConfigSource) ListActive(context.Context) ([]channel.IntegrationConfig, error) {
	return []channel.IntegrationConfig{s.cfg}, nil
}

func TestHandleInboundMatchedDeal(t *testing.T) {
	adapter := &stubAdapter{
		channelType: channel.TypeWhatsApp,
		parsed: &channel.ParsedMessage{
			ExternalMessageID: "wamid.1",
			Sender:            "79001234567",
			Content:           "hello",
			Direction:         channel.DirectionIncoming,
		},
	}
	f := newFixture(t, adapter)
	f.resolver.deals["79001234567"] = "deal-1"

	result, err := f.gateway.HandleInbound(context.Background(), channel.TypeWhatsApp, []byte(`{}`))
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if !result.Created || result.Ignored {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Message.DealID != "deal-1" {
		t.Fatalf("expected deal link, got %q", result.Message.DealID)
	}
	if len(f.activities.entries) != 1 || f.activities.entries[0].Type != activity.TypeMessageReceived {
		t.Fatalf("expected one message_received activity, got %+v", f.activities.entries)
	}
	if len(f.broadcaster.events) != 1 || f.broadcaster.events[0].Type != realtime.EventMessageReceived {
		t.Fatalf("expected one broadcast, got %+v", f.broadcaster.events)
	}
}

func TestHandleInboundDuplicateDelivery(t *testing.T) {
	adapter := &stubAdapter{
		channelType: channel.TypeWhatsApp,
		parsed: &channel.ParsedMessage{
			ExternalMessageID: "wamid.dup",
			Sender:            "79001234567",
			Content:           "hello",
		},
	}
	f := newFixture(t, adapter)
	f.resolver.deals["79001234567"] = "deal-1"

	first, err := f.gateway.HandleInbound(context.Background(), channel.TypeWhatsApp, []byte(`{}`))
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := f.gateway.HandleInbound(context.Background(), channel.TypeWhatsApp, []byte(`{}`))
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !first.Created || second.Created {
		t.Fatalf("expected created then deduplicated, got %v then %v", first.Created, second.Created)
	}
	if second.Message.ID != first.Message.ID {
		t.Fatalf("expected the stored row back on replay")
	}
	if len(f.messages.saved) != 1 {
		t.Fatalf("expected a single stored message, got %d", len(f.messages.saved))
	}
	if len(f.activities.entries) != 1 {
		t.Fatalf("duplicate must not append activity twice, got %d", len(f.activities.entries))
	}
	if len(f.broadcaster.events) != 1 {
		t.Fatalf("duplicate must not broadcast twice, got %d", len(f.broadcaster.events))
	}
}

func TestHandleInboundUnassignedMessage(t *testing.T) {
	adapter := &stubAdapter{
		channelType: channel.TypeTelegram,
		parsed: &channel.ParsedMessage{
			ExternalMessageID: "55",
			Sender:            "999",
			Content:           "who is this",
		},
	}
	f := newFixture(t, adapter)

	result, err := f.gateway.HandleInbound(context.Background(), channel.TypeTelegram, []byte(`{}`))
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if result.Message.DealID != "" {
		t.Fatalf("expected no deal link, got %q", result.Message.DealID)
	}
	if len(f.activities.entries) != 0 {
		t.Fatalf("unassigned message must not log deal activity")
	}
	if len(f.broadcaster.events) != 1 || f.broadcaster.events[0].DealID != "" {
		t.Fatalf("expected a global broadcast for the unassigned inbox, got %+v", f.broadcaster.events)
	}
}

func TestHandleInboundIgnoredPayload(t *testing.T) {
	adapter := &stubAdapter{channelType: channel.TypeWhatsApp, parsed: nil}
	f := newFixture(t, adapter)

	result, err := f.gateway.HandleInbound(context.Background(), channel.TypeWhatsApp, []byte(`{"statuses": []}`))
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if !result.Ignored {
		t.Fatalf("expected ignored result")
	}
	if len(f.messages.saved) != 0 || len(f.broadcaster.events) != 0 {
		t.Fatalf("ignored payload must have no side effects")
	}
}

func TestHandleInboundUnknownChannel(t *testing.T) {
	adapter := &stubAdapter{channelType: channel.TypeWhatsApp}
	f := newFixture(t, adapter)

	_, err := f.gateway.HandleInbound(context.Background(), channel.TypeVK, []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "unknown channel") {
		t.Fatalf("expected unknown channel error, got %v", err)
	}
}

func TestHandleCallEventMissedCallCreatesTask(t *testing.T) {
	adapter := &stubAdapter{
		channelType: channel.TypeTelephony,
		parsedCall: &channel.ParsedCall{
			ExternalCallID: "call-1",
			Phone:          "+79001234567",
			Direction:      channel.CallInbound,
			Status:         channel.CallMissed,
		},
	}
	f := newFixture(t, adapter)
	f.resolver.deals["+79001234567"] = "deal-9"
	f.resolver.owners["deal-9"] = "user-3"

	result, err := f.gateway.HandleCallEvent(context.Background(), channel.TypeTelephony, []byte(`{}`))
	if err != nil {
		t.Fatalf("handle call event: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected created call")
	}
	if len(f.tasks.tasks) != 1 {
		t.Fatalf("expected one callback task, got %d", len(f.tasks.tasks))
	}
	created := f.tasks.tasks[0]
	if created.AssignedToID != "user-3" || created.DealID != "deal-9" {
		t.Fatalf("unexpected task: %+v", created)
	}
	if !strings.Contains(created.Title, "+79001234567") {
		t.Fatalf("task title must name the caller, got %q", created.Title)
	}
	if len(f.activities.entries) != 1 || f.activities.entries[0].Type != activity.TypeCallReceived {
		t.Fatalf("expected call_received activity, got %+v", f.activities.entries)
	}
	if len(f.broadcaster.events) != 1 || f.broadcaster.events[0].Type != realtime.EventCallReceived {
		t.Fatalf("expected call broadcast, got %+v", f.broadcaster.events)
	}
}

func TestHandleCallEventMissedOutboundCallCreatesTask(t *testing.T) {
	adapter := &stubAdapter{
		channelType: channel.TypeTelephony,
		parsedCall: &channel.ParsedCall{
			ExternalCallID: "call-out-1",
			Phone:          "+79001234567",
			Direction:      channel.CallOutbound,
			Status:         channel.CallMissed,
		},
	}
	f := newFixture(t, adapter)
	f.resolver.deals["+79001234567"] = "deal-9"
	f.resolver.owners["deal-9"] = "user-3"

	result, err := f.gateway.HandleCallEvent(context.Background(), channel.TypeTelephony, []byte(`{}`))
	if err != nil {
		t.Fatalf("handle call event: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected created call")
	}
	if len(f.tasks.tasks) != 1 {
		t.Fatalf("missed call must raise a task regardless of direction, got %d", len(f.tasks.tasks))
	}
	if f.tasks.tasks[0].AssignedToID != "user-3" {
		t.Fatalf("unexpected task: %+v", f.tasks.tasks[0])
	}
}

func TestHandleCallEventAnsweredCallNoTask(t *testing.T) {
	adapter := &stubAdapter{
		channelType: channel.TypeTelephony,
		parsedCall: &channel.ParsedCall{
			ExternalCallID: "call-2",
			Phone:          "+79001234567",
			Direction:      channel.CallInbound,
			Status:         channel.CallAnswered,
		},
	}
	f := newFixture(t, adapter)
	f.resolver.deals["+79001234567"] = "deal-9"

	if _, err := f.gateway.HandleCallEvent(context.Background(), channel.TypeTelephony, []byte(`{}`)); err != nil {
		t.Fatalf("handle call event: %v", err)
	}
	if len(f.tasks.tasks) != 0 {
		t.Fatalf("answered call must not create a task")
	}
}

func TestHandleCallEventDuplicateReplay(t *testing.T) {
	adapter := &stubAdapter{
		channelType: channel.TypeTelephony,
		parsedCall: &channel.ParsedCall{
			ExternalCallID: "call-3",
			Phone:          "+79001234567",
			Direction:      channel.CallInbound,
			Status:         channel.CallMissed,
		},
	}
	f := newFixture(t, adapter)
	f.resolver.deals["+79001234567"] = "deal-9"

	if _, err := f.gateway.HandleCallEvent(context.Background(), channel.TypeTelephony, []byte(`{}`)); err != nil {
		t.Fatalf("first event: %v", err)
	}
	second, err := f.gateway.HandleCallEvent(context.Background(), channel.TypeTelephony, []byte(`{}`))
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if second.Created {
		t.Fatalf("expected replay to be deduplicated")
	}
	if len(f.tasks.tasks) != 1 {
		t.Fatalf("replay must not create a second task, got %d", len(f.tasks.tasks))
	}
}

func TestSendPersistsAndBroadcasts(t *testing.T) {
	adapter := &stubAdapter{
		channelType: channel.TypeTelegram,
		sendResult:  channel.SendResult{Success: true, ExternalMessageID: "321"},
	}
	f := newFixture(t, adapter)

	result, err := f.gateway.Send(context.Background(), SendRequest{
		Channel:   channel.TypeTelegram,
		Recipient: "42",
		Content:   "offer sent",
		DealID:    "deal-7",
		SenderID:  "user-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(f.messages.saved) != 1 {
		t.Fatalf("expected outgoing message persisted")
	}
	saved := f.messages.saved[0]
	if saved.Direction != channel.DirectionOutgoing || saved.ExternalMessageID != "321" {
		t.Fatalf("unexpected stored message: %+v", saved)
	}
	if len(f.activities.entries) != 1 || f.activities.entries[0].Type != activity.TypeMessageSent {
		t.Fatalf("expected message_sent activity, got %+v", f.activities.entries)
	}
	if f.activities.entries[0].ActorID != "user-1" {
		t.Fatalf("expected sender as activity actor")
	}
	if len(f.broadcaster.events) != 1 || f.broadcaster.events[0].Type != realtime.EventMessageSent {
		t.Fatalf("expected message_sent broadcast, got %+v", f.broadcaster.events)
	}
}

func TestSendResolvesDealFromRecipient(t *testing.T) {
	adapter := &stubAdapter{
		channelType: channel.TypeTelegram,
		sendResult:  channel.SendResult{Success: true, ExternalMessageID: "322"},
	}
	f := newFixture(t, adapter)
	f.resolver.deals["42"] = "deal-5"

	result, err := f.gateway.Send(context.Background(), SendRequest{
		Channel:   channel.TypeTelegram,
		Recipient: "42",
		Content:   "following up",
		SenderID:  "user-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(f.messages.saved) != 1 || f.messages.saved[0].DealID != "deal-5" {
		t.Fatalf("expected message linked to the recipient's deal, got %+v", f.messages.saved)
	}
	if len(f.activities.entries) != 1 || f.activities.entries[0].DealID != "deal-5" {
		t.Fatalf("expected message_sent activity on the resolved deal, got %+v", f.activities.entries)
	}
}

func TestSendUpstreamFailureNotPersisted(t *testing.T) {
	adapter := &stubAdapter{
		channelType: channel.TypeTelegram,
		sendResult:  channel.Failure("telegram: upstream error 403"),
	}
	f := newFixture(t, adapter)

	result, err := f.gateway.Send(context.Background(), SendRequest{
		Channel:   channel.TypeTelegram,
		Recipient: "42",
		Content:   "hi",
	})
	if err != nil {
		t.Fatalf("upstream failure must not be a Go error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure result")
	}
	if len(f.messages.saved) != 0 || len(f.broadcaster.events) != 0 {
		t.Fatalf("failed send must not persist or broadcast")
	}
}

func TestSendUnconfiguredChannel(t *testing.T) {
	adapter := &stubAdapter{channelType: channel.TypeTelegram}
	registry := channel.NewRegistry(nil)
	registry.MustRegister(adapter)
	gw := New(registry, &fakeResolver{}, newFakeMessageStore(), newFakeCallStore(), &fakeActivityLog{}, &fakeTaskStore{}, &fakeBroadcaster{}, nil)

	result, err := gw.Send(context.Background(), SendRequest{
		Channel:   channel.TypeTelegram,
		Recipient: "42",
	})
	if err != nil {
		t.Fatalf("unconfigured channel must not be a Go error: %v", err)
	}
	if result.Success || !strings.Contains(result.Error, "not configured") {
		t.Fatalf("expected not-configured failure, got %+v", result)
	}
	if adapter.sends != 0 {
		t.Fatalf("adapter must not be called when channel is not ready")
	}
}

func TestSendRequestJSONShape(t *testing.T) {
	raw := []byte(`{"channel": "telegram", "recipient": "42", "content": "hi", "deal_id": "deal-1"}`)
	var req SendRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Channel != channel.TypeTelegram || req.DealID != "deal-1" {
		t.Fatalf("unexpected request: %+v", req)
	}
}
