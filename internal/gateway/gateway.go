// Package gateway orchestrates the message pipeline: inbound webhook
// payloads flow through parse, deal resolution, idempotent persistence,
// activity logging, and realtime broadcast; outbound sends flow through
// the adapter registry and back into the same persistence path.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voyzcrm/messaging/internal/activity"
	"github.com/voyzcrm/messaging/internal/call"
	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/message"
	"github.com/voyzcrm/messaging/internal/realtime"
	"github.com/voyzcrm/messaging/internal/task"
)

// ErrUnknownChannel is returned when no adapter is registered for a channel.
var ErrUnknownChannel = errors.New("gateway: unknown channel")

// DealResolver maps sender identifiers to open deals.
type DealResolver interface {
	FindDealByContact(ctx context.Context, ch channel.Type, identifier string) (string, error)
	DealOwner(ctx context.Context, dealID string) (string, error)
}

// MessageStore persists canonical messages idempotently.
type MessageStore interface {
	Save(ctx context.Context, msg message.Message) (message.Message, bool, error)
}

// CallStore persists call events idempotently.
type CallStore interface {
	Save(ctx context.Context, c call.Call) (call.Call, bool, error)
}

// ActivityLog appends deal timeline entries.
type ActivityLog interface {
	Append(ctx context.Context, entry activity.Entry) (activity.Entry, error)
}

// TaskCreator creates follow-up tasks.
type TaskCreator interface {
	Create(ctx context.Context, t task.Task) (task.Task, error)
}

// Gateway wires the pipeline together. Side-effect failures after a
// successful persist are logged, not propagated: the webhook must still be
// acknowledged so the provider does not retry a stored message.
type Gateway struct {
	registry    *channel.Registry
	resolver    DealResolver
	messages    MessageStore
	calls       CallStore
	activities  ActivityLog
	tasks       TaskCreator
	broadcaster realtime.Broadcaster
	logger      *slog.Logger
}

// New creates a gateway.
func New(
	registry *channel.Registry,
	resolver DealResolver,
	messages MessageStore,
	calls CallStore,
	activities ActivityLog,
	tasks TaskCreator,
	broadcaster realtime.Broadcaster,
	log *slog.Logger,
) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		registry:    registry,
		resolver:    resolver,
		messages:    messages,
		calls:       calls,
		activities:  activities,
		tasks:       tasks,
		broadcaster: broadcaster,
		logger:      log.With(slog.String("component", "gateway")),
	}
}

// InboundResult reports what HandleInbound did with a payload.
type InboundResult struct {
	Message message.Message
	Created bool
	// Ignored is true when the payload carried no message (status
	// callbacks, service events). Nothing was stored.
	Ignored bool
}

// HandleInbound runs one authenticated webhook payload through the
// pipeline. Unparseable payloads are ignored, not errors: providers send
// plenty of non-message callbacks on the same route.
func (g *Gateway) HandleInbound(ctx context.Context, ch channel.Type, raw []byte) (InboundResult, error) {
	adapter, ok := g.registry.Get(ch)
	if !ok {
		return InboundResult{}, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	parsed := adapter.ParseInbound(raw)
	if parsed == nil {
		return InboundResult{Ignored: true}, nil
	}

	dealID, err := g.resolver.FindDealByContact(ctx, ch, parsed.Sender)
	if err != nil {
		return InboundResult{}, fmt.Errorf("gateway: resolve deal: %w", err)
	}
	if dealID == "" {
		g.logger.Info("inbound message without matching deal",
			slog.String("channel", string(ch)),
			slog.String("external_id", parsed.ExternalMessageID))
	}

	saved, created, err := g.messages.Save(ctx, message.Message{
		ExternalMessageID: parsed.ExternalMessageID,
		Channel:           ch,
		Direction:         channel.DirectionIncoming,
		Sender:            parsed.Sender,
		Recipient:         parsed.Recipient,
		Content:           parsed.Content,
		Attachments:       parsed.Attachments,
		Metadata:          parsed.Metadata,
		DealID:            dealID,
	})
	if err != nil {
		return InboundResult{}, err
	}
	if !created {
		return InboundResult{Message: saved, Created: false}, nil
	}

	if saved.DealID != "" {
		g.appendActivity(ctx, activity.Entry{
			Type:   activity.TypeMessageReceived,
			DealID: saved.DealID,
			Metadata: map[string]any{
				"message_id": saved.ID,
				"channel":    string(ch),
			},
		})
	}
	g.broadcaster.Publish(realtime.Event{
		Type:   realtime.EventMessageReceived,
		DealID: saved.DealID,
		Data:   saved,
	})
	return InboundResult{Message: saved, Created: true}, nil
}

// CallResult reports what HandleCallEvent did with a payload.
type CallResult struct {
	Call    call.Call
	Created bool
	Ignored bool
}

// HandleCallEvent stores one call event. A missed call on a resolved
// deal additionally raises a callback task for the deal owner.
func (g *Gateway) HandleCallEvent(ctx context.Context, ch channel.Type, raw []byte) (CallResult, error) {
	parser, ok := g.registry.GetCallParser(ch)
	if !ok {
		return CallResult{}, fmt.Errorf("%w: %s has no call events", ErrUnknownChannel, ch)
	}
	parsed := parser.ParseCallEvent(raw)
	if parsed == nil {
		return CallResult{Ignored: true}, nil
	}

	dealID, err := g.resolver.FindDealByContact(ctx, ch, parsed.Phone)
	if err != nil {
		return CallResult{}, fmt.Errorf("gateway: resolve deal: %w", err)
	}

	saved, created, err := g.calls.Save(ctx, call.Call{
		ExternalCallID: parsed.ExternalCallID,
		Phone:          parsed.Phone,
		Direction:      parsed.Direction,
		Duration:       parsed.Duration,
		RecordingURL:   parsed.RecordingURL,
		Status:         parsed.Status,
		Metadata:       parsed.Metadata,
		DealID:         dealID,
	})
	if err != nil {
		return CallResult{}, err
	}
	if !created {
		return CallResult{Call: saved, Created: false}, nil
	}

	if saved.DealID != "" {
		g.appendActivity(ctx, activity.Entry{
			Type:   activity.TypeCallReceived,
			DealID: saved.DealID,
			Metadata: map[string]any{
				"call_id": saved.ID,
				"status":  string(saved.Status),
			},
		})
	}
	if saved.Status == channel.CallMissed && saved.DealID != "" {
		g.createMissedCallTask(ctx, saved)
	}
	g.broadcaster.Publish(realtime.Event{
		Type:   realtime.EventCallReceived,
		DealID: saved.DealID,
		Data:   saved,
	})
	return CallResult{Call: saved, Created: true}, nil
}

func (g *Gateway) createMissedCallTask(ctx context.Context, c call.Call) {
	owner, err := g.resolver.DealOwner(ctx, c.DealID)
	if err != nil {
		g.logger.Error("resolve deal owner for missed call", slog.String("deal_id", c.DealID), slog.Any("error", err))
		return
	}
	_, err = g.tasks.Create(ctx, task.Task{
		DealID:       c.DealID,
		Title:        fmt.Sprintf("Call back %s (missed call)", c.Phone),
		AssignedToID: owner,
	})
	if err != nil {
		g.logger.Error("create missed call task", slog.String("deal_id", c.DealID), slog.Any("error", err))
	}
}

// SendRequest is the uniform outbound contract across channels.
type SendRequest struct {
	Channel     channel.Type         `json:"channel"`
	Recipient   string               `json:"recipient"`
	Content     string               `json:"content"`
	Attachments []channel.Attachment `json:"attachments,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
	DealID      string               `json:"deal_id,omitempty"`
	SenderID    string               `json:"-"`
}

// Send routes one outbound message through the channel adapter and, on
// success, persists it and broadcasts it like any other traffic. Upstream
// rejections come back as Success=false, not as an error.
func (g *Gateway) Send(ctx context.Context, req SendRequest) (channel.SendResult, error) {
	adapter, ok := g.registry.Get(req.Channel)
	if !ok {
		return channel.SendResult{}, fmt.Errorf("%w: %s", ErrUnknownChannel, req.Channel)
	}
	if !g.registry.Ready(req.Channel) {
		return channel.Failure("%s integration is not configured", req.Channel), nil
	}

	result, err := adapter.SendMessage(ctx, channel.SendOptions{
		Recipient:   req.Recipient,
		Content:     req.Content,
		Attachments: req.Attachments,
		Metadata:    req.Metadata,
		DealID:      req.DealID,
	})
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("gateway: send via %s: %w", req.Channel, err)
	}
	if !result.Success {
		return result, nil
	}

	dealID := req.DealID
	if dealID == "" {
		// Link the sent message the same way inbound traffic is linked.
		resolved, err := g.resolver.FindDealByContact(ctx, req.Channel, req.Recipient)
		if err != nil {
			g.logger.Error("resolve deal for outbound message", slog.String("channel", string(req.Channel)), slog.Any("error", err))
		} else {
			dealID = resolved
		}
	}

	saved, created, err := g.messages.Save(ctx, message.Message{
		ExternalMessageID: result.ExternalMessageID,
		Channel:           req.Channel,
		Direction:         channel.DirectionOutgoing,
		Recipient:         req.Recipient,
		Content:           req.Content,
		Attachments:       req.Attachments,
		Metadata:          req.Metadata,
		DealID:            dealID,
	})
	if err != nil {
		// The provider accepted the message; report success and let the
		// next delivery receipt reconcile storage.
		g.logger.Error("persist outbound message", slog.String("channel", string(req.Channel)), slog.Any("error", err))
		return result, nil
	}
	if created {
		if saved.DealID != "" {
			g.appendActivity(ctx, activity.Entry{
				Type:    activity.TypeMessageSent,
				DealID:  saved.DealID,
				ActorID: req.SenderID,
				Metadata: map[string]any{
					"message_id": saved.ID,
					"channel":    string(req.Channel),
				},
			})
		}
		g.broadcaster.Publish(realtime.Event{
			Type:   realtime.EventMessageSent,
			DealID: saved.DealID,
			Data:   saved,
		})
	}
	return result, nil
}

func (g *Gateway) appendActivity(ctx context.Context, entry activity.Entry) {
	if _, err := g.activities.Append(ctx, entry); err != nil {
		g.logger.Error("append activity", slog.String("type", entry.Type), slog.Any("error", err))
	}
}
