// Package realtime provides the in-process pub/sub hub behind the
// WebSocket feed. Events are scoped to deal rooms, with a global room for
// operators watching everything (including unassigned traffic).
package realtime

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	// DefaultBufferSize is the default per-subscriber channel buffer.
	DefaultBufferSize = 64

	// GlobalRoom receives every published event regardless of deal.
	GlobalRoom = "*"
)

// EventType identifies the event category on the realtime feed.
type EventType string

const (
	// EventMessageReceived is emitted after an inbound message is first persisted.
	EventMessageReceived EventType = "message_received"
	// EventMessageSent is emitted after an outbound message is persisted.
	EventMessageSent EventType = "message_sent"
	// EventCallReceived is emitted after a call event is first persisted.
	EventCallReceived EventType = "call_received"
)

// Event is the payload pushed to realtime subscribers. DealID is empty for
// unassigned traffic, which only the global room sees.
type Event struct {
	Type   EventType `json:"type"`
	DealID string    `json:"deal_id,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// Broadcaster publishes events to subscribers.
type Broadcaster interface {
	Publish(event Event)
}

// Hub is an in-process pub/sub dispatcher for deal-scoped events.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: map[string]map[string]chan Event{},
	}
}

// Publish broadcasts one event to the event's deal room and to the global
// room. Slow subscribers are dropped in a non-blocking way so the ingest
// path never stalls on a reader.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliverLocked(GlobalRoom, event)
	if dealID := strings.TrimSpace(event.DealID); dealID != "" {
		h.deliverLocked(dealID, event)
	}
}

func (h *Hub) deliverLocked(room string, event Event) {
	for _, ch := range h.rooms[room] {
		select {
		case ch <- event:
		default:
			// Drop if receiver is slow to avoid blocking the ingest path.
		}
	}
}

// Subscribe registers one subscriber on a deal room, or on GlobalRoom for
// the full feed. It returns a stream ID, read-only event channel, and a
// cancel function.
func (h *Hub) Subscribe(room string, buffer int) (string, <-chan Event, func()) {
	if h == nil {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	room = strings.TrimSpace(room)
	if room == "" {
		room = GlobalRoom
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	streamID := uuid.NewString()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = map[string]chan Event{}
		h.rooms[room] = subs
	}
	subs[streamID] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			subs := h.rooms[room]
			if subs != nil {
				if current, ok := subs[streamID]; ok {
					delete(subs, streamID)
					close(current)
				}
				if len(subs) == 0 {
					delete(h.rooms, room)
				}
			}
			h.mu.Unlock()
		})
	}

	return streamID, ch, cancel
}
