// Package channel defines the canonical message model and the capability
// contract every messaging channel adapter implements.
package channel

import (
	"fmt"
	"strings"
)

// Type identifies one external communication channel.
type Type string

// The channel enum is closed: adding a platform means adding an adapter.
const (
	TypeWhatsApp  Type = "whatsapp"
	TypeTelegram  Type = "telegram"
	TypeVK        Type = "vk"
	TypeEmail     Type = "email"
	TypeTelephony Type = "telephony"
)

// AllTypes lists every known channel type.
func AllTypes() []Type {
	return []Type{TypeWhatsApp, TypeTelegram, TypeVK, TypeEmail, TypeTelephony}
}

func (t Type) String() string {
	return string(t)
}

// ParseType validates and normalizes a raw string into a known channel Type.
func ParseType(raw string) (Type, error) {
	normalized := Type(strings.TrimSpace(strings.ToLower(raw)))
	for _, t := range AllTypes() {
		if normalized == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("unsupported channel type: %s", raw)
}

// Direction distinguishes ingested messages from ones this system sent.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// AttachmentType classifies an attachment payload.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentDocument AttachmentType = "document"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVideo    AttachmentType = "video"
	AttachmentFile     AttachmentType = "file"
)

// Attachment is a channel-agnostic reference to a media payload.
type Attachment struct {
	Type AttachmentType `json:"type"`
	URL  string         `json:"url,omitempty"`
	Name string         `json:"name,omitempty"`
	Mime string         `json:"mime,omitempty"`
}

// ParsedMessage is the normalized form every adapter produces from a raw
// webhook payload. Sender and Recipient are channel-native addresses and
// stay opaque to the rest of the system.
type ParsedMessage struct {
	ExternalMessageID string         `json:"external_message_id"`
	Sender            string         `json:"sender"`
	Recipient         string         `json:"recipient"`
	Content           string         `json:"content"`
	Attachments       []Attachment   `json:"attachments,omitempty"`
	Direction         Direction      `json:"direction"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// CallDirection distinguishes inbound from outbound call events.
type CallDirection string

const (
	CallInbound  CallDirection = "inbound"
	CallOutbound CallDirection = "outbound"
)

// CallStatus is the terminal (or in-progress) state of a call event.
type CallStatus string

const (
	CallAnswered CallStatus = "answered"
	CallMissed   CallStatus = "missed"
	CallBusy     CallStatus = "busy"
	CallFailed   CallStatus = "failed"
)

// ParsedCall is the normalized telephony call event.
type ParsedCall struct {
	ExternalCallID string         `json:"external_call_id"`
	Phone          string         `json:"phone"`
	Direction      CallDirection  `json:"direction"`
	Duration       *int           `json:"duration,omitempty"`
	RecordingURL   string         `json:"recording_url,omitempty"`
	Status         CallStatus     `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SendOptions carries everything needed to dispatch one outbound message.
// Callers never construct channel-specific payloads.
type SendOptions struct {
	Recipient   string         `json:"recipient"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	DealID      string         `json:"deal_id,omitempty"`
}

// SendResult reports the outcome of a send. Ordinary upstream failures
// (expired auth, invalid recipient, rate limit) surface here as
// Success=false with a human-readable Error, never as a Go error.
type SendResult struct {
	Success           bool   `json:"success"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Failure builds a failed SendResult from a format string.
func Failure(format string, args ...any) SendResult {
	return SendResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Features is the capability matrix an adapter reports. Calling code
// consults it before invoking optional operations.
type Features struct {
	SendMessage     bool `json:"send_message"`
	ReceiveMessage  bool `json:"receive_message"`
	Attachments     bool `json:"attachments"`
	ReadReceipts    bool `json:"read_receipts"`
	TypingIndicator bool `json:"typing_indicator"`
	GroupChats      bool `json:"group_chats"`
	CallEvents      bool `json:"call_events"`
}

// HealthStatus is the result of a cheap upstream probe.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
)

// Health reports adapter health after a probe.
type Health struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}
