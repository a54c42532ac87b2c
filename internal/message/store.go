// Package message persists canonical messages. Duplicate deliveries are
// absorbed at the storage layer: the unique (channel, external_message_id)
// index makes Save idempotent.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/db"
)

// Message is a persisted canonical message.
type Message struct {
	ID                string               `json:"id"`
	ExternalMessageID string               `json:"external_message_id"`
	Channel           channel.Type         `json:"channel"`
	Direction         channel.Direction    `json:"direction"`
	Sender            string               `json:"sender"`
	Recipient         string               `json:"recipient"`
	Content           string               `json:"content"`
	Attachments       []channel.Attachment `json:"attachments,omitempty"`
	Metadata          map[string]any       `json:"metadata,omitempty"`
	DealID            string               `json:"deal_id,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// Store reads and writes the messages table.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a message store.
func NewStore(pool *pgxpool.Pool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, logger: log.With(slog.String("component", "message"))}
}

const messageColumns = `id, external_message_id, channel, direction, sender, recipient, content, attachments, metadata, deal_id, created_at, updated_at`

// Save inserts the message and reports created=true. When the same
// (channel, external_message_id) pair already exists the stored row is
// returned unchanged with created=false.
func (s *Store) Save(ctx context.Context, msg Message) (Message, bool, error) {
	dealID, err := db.ToPgUUID(msg.DealID)
	if err != nil {
		return Message{}, false, fmt.Errorf("message: save: deal id: %w", err)
	}
	attachments, err := marshalJSON(msg.Attachments)
	if err != nil {
		return Message{}, false, fmt.Errorf("message: save: attachments: %w", err)
	}
	metadata, err := marshalJSON(msg.Metadata)
	if err != nil {
		return Message{}, false, fmt.Errorf("message: save: metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO messages (external_message_id, channel, direction, sender, recipient, content, attachments, metadata, deal_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+messageColumns,
		msg.ExternalMessageID, string(msg.Channel), string(msg.Direction),
		msg.Sender, msg.Recipient, msg.Content, attachments, metadata, dealID,
	)
	saved, err := scanMessage(row)
	if err == nil {
		return saved, true, nil
	}
	if !db.IsUniqueViolation(err) {
		return Message{}, false, fmt.Errorf("message: save: %w", err)
	}

	existing, err := s.getByExternalID(ctx, msg.Channel, msg.ExternalMessageID)
	if err != nil {
		return Message{}, false, err
	}
	return existing, false, nil
}

func (s *Store) getByExternalID(ctx context.Context, ch channel.Type, externalID string) (Message, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE channel = $1 AND external_message_id = $2`,
		string(ch), externalID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("message: get by external id: %w", err)
	}
	return msg, nil
}

// ListByDeal returns a deal's messages, oldest first.
func (s *Store) ListByDeal(ctx context.Context, dealID string) ([]Message, error) {
	id, err := db.ParseUUID(dealID)
	if err != nil {
		return nil, fmt.Errorf("message: list by deal: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE deal_id = $1
ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("message: list by deal: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListUnassigned returns incoming messages that could not be matched to a
// deal, newest first. These form the operator's unassigned inbox.
func (s *Store) ListUnassigned(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE deal_id IS NULL AND direction = 'incoming'
ORDER BY created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("message: list unassigned: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg         Message
		id, dealID  pgtype.UUID
		ch, dir     string
		attachments []byte
		metadata    []byte
		createdAt   pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)
	err := row.Scan(&id, &msg.ExternalMessageID, &ch, &dir, &msg.Sender, &msg.Recipient,
		&msg.Content, &attachments, &metadata, &dealID, &createdAt, &updatedAt)
	if err != nil {
		return Message{}, err
	}
	msg.ID = db.UUIDToString(id)
	msg.Channel = channel.Type(ch)
	msg.Direction = channel.Direction(dir)
	msg.DealID = db.UUIDToString(dealID)
	msg.CreatedAt = db.TimeFromPg(createdAt)
	msg.UpdatedAt = db.TimeFromPg(updatedAt)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return Message{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return msg, nil
}

func collectMessages(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: rows: %w", err)
	}
	return messages, nil
}

func marshalJSON(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}
