// Package activity appends timeline entries to deals. The log is
// append-only; entries are never updated or deleted.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyzcrm/messaging/internal/db"
)

// Entry types recorded by the messaging layer.
const (
	TypeMessageReceived = "message_received"
	TypeMessageSent     = "message_sent"
	TypeCallReceived    = "call_received"
)

// Entry is one deal timeline record.
type Entry struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	DealID    string         `json:"deal_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Log writes the activities table.
type Log struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewLog creates an activity log.
func NewLog(pool *pgxpool.Pool, log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{pool: pool, logger: log.With(slog.String("component", "activity"))}
}

// Append records one entry.
func (l *Log) Append(ctx context.Context, entry Entry) (Entry, error) {
	dealID, err := db.ToPgUUID(entry.DealID)
	if err != nil {
		return Entry{}, fmt.Errorf("activity: append: deal id: %w", err)
	}
	actorID, err := db.ToPgUUID(entry.ActorID)
	if err != nil {
		return Entry{}, fmt.Errorf("activity: append: actor id: %w", err)
	}
	var metadata []byte
	if len(entry.Metadata) > 0 {
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return Entry{}, fmt.Errorf("activity: append: metadata: %w", err)
		}
	}

	var (
		id        pgtype.UUID
		createdAt pgtype.Timestamptz
	)
	err = l.pool.QueryRow(ctx, `
INSERT INTO activities (type, deal_id, actor_id, metadata)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`,
		entry.Type, dealID, actorID, metadata,
	).Scan(&id, &createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("activity: append: %w", err)
	}
	entry.ID = db.UUIDToString(id)
	entry.CreatedAt = db.TimeFromPg(createdAt)
	return entry, nil
}

// ListByDeal returns a deal's timeline, newest first.
func (l *Log) ListByDeal(ctx context.Context, dealID string) ([]Entry, error) {
	id, err := db.ParseUUID(dealID)
	if err != nil {
		return nil, fmt.Errorf("activity: list by deal: %w", err)
	}
	rows, err := l.pool.Query(ctx, `
SELECT id, type, deal_id, actor_id, metadata, created_at
FROM activities
WHERE deal_id = $1
ORDER BY created_at DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("activity: list by deal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry         Entry
			entryID, deal pgtype.UUID
			actor         pgtype.UUID
			metadata      []byte
			createdAt     pgtype.Timestamptz
		)
		if err := rows.Scan(&entryID, &entry.Type, &deal, &actor, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("activity: scan: %w", err)
		}
		entry.ID = db.UUIDToString(entryID)
		entry.DealID = db.UUIDToString(deal)
		entry.ActorID = db.UUIDToString(actor)
		entry.CreatedAt = db.TimeFromPg(createdAt)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("activity: decode metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity: rows: %w", err)
	}
	return entries, nil
}
