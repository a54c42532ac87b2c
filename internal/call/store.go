// Package call persists telephony call events with the same
// insert-or-return-existing idempotency as the message store.
package call

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

// Call is a persisted call record.
type Call struct {
	ID             string                `json:"id"`
	ExternalCallID string                `json:"external_call_id"`
	Phone          string                `json:"phone"`
	Direction      channel.CallDirection `json:"direction"`
	Duration       *int                  `json:"duration,omitempty"`
	RecordingURL   string                `json:"recording_url,omitempty"`
	Status         channel.CallStatus    `json:"status"`
	Metadata       map[string]any        `json:"metadata,omitempty"`
	DealID         string                `json:"deal_id,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// Store reads and writes the calls table.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a call store.
func NewStore(pool *pgxpool.Pool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, logger: log.With(slog.String("component", "call"))}
}

const callColumns = `id, external_call_id, phone, direction, duration, recording_url, status, metadata, deal_id, created_at`

// Save inserts the call and reports created=true; a replayed external call
// id returns the stored row with created=false.
func (s *Store) Save(ctx context.Context, c Call) (Call, bool, error) {
	dealID, err := db.ToPgUUID(c.DealID)
	if err != nil {
		return Call{}, false, fmt.Errorf("call: save: deal id: %w", err)
	}
	var metadata []byte
	if len(c.Metadata) > 0 {
		metadata, err = json.Marshal(c.Metadata)
		if err != nil {
			return Call{}, false, fmt.Errorf("call: save: metadata: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO calls (external_call_id, phone, direction, duration, recording_url, status, metadata, deal_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING `+callColumns,
		c.ExternalCallID, c.Phone, string(c.Direction), db.ToPgInt4(c.Duration),
		db.ToPgText(c.RecordingURL), string(c.Status), metadata, dealID,
	)
	saved, err := scanCall(row)
	if err == nil {
		return saved, true, nil
	}
	if !db.IsUniqueViolation(err) {
		return Call{}, false, fmt.Errorf("call: save: %w", err)
	}

	existing, err := s.getByExternalID(ctx, c.ExternalCallID)
	if err != nil {
		return Call{}, false, err
	}
	return existing, false, nil
}

func (s *Store) getByExternalID(ctx context.Context, externalID string) (Call, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+callColumns+`
FROM calls
WHERE external_call_id = $1`, externalID)
	c, err := scanCall(row)
	if err != nil {
		return Call{}, fmt.Errorf("call: get by external id: %w", err)
	}
	return c, nil
}

// ListByDeal returns a deal's calls, oldest first.
func (s *Store) ListByDeal(ctx context.Context, dealID string) ([]Call, error) {
	id, err := db.ParseUUID(dealID)
	if err != nil {
		return nil, fmt.Errorf("call: list by deal: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+callColumns+`
FROM calls
WHERE deal_id = $1
ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("call: list by deal: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("call: scan: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call: rows: %w", err)
	}
	return calls, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c          Call
		id, dealID pgtype.UUID
		direction  string
		duration   pgtype.Int4
		recording  pgtype.Text
		status     string
		metadata   []byte
		createdAt  pgtype.Timestamptz
	)
	err := row.Scan(&id, &c.ExternalCallID, &c.Phone, &direction, &duration,
		&recording, &status, &metadata, &dealID, &createdAt)
	if err != nil {
		return Call{}, err
	}
	c.ID = db.UUIDToString(id)
	c.Direction = channel.CallDirection(direction)
	if duration.Valid {
		value := int(duration.Int32)
		c.Duration = &value
	}
	c.RecordingURL = db.TextToString(recording)
	c.Status = channel.CallStatus(status)
	c.DealID = db.UUIDToString(dealID)
	c.CreatedAt = db.TimeFromPg(createdAt)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return Call{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return c, nil
}
