// Package task creates follow-up tasks for CRM users, e.g. the callback
// task raised after a missed inbound call.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyzcrm/messaging/internal/db"
)

// StatusPending is the initial status of a newly created task.
const StatusPending = "pending"

// Task is a persisted follow-up task.
type Task struct {
	ID           string     `json:"id"`
	DealID       string     `json:"deal_id,omitempty"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	AssignedToID string     `json:"assigned_to_id,omitempty"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Store writes the tasks table.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a task store.
func NewStore(pool *pgxpool.Pool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, logger: log.With(slog.String("component", "task"))}
}

// Create inserts one task. An empty status defaults to pending.
func (s *Store) Create(ctx context.Context, t Task) (Task, error) {
	if t.Status == "" {
		t.Status = StatusPending
	}
	dealID, err := db.ToPgUUID(t.DealID)
	if err != nil {
		return Task{}, fmt.Errorf("task: create: deal id: %w", err)
	}
	assignee, err := db.ToPgUUID(t.AssignedToID)
	if err != nil {
		return Task{}, fmt.Errorf("task: create: assignee: %w", err)
	}
	var dueAt pgtype.Timestamptz
	if t.DueAt != nil {
		dueAt = pgtype.Timestamptz{Time: *t.DueAt, Valid: true}
	}

	var (
		id        pgtype.UUID
		createdAt pgtype.Timestamptz
	)
	err = s.pool.QueryRow(ctx, `
INSERT INTO tasks (deal_id, title, status, assigned_to_id, due_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at`,
		dealID, t.Title, t.Status, assignee, dueAt,
	).Scan(&id, &createdAt)
	if err != nil {
		return Task{}, fmt.Errorf("task: create: %w", err)
	}
	t.ID = db.UUIDToString(id)
	t.CreatedAt = db.TimeFromPg(createdAt)
	return t, nil
}
