// Package integration persists per-channel integration configs. The store
// satisfies channel.ConfigSource so the registry can load and reload
// adapters from it.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/db"
)

// ErrNotFound is returned when a channel has no stored config.
var ErrNotFound = errors.New("integration: config not found")

// Store reads and writes the integration_configs table.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates an integration config store.
func NewStore(pool *pgxpool.Pool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, logger: log.With(slog.String("component", "integration"))}
}

// GetConfig returns the stored config for one channel.
func (s *Store) GetConfig(ctx context.Context, ch channel.Type) (channel.IntegrationConfig, error) {
	row := s.pool.QueryRow(ctx, `
SELECT channel, credentials, is_active, updated_at
FROM integration_configs
WHERE channel = $1`, string(ch))
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return channel.IntegrationConfig{}, ErrNotFound
	}
	if err != nil {
		return channel.IntegrationConfig{}, fmt.Errorf("integration: get config: %w", err)
	}
	return cfg, nil
}

// ListActive returns every config flagged active.
func (s *Store) ListActive(ctx context.Context) ([]channel.IntegrationConfig, error) {
	rows, err := s.pool.Query(ctx, `
SELECT channel, credentials, is_active, updated_at
FROM integration_configs
WHERE is_active
ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("integration: list active: %w", err)
	}
	defer rows.Close()

	var configs []channel.IntegrationConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("integration: scan: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("integration: rows: %w", err)
	}
	return configs, nil
}

// Upsert stores credentials for a channel, replacing any previous set.
func (s *Store) Upsert(ctx context.Context, cfg channel.IntegrationConfig) error {
	credentials, err := json.Marshal(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("integration: upsert: credentials: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO integration_configs (channel, credentials, is_active, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (channel) DO UPDATE
SET credentials = EXCLUDED.credentials,
    is_active = EXCLUDED.is_active,
    updated_at = now()`,
		string(cfg.Channel), credentials, cfg.Active,
	)
	if err != nil {
		return fmt.Errorf("integration: upsert: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (channel.IntegrationConfig, error) {
	var (
		name        string
		credentials []byte
		active      bool
		updatedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&name, &credentials, &active, &updatedAt); err != nil {
		return channel.IntegrationConfig{}, err
	}
	cfg := channel.IntegrationConfig{
		Channel:   channel.Type(name),
		Active:    active,
		UpdatedAt: db.TimeFromPg(updatedAt),
	}
	if len(credentials) > 0 {
		if err := json.Unmarshal(credentials, &cfg.Credentials); err != nil {
			return channel.IntegrationConfig{}, fmt.Errorf("decode credentials: %w", err)
		}
	}
	return cfg, nil
}
