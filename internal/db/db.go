// Package db provides PostgreSQL connectivity, schema migration, and
// pgtype helpers for the messaging stores.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyzcrm/messaging/internal/config"
)

// Open creates the pgx pool backing the messaging stores and verifies
// connectivity before handing it out, so a misconfigured database fails
// at startup instead of on the first webhook.
func Open(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("db: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return pool, nil
}
