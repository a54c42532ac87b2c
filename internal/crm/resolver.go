// Package crm resolves inbound contact identifiers to CRM deals. It only
// reads the CRM tables; deal and contact lifecycle stays with the CRM
// proper.
package crm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyzcrm/messaging/internal/channel"
)

// Resolver maps sender identifiers to open deals.
type Resolver struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewResolver creates a deal resolver over the CRM tables.
func NewResolver(pool *pgxpool.Pool, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{pool: pool, logger: log.With(slog.String("component", "crm"))}
}

// NormalizePhone strips everything but digits so that "+7 (900) 123-45-67"
// and "79001234567" match the same contact.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

const openDealByContact = `
SELECT d.id
FROM deals d
JOIN contacts c ON c.id = d.contact_id
WHERE %s AND d.status <> 'closed'
ORDER BY d.updated_at DESC
LIMIT 1`

// FindDealByContact returns the most recently updated non-closed deal for
// the contact behind the given sender identifier, or "" when no contact or
// no open deal matches. Phone channels match on normalized phone, email on
// lowercased address, platform channels on (platform, platform_user_id).
func (r *Resolver) FindDealByContact(ctx context.Context, ch channel.Type, identifier string) (string, error) {
	var (
		predicate string
		args      []any
	)
	switch ch {
	case channel.TypeWhatsApp, channel.TypeTelephony:
		phone := NormalizePhone(identifier)
		if phone == "" {
			return "", nil
		}
		predicate = `regexp_replace(c.phone, '\D', '', 'g') = $1`
		args = []any{phone}
	case channel.TypeEmail:
		address := NormalizeEmail(identifier)
		if address == "" {
			return "", nil
		}
		predicate = `lower(c.email) = $1`
		args = []any{address}
	case channel.TypeTelegram, channel.TypeVK:
		id := strings.TrimSpace(identifier)
		if id == "" {
			return "", nil
		}
		predicate = `c.platform = $1 AND c.platform_user_id = $2`
		args = []any{string(ch), id}
	default:
		return "", fmt.Errorf("crm: unsupported channel %q", ch)
	}

	var dealID string
	err := r.pool.QueryRow(ctx, fmt.Sprintf(openDealByContact, predicate), args...).Scan(&dealID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("crm: find deal: %w", err)
	}
	return dealID, nil
}

// DealOwner returns the user id the deal is assigned to, or "" for an
// unassigned deal.
func (r *Resolver) DealOwner(ctx context.Context, dealID string) (string, error) {
	var owner *string
	err := r.pool.QueryRow(ctx, `SELECT assigned_to_id FROM deals WHERE id = $1`, dealID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("crm: deal owner: %w", err)
	}
	if owner == nil {
		return "", nil
	}
	return *owner, nil
}
