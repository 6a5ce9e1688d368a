package postgres

import (
	"context"
	"errors"

	"dott/session-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists tenant claims in the tenant_claims table:
//
//	CREATE TABLE tenant_claims (
//	    subject    TEXT PRIMARY KEY,
//	    tenant_id  UUID NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
// The primary key on subject is what makes concurrent first-time tenant
// synthesis converge on a single winner.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetClaim(ctx context.Context, subject string) (string, error) {
	var tenantID string
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id
		FROM tenant_claims
		WHERE subject = $1
	`, subject)
	if err := row.Scan(&tenantID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrClaimNotFound
		}
		return "", err
	}
	return tenantID, nil
}

func (s *Store) EnsureClaim(ctx context.Context, subject, tenantID string) (string, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_claims (subject, tenant_id)
		VALUES ($1, $2)
		ON CONFLICT (subject) DO NOTHING
	`, subject, tenantID)
	if err != nil {
		return "", err
	}
	// Re-read so a concurrent insert's value wins for everyone.
	return s.GetClaim(ctx, subject)
}

func (s *Store) SetClaim(ctx context.Context, subject, tenantID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_claims (subject, tenant_id)
		VALUES ($1, $2)
		ON CONFLICT (subject) DO UPDATE
		SET tenant_id = EXCLUDED.tenant_id, updated_at = NOW()
	`, subject, tenantID)
	return err
}
