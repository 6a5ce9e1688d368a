package store

import "context"

// ClaimStore is the durable mirror of the identity provider's tenant custom
// claim, keyed by the user's stable subject identifier.
type ClaimStore interface {
	// GetClaim returns the recorded tenant ID for a subject, or
	// ErrClaimNotFound when none exists.
	GetClaim(ctx context.Context, subject string) (string, error)
	// EnsureClaim records tenantID for the subject only if no claim exists
	// yet and returns the winning value, which may differ when a concurrent
	// request got there first.
	EnsureClaim(ctx context.Context, subject, tenantID string) (string, error)
	// SetClaim overwrites the subject's claim unconditionally.
	SetClaim(ctx context.Context, subject, tenantID string) error
}
