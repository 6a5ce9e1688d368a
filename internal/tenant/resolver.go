package tenant

import (
	"context"
	"errors"
	"log"
	"strings"

	"dott/session-service/internal/store"

	"github.com/google/uuid"
)

// synthesisNamespace is the fixed UUID v5 namespace for deriving a tenant ID
// from a user's subject identifier. Changing it would hand every new user a
// different synthesized tenant.
var synthesisNamespace = uuid.MustParse("c47835e3-22e5-48ce-9d59-d7a59a4d36a8")

type Source string

const (
	SourceClaim       Source = "claim"
	SourceRequest     Source = "request"
	SourceCookie      Source = "cookie"
	SourceSynthesized Source = "synthesized"
)

// Candidates are the advisory tenant ID inputs for one request. The claim is
// read from the store, not supplied here.
type Candidates struct {
	Request string
	Cookie  string
}

type Resolution struct {
	TenantID    string
	Source      Source
	Synthesized bool
	// Mismatch is set when an advisory candidate disagreed with the claim.
	// The claim always wins; the rejected value is in RejectedID.
	Mismatch   bool
	RejectedID string
}

// Resolver computes exactly one tenant ID per request. The identity-provider
// claim mirror is the source of truth; request and cookie values are advisory.
type Resolver struct {
	claims store.ClaimStore
}

func NewResolver(claims store.ClaimStore) *Resolver {
	return &Resolver{claims: claims}
}

// Normalize returns the canonical lowercase form of a tenant ID candidate, or
// "" when the value is not a UUID. Malformed candidates are absent, not errors.
func Normalize(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return ""
	}
	return id.String()
}

// Synthesize derives the deterministic tenant ID for a subject. The same
// subject always maps to the same UUID, across sessions and processes.
func Synthesize(subject string) string {
	return uuid.NewSHA1(synthesisNamespace, []byte(subject)).String()
}

// Resolve picks the authoritative tenant ID with precedence
// claim > request > cookie, synthesizing one when no candidate exists.
// Claim write-backs are best effort: failures are logged and the resolved
// value is returned regardless.
func (r *Resolver) Resolve(ctx context.Context, subject string, c Candidates, forceSync bool) Resolution {
	claim := ""
	if stored, err := r.claims.GetClaim(ctx, subject); err == nil {
		claim = Normalize(stored)
	} else if !errors.Is(err, store.ErrClaimNotFound) {
		log.Printf("tenant resolve: claim read failed subject=%s err=%v", subject, err)
	}

	request := Normalize(c.Request)
	cookie := Normalize(c.Cookie)

	if claim != "" {
		res := Resolution{TenantID: claim, Source: SourceClaim}
		for _, candidate := range []string{request, cookie} {
			if candidate != "" && candidate != claim {
				res.Mismatch = true
				res.RejectedID = candidate
				log.Printf("tenant resolve: candidate mismatch subject=%s claim=%s rejected=%s", subject, claim, candidate)
				break
			}
		}
		return res
	}

	if request != "" {
		res := Resolution{TenantID: request, Source: SourceRequest}
		if forceSync {
			r.writeBack(ctx, subject, request)
		}
		return res
	}
	if cookie != "" {
		res := Resolution{TenantID: cookie, Source: SourceCookie}
		if forceSync {
			r.writeBack(ctx, subject, cookie)
		}
		return res
	}

	synthesized := Synthesize(subject)
	winner, err := r.claims.EnsureClaim(ctx, subject, synthesized)
	if err != nil {
		log.Printf("tenant resolve: claim write-back failed subject=%s tenant=%s err=%v", subject, synthesized, err)
		winner = synthesized
	}
	return Resolution{TenantID: winner, Source: SourceSynthesized, Synthesized: true}
}

func (r *Resolver) writeBack(ctx context.Context, subject, tenantID string) {
	if err := r.claims.SetClaim(ctx, subject, tenantID); err != nil {
		log.Printf("tenant resolve: claim write-back failed subject=%s tenant=%s err=%v", subject, tenantID, err)
	}
}
