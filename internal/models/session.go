package models

import "time"

type OnboardingStatus string

const (
	OnboardingNotStarted OnboardingStatus = "NOT_STARTED"
	OnboardingInProgress OnboardingStatus = "IN_PROGRESS"
	OnboardingComplete   OnboardingStatus = "COMPLETE"
)

type User struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
}

// SessionRecord is the decrypted content of the session cookie. The *_id and
// plan alias fields exist for older clients that still read the legacy
// spellings; NormalizeAliases keeps them in lock-step.
type SessionRecord struct {
	User User `json:"user"`

	TenantID       string `json:"tenantId,omitempty"`
	TenantIDLegacy string `json:"tenant_id,omitempty"`

	NeedsOnboarding     bool   `json:"needsOnboarding"`
	OnboardingCompleted bool   `json:"onboardingCompleted"`
	CurrentStep         string `json:"currentStep,omitempty"`

	BusinessName string `json:"businessName,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`

	SubscriptionPlan       string `json:"subscriptionPlan,omitempty"`
	SubscriptionPlanLegacy string `json:"subscription_plan,omitempty"`
	SubscriptionType       string `json:"subscriptionType,omitempty"`
	SubscriptionTypeLegacy string `json:"subscription_type,omitempty"`
	SelectedPlan           string `json:"selectedPlan,omitempty"`
	Plan                   string `json:"plan,omitempty"`

	LastUpdated string `json:"lastUpdated,omitempty"`
}

const DefaultPlan = "free"

// ResolvedPlan returns the first non-empty plan field, newest spelling first.
func (r *SessionRecord) ResolvedPlan() string {
	for _, v := range []string{
		r.SubscriptionPlan,
		r.SubscriptionPlanLegacy,
		r.SubscriptionType,
		r.SubscriptionTypeLegacy,
		r.SelectedPlan,
		r.Plan,
	} {
		if v != "" {
			return v
		}
	}
	return DefaultPlan
}

// NormalizeAliases rewrites every alias field from its canonical source so no
// alias can diverge: all plan spellings carry the resolved plan, the legacy
// tenant_id mirrors tenantId, and the onboarding pair stays consistent.
func (r *SessionRecord) NormalizeAliases() {
	plan := r.ResolvedPlan()
	r.SubscriptionPlan = plan
	r.SubscriptionPlanLegacy = plan
	r.SubscriptionType = plan
	r.SubscriptionTypeLegacy = plan
	r.SelectedPlan = plan
	r.Plan = plan

	if r.TenantID == "" {
		r.TenantID = r.TenantIDLegacy
	}
	r.TenantIDLegacy = r.TenantID

	if r.OnboardingCompleted {
		r.NeedsOnboarding = false
		r.CurrentStep = ""
	}
}

// Onboarding reports the session's position in the monotonic
// NOT_STARTED -> IN_PROGRESS -> COMPLETE progression.
func (r *SessionRecord) Onboarding() OnboardingStatus {
	switch {
	case r.OnboardingCompleted:
		return OnboardingComplete
	case r.CurrentStep != "" || r.TenantID != "":
		return OnboardingInProgress
	default:
		return OnboardingNotStarted
	}
}

// Touch stamps the record with the current mutation time. The timestamp is
// observational only; nothing compares it for conflict resolution.
func (r *SessionRecord) Touch() {
	r.LastUpdated = time.Now().UTC().Format(time.RFC3339)
}

// StatusCookiePayload is the client-readable onboarding_status cookie body.
type StatusCookiePayload struct {
	Completed bool   `json:"completed"`
	TenantID  string `json:"tenantId"`
	Timestamp string `json:"timestamp"`
}
