package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"dott/session-service/internal/models"
	"dott/session-service/internal/tenant"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Options struct {
	ForceSync   bool
	AccessToken string
	RequestID   string
	// PrevOnboardingCompleted is the session's completion flag before any
	// mutation in this request; the reconcile uses it to detect the
	// transition to COMPLETE.
	PrevOnboardingCompleted bool
}

// SetupError reports a schema provisioning failure after both the primary
// and the legacy fallback path failed. The session changes that preceded it
// are not rolled back.
type SetupError struct {
	TenantID string
	Err      error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("schema setup failed for tenant %s: %v", e.TenantID, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Bridge reconciles local session state against the backend system of record.
type Bridge interface {
	Reconcile(ctx context.Context, record models.SessionRecord, tenantID string, opts Options) (models.SessionRecord, error)
	CheckSchema(ctx context.Context, tenantID, accessToken, requestID string) (bool, error)
	EnsureSchema(ctx context.Context, tenantID, accessToken, requestID string) (bool, error)
	VerifyTenant(ctx context.Context, tenantID, accessToken, requestID string) (bool, error)
}

type Config struct {
	BaseURL          string
	Timeout          time.Duration
	SetupTimeout     time.Duration
	MaxTries         int
	RetryWait        time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type Client struct {
	baseURL      string
	http         *http.Client
	setupTimeout time.Duration
	maxTries     uint
	retryWait    time.Duration
	breaker      *breaker
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	setupTimeout := cfg.SetupTimeout
	if setupTimeout <= 0 {
		setupTimeout = 30 * time.Second
	}
	maxTries := cfg.MaxTries
	if maxTries <= 0 {
		maxTries = 3
	}
	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = 500 * time.Millisecond
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		setupTimeout: setupTimeout,
		maxTries:     uint(maxTries),
		retryWait:    retryWait,
		breaker:      newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
}

type userState struct {
	TenantID            string `json:"tenantId"`
	NeedsOnboarding     *bool  `json:"needsOnboarding"`
	OnboardingCompleted *bool  `json:"onboardingCompleted"`
	SubscriptionPlan    string `json:"subscriptionPlan"`
	BusinessName        string `json:"businessName"`
}

// Reconcile merges backend-authoritative state into the record when a forced
// sync is possible, rewrites every alias field in lock-step, and runs the
// schema provisioning chain when onboarding just completed. Backend fetch
// failures keep the local values and are never surfaced; only a provisioning
// failure comes back as a *SetupError.
func (c *Client) Reconcile(ctx context.Context, record models.SessionRecord, tenantID string, opts Options) (models.SessionRecord, error) {
	record.TenantID = tenantID

	if opts.ForceSync && opts.AccessToken != "" {
		state, err := c.fetchUserState(ctx, opts)
		if err != nil {
			log.Printf("backend reconcile: user state fetch failed, keeping local values tenant=%s request_id=%s err=%v", tenantID, opts.RequestID, err)
		} else {
			if id := tenant.Normalize(state.TenantID); id != "" {
				record.TenantID = id
			}
			if state.OnboardingCompleted != nil && *state.OnboardingCompleted {
				// Onboarding is monotonic; the backend can complete it
				// but never reopen it.
				record.OnboardingCompleted = true
			}
			if state.NeedsOnboarding != nil && !record.OnboardingCompleted {
				record.NeedsOnboarding = *state.NeedsOnboarding
			}
			if state.SubscriptionPlan != "" {
				record.SubscriptionPlan = state.SubscriptionPlan
			}
			if state.BusinessName != "" {
				record.BusinessName = state.BusinessName
			}
		}
	}

	record.NormalizeAliases()
	record.Touch()

	if record.OnboardingCompleted && !opts.PrevOnboardingCompleted {
		if _, err := c.EnsureSchema(ctx, record.TenantID, opts.AccessToken, opts.RequestID); err != nil {
			return record, err
		}
	}
	return record, nil
}

func (c *Client) fetchUserState(ctx context.Context, opts Options) (userState, error) {
	if !c.breaker.allow() {
		return userState{}, ErrBreakerOpen
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retryWait

	state, err := backoff.Retry(ctx, func() (userState, error) {
		var out userState
		err := c.doJSON(ctx, http.MethodGet, "/api/users/me", opts.AccessToken, opts.RequestID, nil, &out)
		if err != nil {
			if isClientError(err) {
				return userState{}, backoff.Permanent(err)
			}
			return userState{}, err
		}
		return out, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(c.maxTries))

	// Client errors (expired token, bad request) say nothing about backend
	// health; only successes and server/transport failures move the breaker.
	if !isClientError(err) {
		c.breaker.record(err)
	}
	return state, err
}

type schemaStatus struct {
	Exists bool `json:"schemaExists"`
}

// CheckSchema asks the backend whether the tenant schema already exists.
func (c *Client) CheckSchema(ctx context.Context, tenantID, accessToken, requestID string) (bool, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retryWait

	status, err := backoff.Retry(ctx, func() (schemaStatus, error) {
		var out schemaStatus
		err := c.doJSON(ctx, http.MethodPost, "/api/tenants/"+tenantID+"/check-schema", accessToken, requestID, nil, &out)
		if err != nil {
			if isClientError(err) {
				return schemaStatus{}, backoff.Permanent(err)
			}
			return schemaStatus{}, err
		}
		return out, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return false, err
	}
	return status.Exists, nil
}

// EnsureSchema runs the provisioning chain: check-schema, then schema-setup,
// with the legacy tenant-create endpoint as fallback when the primary path
// fails. Returns true when a schema was created by this call.
func (c *Client) EnsureSchema(ctx context.Context, tenantID, accessToken, requestID string) (bool, error) {
	exists, err := c.CheckSchema(ctx, tenantID, accessToken, requestID)
	if err != nil {
		log.Printf("backend provision: schema check failed, attempting setup anyway tenant=%s request_id=%s err=%v", tenantID, requestID, err)
	}
	if exists {
		return false, nil
	}

	setupCtx, cancel := context.WithTimeout(ctx, c.setupTimeout)
	defer cancel()

	primaryErr := c.doJSON(setupCtx, http.MethodPost, "/api/tenants/"+tenantID+"/schema-setup", accessToken, requestID, nil, nil)
	if primaryErr == nil {
		return true, nil
	}
	log.Printf("backend provision: schema setup failed, trying legacy create tenant=%s request_id=%s err=%v", tenantID, requestID, primaryErr)

	fallbackErr := c.doJSON(ctx, http.MethodPost, "/api/tenants", accessToken, requestID, map[string]string{"tenantId": tenantID}, nil)
	if fallbackErr == nil {
		return true, nil
	}
	return false, &SetupError{TenantID: tenantID, Err: errors.Join(primaryErr, fallbackErr)}
}

type verifyResult struct {
	Valid bool `json:"valid"`
}

// VerifyTenant checks the tenant against the backend record.
func (c *Client) VerifyTenant(ctx context.Context, tenantID, accessToken, requestID string) (bool, error) {
	var out verifyResult
	err := c.doJSON(ctx, http.MethodGet, "/api/tenants/"+tenantID+"/verify", accessToken, requestID, nil, &out)
	if err != nil {
		return false, err
	}
	return out.Valid, nil
}

type statusError struct {
	endpoint string
	status   int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.endpoint, e.status)
}

func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status >= 400 && se.status < 500
}

func (c *Client) doJSON(ctx context.Context, method, path, accessToken, requestID string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{endpoint: path, status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
