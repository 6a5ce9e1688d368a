package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dott/session-service/internal/backend"
	"dott/session-service/internal/models"
	"dott/session-service/internal/session"
	"dott/session-service/internal/store"
	"dott/session-service/internal/tenant"
)

const (
	tenantA = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	tenantB = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
)

type fakeClaims struct {
	getFn    func(ctx context.Context, subject string) (string, error)
	ensureFn func(ctx context.Context, subject, tenantID string) (string, error)
	setFn    func(ctx context.Context, subject, tenantID string) error
}

func (f fakeClaims) GetClaim(ctx context.Context, subject string) (string, error) {
	if f.getFn == nil {
		return "", store.ErrClaimNotFound
	}
	return f.getFn(ctx, subject)
}

func (f fakeClaims) EnsureClaim(ctx context.Context, subject, tenantID string) (string, error) {
	if f.ensureFn == nil {
		return tenantID, nil
	}
	return f.ensureFn(ctx, subject, tenantID)
}

func (f fakeClaims) SetClaim(ctx context.Context, subject, tenantID string) error {
	if f.setFn == nil {
		return nil
	}
	return f.setFn(ctx, subject, tenantID)
}

type fakeBridge struct {
	reconcileFn func(ctx context.Context, record models.SessionRecord, tenantID string, opts backend.Options) (models.SessionRecord, error)
	checkFn     func(ctx context.Context, tenantID, accessToken, requestID string) (bool, error)
	ensureFn    func(ctx context.Context, tenantID, accessToken, requestID string) (bool, error)
	verifyFn    func(ctx context.Context, tenantID, accessToken, requestID string) (bool, error)
}

func (f fakeBridge) Reconcile(ctx context.Context, record models.SessionRecord, tenantID string, opts backend.Options) (models.SessionRecord, error) {
	if f.reconcileFn != nil {
		return f.reconcileFn(ctx, record, tenantID, opts)
	}
	record.TenantID = tenantID
	record.NormalizeAliases()
	record.Touch()
	return record, nil
}

func (f fakeBridge) CheckSchema(ctx context.Context, tenantID, accessToken, requestID string) (bool, error) {
	if f.checkFn == nil {
		return true, nil
	}
	return f.checkFn(ctx, tenantID, accessToken, requestID)
}

func (f fakeBridge) EnsureSchema(ctx context.Context, tenantID, accessToken, requestID string) (bool, error) {
	if f.ensureFn == nil {
		return false, nil
	}
	return f.ensureFn(ctx, tenantID, accessToken, requestID)
}

func (f fakeBridge) VerifyTenant(ctx context.Context, tenantID, accessToken, requestID string) (bool, error) {
	if f.verifyFn == nil {
		return true, nil
	}
	return f.verifyFn(ctx, tenantID, accessToken, requestID)
}

func newTestSessions(t *testing.T) *session.Manager {
	t.Helper()
	codec, err := session.NewCodec("test-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return session.NewManager(codec, "", false)
}

func newTestHandler(t *testing.T, claims store.ClaimStore, bridge backend.Bridge) (*Handler, *session.Manager) {
	t.Helper()
	sessions := newTestSessions(t)
	return NewHandler(sessions, tenant.NewResolver(claims), bridge), sessions
}

func addSessionCookie(t *testing.T, req *http.Request, sessions *session.Manager, record models.SessionRecord) {
	t.Helper()
	resp := httptest.NewRecorder()
	if err := sessions.Save(resp, record); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for _, cookie := range resp.Result().Cookies() {
		if cookie.Name == session.PrimaryCookie {
			req.AddCookie(cookie)
		}
	}
}

func baseRecord() models.SessionRecord {
	return models.SessionRecord{
		User: models.User{
			Subject: "auth0|user-1",
			Email:   "owner@example.com",
		},
		NeedsOnboarding: true,
		AccessToken:     "token-1",
	}
}

func TestSessionSyncRequiresSession(t *testing.T) {
	handler, _ := newTestHandler(t, fakeClaims{}, fakeBridge{})

	req := httptest.NewRequest(http.MethodPost, "/api/session/sync", strings.NewReader("{}"))
	resp := httptest.NewRecorder()
	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Code)
	}
}

func TestSessionSyncRejectsUndecodableCookie(t *testing.T) {
	handler, _ := newTestHandler(t, fakeClaims{}, fakeBridge{})

	req := httptest.NewRequest(http.MethodPost, "/api/session/sync", strings.NewReader("{}"))
	req.AddCookie(&http.Cookie{Name: session.PrimaryCookie, Value: "Z2FyYmFnZQ"})
	resp := httptest.NewRecorder()
	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Code)
	}

	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "invalid_session" {
		t.Fatalf("error code = %q, want invalid_session", body.Error.Code)
	}
}

func TestSessionSyncCompletesOnboardingAndSetsCookies(t *testing.T) {
	handler, sessions := newTestHandler(t, fakeClaims{}, fakeBridge{})

	payload := map[string]interface{}{
		"tenantId":            "11111111-1111-1111-1111-111111111111",
		"onboardingCompleted": true,
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/session/sync", bytes.NewReader(body))
	addSessionCookie(t, req, sessions, baseRecord())
	resp := httptest.NewRecorder()

	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.Code, resp.Body.String())
	}

	var out syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success || out.TenantID != "11111111-1111-1111-1111-111111111111" || !out.OnboardingCompleted {
		t.Fatalf("unexpected response: %+v", out)
	}
	if out.NeedsOnboarding {
		t.Fatal("needsOnboarding should be false after completion")
	}

	cookies := map[string]string{}
	for _, cookie := range resp.Result().Cookies() {
		cookies[cookie.Name] = cookie.Value
	}
	if cookies[session.PrimaryCookie] == "" || cookies[session.LegacyCookie] == "" {
		t.Fatalf("session cookies not dual-written: %v", cookies)
	}
	if cookies["onboarding_just_completed"] != "true" {
		t.Fatalf("onboarding_just_completed = %q", cookies["onboarding_just_completed"])
	}
	if cookies["onboarding_status"] == "" {
		t.Fatal("onboarding_status cookie not set")
	}
}

func TestSessionSyncKeepsTenantFromLegacyAliasField(t *testing.T) {
	handler, _ := newTestHandler(t, fakeClaims{}, fakeBridge{})

	// Pre-encryption cookie carrying the tenant only under the legacy
	// tenant_id spelling.
	legacy, _ := json.Marshal(map[string]interface{}{
		"user":      map[string]string{"sub": "auth0|user-1", "email": "owner@example.com"},
		"tenant_id": tenantA,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/session/sync", strings.NewReader("{}"))
	req.AddCookie(&http.Cookie{
		Name:  session.PrimaryCookie,
		Value: base64.StdEncoding.EncodeToString(legacy),
	})
	resp := httptest.NewRecorder()

	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.Code, resp.Body.String())
	}
	var out syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TenantID != tenantA {
		t.Fatalf("tenantId = %q, want legacy alias value %q", out.TenantID, tenantA)
	}
}

func TestSessionSyncDeleteClearsCookies(t *testing.T) {
	handler, sessions := newTestHandler(t, fakeClaims{}, fakeBridge{})

	req := httptest.NewRequest(http.MethodDelete, "/api/session/sync", nil)
	addSessionCookie(t, req, sessions, baseRecord())
	resp := httptest.NewRecorder()

	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}

	cleared := map[string]bool{}
	for _, cookie := range resp.Result().Cookies() {
		if cookie.Name == session.PrimaryCookie || cookie.Name == session.LegacyCookie {
			if cookie.Value == "" && cookie.MaxAge < 0 {
				cleared[cookie.Name] = true
			}
		}
	}
	if !cleared[session.PrimaryCookie] || !cleared[session.LegacyCookie] {
		t.Fatalf("both session cookies should be expired, got %v", cleared)
	}
}

func TestSessionSyncDoesNotRepeatStatusCookies(t *testing.T) {
	handler, sessions := newTestHandler(t, fakeClaims{}, fakeBridge{})

	record := baseRecord()
	record.TenantID = tenantA
	record.NeedsOnboarding = false
	record.OnboardingCompleted = true

	req := httptest.NewRequest(http.MethodPost, "/api/session/sync", strings.NewReader("{}"))
	addSessionCookie(t, req, sessions, record)
	resp := httptest.NewRecorder()

	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	for _, cookie := range resp.Result().Cookies() {
		if cookie.Name == "onboarding_just_completed" {
			t.Fatal("status cookie set without a completion transition")
		}
	}
}

func TestSessionSyncSchemaSetupFailureSurfaced(t *testing.T) {
	bridge := fakeBridge{
		reconcileFn: func(ctx context.Context, record models.SessionRecord, tenantID string, opts backend.Options) (models.SessionRecord, error) {
			record.TenantID = tenantID
			record.OnboardingCompleted = true
			record.NormalizeAliases()
			return record, &backend.SetupError{TenantID: tenantID}
		},
	}
	handler, sessions := newTestHandler(t, fakeClaims{}, bridge)

	req := httptest.NewRequest(http.MethodPost, "/api/session/sync", strings.NewReader(`{"onboardingCompleted":true}`))
	addSessionCookie(t, req, sessions, baseRecord())
	resp := httptest.NewRecorder()

	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.Code)
	}

	var out setupFailureResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.ClientShouldUpdateCognito {
		t.Fatal("clientShouldUpdateCognito should be true")
	}

	// Applied session changes are not rolled back.
	sawSession := false
	for _, cookie := range resp.Result().Cookies() {
		if cookie.Name == session.PrimaryCookie && cookie.Value != "" {
			sawSession = true
		}
	}
	if !sawSession {
		t.Fatal("session cookie should still be written on setup failure")
	}
}

func TestSessionSyncGetReturnsCurrentView(t *testing.T) {
	handler, sessions := newTestHandler(t, fakeClaims{}, fakeBridge{})

	record := baseRecord()
	record.TenantID = tenantA
	record.SubscriptionPlan = "professional"

	req := httptest.NewRequest(http.MethodGet, "/api/session/sync", nil)
	addSessionCookie(t, req, sessions, record)
	resp := httptest.NewRecorder()

	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	var out syncView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Synced || out.TenantID != tenantA || out.SubscriptionPlan != "professional" {
		t.Fatalf("unexpected view: %+v", out)
	}
}

func TestTenantStatusMismatchReturnsConflict(t *testing.T) {
	claims := fakeClaims{
		getFn: func(ctx context.Context, subject string) (string, error) {
			return tenantA, nil
		},
	}
	handler, sessions := newTestHandler(t, claims, fakeBridge{})

	body, _ := json.Marshal(statusRequest{TenantID: tenantB})
	req := httptest.NewRequest(http.MethodPost, "/api/tenant/status", bytes.NewReader(body))
	addSessionCookie(t, req, sessions, baseRecord())
	resp := httptest.NewRecorder()

	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.Code)
	}
	var out mismatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Mismatch || out.CorrectTenantID != tenantA {
		t.Fatalf("unexpected mismatch payload: %+v", out)
	}
}

func TestTenantStatusCheckOnlyIsIdempotent(t *testing.T) {
	handler, sessions := newTestHandler(t, fakeClaims{}, fakeBridge{
		checkFn: func(ctx context.Context, tenantID, accessToken, requestID string) (bool, error) {
			return true, nil
		},
	})

	var results []bool
	for i := 0; i < 2; i++ {
		body, _ := json.Marshal(statusRequest{TenantID: tenantA, CheckOnly: true})
		req := httptest.NewRequest(http.MethodPost, "/api/tenant/status", bytes.NewReader(body))
		addSessionCookie(t, req, sessions, baseRecord())
		resp := httptest.NewRecorder()

		handler.Routes().ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("status = %d", resp.Code)
		}
		var out statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.SchemaCreated != nil {
			t.Fatal("checkOnly must not provision")
		}
		results = append(results, out.SchemaExists)
	}
	if results[0] != results[1] {
		t.Fatalf("checkOnly not idempotent: %v", results)
	}
}

func TestTenantStatusProvisionsSchema(t *testing.T) {
	handler, sessions := newTestHandler(t, fakeClaims{}, fakeBridge{
		ensureFn: func(ctx context.Context, tenantID, accessToken, requestID string) (bool, error) {
			return true, nil
		},
	})

	body, _ := json.Marshal(statusRequest{TenantID: tenantA, ForceSync: true})
	req := httptest.NewRequest(http.MethodPost, "/api/tenant/status", bytes.NewReader(body))
	addSessionCookie(t, req, sessions, baseRecord())
	resp := httptest.NewRecorder()

	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.Code, resp.Body.String())
	}
	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.SchemaExists || out.SchemaCreated == nil || !*out.SchemaCreated {
		t.Fatalf("unexpected status response: %+v", out)
	}
}

func TestTenantStatusRequiresAccessToken(t *testing.T) {
	handler, sessions := newTestHandler(t, fakeClaims{}, fakeBridge{})

	record := baseRecord()
	record.AccessToken = ""
	body, _ := json.Marshal(statusRequest{TenantID: tenantA})
	req := httptest.NewRequest(http.MethodPost, "/api/tenant/status", bytes.NewReader(body))
	addSessionCookie(t, req, sessions, record)
	resp := httptest.NewRecorder()

	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Code)
	}
}

func TestTenantVerifyRejectsMalformedID(t *testing.T) {
	handler, _ := newTestHandler(t, fakeClaims{}, fakeBridge{})

	req := httptest.NewRequest(http.MethodGet, "/api/tenant/verify?tenantId=not-a-uuid", nil)
	resp := httptest.NewRecorder()
	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
	var out errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error.Message != "Invalid tenant ID format" {
		t.Fatalf("message = %q", out.Error.Message)
	}
}

func TestTenantVerifyReportsMismatch(t *testing.T) {
	claims := fakeClaims{
		getFn: func(ctx context.Context, subject string) (string, error) {
			return tenantA, nil
		},
	}
	handler, sessions := newTestHandler(t, claims, fakeBridge{})

	req := httptest.NewRequest(http.MethodGet, "/api/tenant/verify?tenantId="+tenantB, nil)
	addSessionCookie(t, req, sessions, baseRecord())
	resp := httptest.NewRecorder()

	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Verified || !out.Mismatch || out.CorrectTenantID != tenantA {
		t.Fatalf("unexpected verify response: %+v", out)
	}
}

func TestTenantVerifyConfirmsMatchingID(t *testing.T) {
	claims := fakeClaims{
		getFn: func(ctx context.Context, subject string) (string, error) {
			return tenantA, nil
		},
	}
	handler, sessions := newTestHandler(t, claims, fakeBridge{})

	req := httptest.NewRequest(http.MethodPost, "/api/tenant/verify", strings.NewReader(`{"tenantId":"`+tenantA+`"}`))
	addSessionCookie(t, req, sessions, baseRecord())
	resp := httptest.NewRecorder()

	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Verified || !out.IsValid || out.TenantID != tenantA {
		t.Fatalf("unexpected verify response: %+v", out)
	}
}

func TestHealthz(t *testing.T) {
	handler, _ := newTestHandler(t, fakeClaims{}, fakeBridge{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	handler.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
}
