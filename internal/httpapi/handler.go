package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"dott/session-service/internal/backend"
	"dott/session-service/internal/models"
	"dott/session-service/internal/session"
	"dott/session-service/internal/tenant"
)

type Handler struct {
	sessions *session.Manager
	resolver *tenant.Resolver
	bridge   backend.Bridge
}

func NewHandler(sessions *session.Manager, resolver *tenant.Resolver, bridge backend.Bridge) *Handler {
	return &Handler{sessions: sessions, resolver: resolver, bridge: bridge}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/sync", h.handleSessionSync)
	mux.HandleFunc("/api/tenant/status", h.handleTenantStatus)
	mux.HandleFunc("/api/tenant/verify", h.handleTenantVerify)
	mux.HandleFunc("/healthz", handleHealthz)
	return mux
}

type syncRequest struct {
	TenantID            string `json:"tenantId"`
	NeedsOnboarding     *bool  `json:"needsOnboarding"`
	OnboardingCompleted *bool  `json:"onboardingCompleted"`
	SubscriptionPlan    string `json:"subscriptionPlan"`
	ForceBackendSync    bool   `json:"forceBackendSync"`
}

type syncResponse struct {
	Success             bool   `json:"success"`
	TenantID            string `json:"tenantId"`
	NeedsOnboarding     bool   `json:"needsOnboarding"`
	OnboardingCompleted bool   `json:"onboardingCompleted"`
}

type syncView struct {
	Synced              bool   `json:"synced"`
	TenantID            string `json:"tenantId"`
	NeedsOnboarding     bool   `json:"needsOnboarding"`
	OnboardingCompleted bool   `json:"onboardingCompleted"`
	SubscriptionPlan    string `json:"subscriptionPlan"`
}

type statusRequest struct {
	TenantID  string `json:"tenantId"`
	CheckOnly bool   `json:"checkOnly"`
	ForceSync bool   `json:"forceSync"`
}

type statusResponse struct {
	TenantID      string `json:"tenantId"`
	SchemaExists  bool   `json:"schemaExists"`
	SchemaCreated *bool  `json:"schemaCreated,omitempty"`
	Message       string `json:"message"`
}

type mismatchResponse struct {
	Mismatch        bool   `json:"mismatch"`
	CorrectTenantID string `json:"correctTenantId"`
}

type verifyResponse struct {
	Verified        bool   `json:"verified"`
	IsValid         bool   `json:"isValid"`
	TenantID        string `json:"tenantId"`
	Mismatch        bool   `json:"mismatch,omitempty"`
	CorrectTenantID string `json:"correctTenantId,omitempty"`
}

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type setupFailureResponse struct {
	RequestID                 string        `json:"request_id,omitempty"`
	Error                     responseError `json:"error"`
	ClientShouldUpdateCognito bool          `json:"clientShouldUpdateCognito"`
}

func (h *Handler) handleSessionSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.sessionSyncView(w, r)
	case http.MethodPost:
		h.sessionSync(w, r)
	case http.MethodDelete:
		h.sessionLogout(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) sessionLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) sessionSyncView(w http.ResponseWriter, r *http.Request) {
	record, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, syncView{
		Synced:              true,
		TenantID:            record.TenantID,
		NeedsOnboarding:     record.NeedsOnboarding,
		OnboardingCompleted: record.OnboardingCompleted,
		SubscriptionPlan:    record.SubscriptionPlan,
	})
}

func (h *Handler) sessionSync(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	record, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	prevCompleted := record.OnboardingCompleted

	// Client-supplied values are advisory. Onboarding completion is
	// monotonic: the request can complete it but never reopen it.
	if req.OnboardingCompleted != nil && *req.OnboardingCompleted {
		record.OnboardingCompleted = true
	}
	if req.NeedsOnboarding != nil && !record.OnboardingCompleted {
		record.NeedsOnboarding = *req.NeedsOnboarding
	}
	if req.SubscriptionPlan != "" {
		record.SubscriptionPlan = req.SubscriptionPlan
	}

	resolution := h.resolver.Resolve(r.Context(), record.User.Subject, tenant.Candidates{
		Request: req.TenantID,
		Cookie:  record.TenantID,
	}, req.ForceBackendSync)

	record, setupErr := h.bridge.Reconcile(r.Context(), record, resolution.TenantID, backend.Options{
		ForceSync:               req.ForceBackendSync,
		AccessToken:             record.AccessToken,
		RequestID:               requestID,
		PrevOnboardingCompleted: prevCompleted,
	})

	if err := h.sessions.Save(w, record); err != nil {
		log.Printf("session sync: cookie save failed request_id=%s err=%v", requestID, err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	if record.OnboardingCompleted && !prevCompleted {
		h.sessions.SetStatusCookies(w, record.TenantID)
	}

	if setupErr != nil {
		log.Printf("session sync: schema setup failed request_id=%s err=%v", requestID, setupErr)
		writeJSON(w, http.StatusInternalServerError, setupFailureResponse{
			RequestID:                 requestID,
			Error:                     responseError{Code: "schema_setup_failed", Message: "tenant schema setup failed"},
			ClientShouldUpdateCognito: true,
		})
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		Success:             true,
		TenantID:            record.TenantID,
		NeedsOnboarding:     record.NeedsOnboarding,
		OnboardingCompleted: record.OnboardingCompleted,
	})
}

func (h *Handler) handleTenantStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	requestID := requestIDFrom(r)
	record, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = record.AccessToken
	}
	if token == "" {
		writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "access token required")
		return
	}

	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	resolution := h.resolver.Resolve(r.Context(), record.User.Subject, tenant.Candidates{
		Request: req.TenantID,
		Cookie:  record.TenantID,
	}, req.ForceSync)

	if resolution.Mismatch && resolution.RejectedID == tenant.Normalize(req.TenantID) {
		writeJSON(w, http.StatusConflict, mismatchResponse{
			Mismatch:        true,
			CorrectTenantID: resolution.TenantID,
		})
		return
	}

	if req.CheckOnly {
		exists, err := h.bridge.CheckSchema(r.Context(), resolution.TenantID, token, requestID)
		if err != nil {
			log.Printf("tenant status: schema check failed tenant=%s request_id=%s err=%v", resolution.TenantID, requestID, err)
			writeError(w, requestID, http.StatusBadGateway, "backend_unavailable", "schema status could not be checked")
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{
			TenantID:     resolution.TenantID,
			SchemaExists: exists,
			Message:      "schema status checked",
		})
		return
	}

	created, err := h.bridge.EnsureSchema(r.Context(), resolution.TenantID, token, requestID)
	if err != nil {
		log.Printf("tenant status: schema setup failed tenant=%s request_id=%s err=%v", resolution.TenantID, requestID, err)
		writeJSON(w, http.StatusInternalServerError, setupFailureResponse{
			RequestID:                 requestID,
			Error:                     responseError{Code: "schema_setup_failed", Message: "tenant schema setup failed"},
			ClientShouldUpdateCognito: true,
		})
		return
	}

	message := "schema already exists"
	if created {
		message = "schema created"
	}
	writeJSON(w, http.StatusOK, statusResponse{
		TenantID:      resolution.TenantID,
		SchemaExists:  true,
		SchemaCreated: &created,
		Message:       message,
	})
}

func (h *Handler) handleTenantVerify(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)

	var candidate string
	switch r.Method {
	case http.MethodGet:
		candidate = r.URL.Query().Get("tenantId")
	case http.MethodPost:
		var req struct {
			TenantID string `json:"tenantId"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		candidate = req.TenantID
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tenantID := tenant.Normalize(candidate)
	if tenantID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_tenant_id", "Invalid tenant ID format")
		return
	}

	record, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	resolution := h.resolver.Resolve(r.Context(), record.User.Subject, tenant.Candidates{
		Request: tenantID,
	}, false)

	if resolution.Mismatch {
		writeJSON(w, http.StatusOK, verifyResponse{
			Verified:        false,
			IsValid:         false,
			TenantID:        tenantID,
			Mismatch:        true,
			CorrectTenantID: resolution.TenantID,
		})
		return
	}

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = record.AccessToken
	}

	verified := true
	if valid, err := h.bridge.VerifyTenant(r.Context(), resolution.TenantID, token, requestID); err != nil {
		// Best effort: an unreachable backend does not fail verification.
		log.Printf("tenant verify: backend check failed tenant=%s request_id=%s err=%v", resolution.TenantID, requestID, err)
	} else {
		verified = valid
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		Verified: verified,
		IsValid:  verified,
		TenantID: resolution.TenantID,
	})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadSession loads and validates the session cookie, writing the 401
// response itself when the session is absent or undecodable.
func (h *Handler) loadSession(w http.ResponseWriter, r *http.Request) (models.SessionRecord, bool) {
	requestID := requestIDFrom(r)
	record, err := h.sessions.Load(r)
	if err != nil {
		if errors.Is(err, session.ErrInvalidSession) {
			writeError(w, requestID, http.StatusUnauthorized, "invalid_session", "session cannot be decoded, re-authentication required")
		} else {
			writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "authentication required")
		}
		return models.SessionRecord{}, false
	}
	// Legacy sessions may carry the tenant or plan only under an alias
	// field; normalize before anything reads record.TenantID.
	record.NormalizeAliases()
	return record, true
}

func decodeBody(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func requestIDFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
