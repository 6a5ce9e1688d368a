package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"dott/session-service/internal/models"
)

const (
	// PrimaryCookie is the current session cookie name. LegacyCookie is
	// dual-written for clients that still read the old name.
	PrimaryCookie = "dott_auth_session"
	LegacyCookie  = "appSession"

	justCompletedCookie = "onboarding_just_completed"
	statusCookie        = "onboarding_status"

	sessionMaxAge       = 7 * 24 * time.Hour
	justCompletedMaxAge = 5 * time.Minute
	statusMaxAge        = time.Hour
)

var (
	ErrNoSession      = errors.New("no session cookie")
	ErrInvalidSession = errors.New("invalid session format")
)

// Manager reads and writes the encrypted session cookie plus the short-lived
// plain status cookies.
type Manager struct {
	codec  *Codec
	domain string
	secure bool
}

func NewManager(codec *Codec, domain string, secure bool) *Manager {
	return &Manager{codec: codec, domain: domain, secure: secure}
}

// Load locates the session cookie under the primary name with a legacy
// fallback, decrypts it, and falls back to the legacy plain-base64 format
// before giving up. A cookie that is present but undecodable in both formats
// is reported as ErrInvalidSession so the caller can force re-authentication.
func (m *Manager) Load(r *http.Request) (models.SessionRecord, error) {
	found := false
	for _, name := range []string{PrimaryCookie, LegacyCookie} {
		cookie, err := r.Cookie(name)
		if err != nil || cookie.Value == "" {
			continue
		}
		found = true
		if record, err := m.codec.Decode(cookie.Value); err == nil {
			return record, nil
		}
		if record, err := decodeLegacy(cookie.Value); err == nil {
			return record, nil
		}
	}
	if found {
		return models.SessionRecord{}, ErrInvalidSession
	}
	return models.SessionRecord{}, ErrNoSession
}

// Save encrypts the record and dual-writes it under the primary and legacy
// cookie names.
func (m *Manager) Save(w http.ResponseWriter, record models.SessionRecord) error {
	value, err := m.codec.Encode(record)
	if err != nil {
		return err
	}
	for _, name := range []string{PrimaryCookie, LegacyCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			Domain:   m.domain,
			MaxAge:   int(sessionMaxAge.Seconds()),
			HttpOnly: true,
			Secure:   m.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return nil
}

// Clear expires both session cookies.
func (m *Manager) Clear(w http.ResponseWriter) {
	for _, name := range []string{PrimaryCookie, LegacyCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   m.domain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   m.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// SetStatusCookies writes the non-authoritative, client-readable onboarding
// flags. Clients use these to skip waiting for the encrypted cookie to
// propagate; they are always re-validated against the session record.
func (m *Manager) SetStatusCookies(w http.ResponseWriter, tenantID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     justCompletedCookie,
		Value:    "true",
		Path:     "/",
		Domain:   m.domain,
		MaxAge:   int(justCompletedMaxAge.Seconds()),
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})

	payload, err := json.Marshal(models.StatusCookiePayload{
		Completed: true,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	// JSON is not cookie-safe, so the payload is URL-encoded the same way
	// browser clients encode it.
	http.SetCookie(w, &http.Cookie{
		Name:     statusCookie,
		Value:    url.QueryEscape(string(payload)),
		Path:     "/",
		Domain:   m.domain,
		MaxAge:   int(statusMaxAge.Seconds()),
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
