// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/caresphere/phiguard/internal/audit"
	"github.com/caresphere/phiguard/internal/crypto"
	"github.com/caresphere/phiguard/internal/csrf"
	"github.com/caresphere/phiguard/internal/mfa"
	"github.com/caresphere/phiguard/internal/ratelimit"
	"github.com/caresphere/phiguard/internal/session"
)

// envelope mirrors APIResponse for decoding in tests.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *APIError       `json:"error"`
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	signer, err := crypto.NewSigner("router-test-secret-with-enough-length")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	key, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}
	enc, err := crypto.NewEncryptor(&crypto.EncryptorConfig{MasterKey: key, Iterations: 1000})
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	recorder := audit.NewRecorder(audit.NewMemoryStore(), audit.DefaultConfig())
	t.Cleanup(func() { recorder.Close() })

	mfaConfig := mfa.DefaultConfig()
	mfaConfig.BackupCodeCount = 2

	h := &Handler{
		Sessions: session.NewManager(session.NewMemoryStore(), recorder, nil),
		Guard:    csrf.NewGuard(signer, &csrf.Config{TokenLifetime: time.Hour, CookieSecure: false}),
		MFA:      mfa.NewEngine(mfa.NewMemoryStore(), enc, mfa.LogNotifier{}, recorder, mfaConfig),
		Recorder: recorder,
		Limiter:  ratelimit.NewLimiter(nil, recorder),
	}
	return NewRouter(h)
}

// client drives the router the way a browser would: it carries cookies
// and the CSRF token between requests.
type client struct {
	t       *testing.T
	router  http.Handler
	cookies map[string]*http.Cookie
	token   string
}

func newClient(t *testing.T, router http.Handler) *client {
	return &client{t: t, router: router, cookies: make(map[string]*http.Cookie)}
}

func (c *client) do(method, path string, body interface{}) (*httptest.ResponseRecorder, *envelope) {
	c.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("encoding body: %v", err)
		}
	}

	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("User-Agent", "router-test")
	if c.token != "" {
		r.Header.Set(csrf.HeaderName, c.token)
	}
	for _, cookie := range c.cookies {
		r.AddCookie(cookie)
	}

	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, r)

	for _, cookie := range w.Result().Cookies() {
		if cookie.MaxAge < 0 {
			delete(c.cookies, cookie.Name)
		} else {
			c.cookies[cookie.Name] = cookie
		}
	}

	var env envelope
	if len(w.Body.Bytes()) > 0 {
		json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, &env
}

// bootstrap fetches an anonymous CSRF token.
func (c *client) bootstrap() {
	c.t.Helper()
	w, env := c.do(http.MethodGet, "/api/v1/csrf", nil)
	if w.Code != http.StatusOK {
		c.t.Fatalf("GET /csrf status = %d, want 200", w.Code)
	}
	var data struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.t.Fatalf("decoding csrf response: %v", err)
	}
	c.token = data.CSRFToken
}

// login bootstraps a token and creates a session for the given identity.
func (c *client) login(userID, role string) loginResponse {
	c.t.Helper()
	c.bootstrap()

	w, env := c.do(http.MethodPost, "/api/v1/auth/login",
		map[string]interface{}{"user_id": userID, "role": role})
	if w.Code != http.StatusCreated {
		c.t.Fatalf("login status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		c.t.Fatalf("decoding login response: %v", err)
	}
	c.token = resp.CSRFToken
	return resp
}

func TestHealth(t *testing.T) {
	c := newClient(t, newTestRouter(t))

	w, env := c.do(http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if env.Status != "ok" {
		t.Errorf("envelope status = %s, want ok", env.Status)
	}
}

func TestSecurityHeaders(t *testing.T) {
	c := newClient(t, newTestRouter(t))

	w, _ := c.do(http.MethodGet, "/healthz", nil)
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id header missing")
	}
}

func TestLoginFlow(t *testing.T) {
	c := newClient(t, newTestRouter(t))
	resp := c.login("patient-7", "patient")

	if resp.SessionID == "" || resp.CSRFToken == "" {
		t.Fatalf("login response incomplete: %+v", resp)
	}
	if resp.MFARequired {
		t.Error("MFARequired = true for unenrolled user")
	}

	sessionCookie, ok := c.cookies[SessionCookieName]
	if !ok {
		t.Fatal("session cookie not set")
	}
	if !sessionCookie.HttpOnly {
		t.Error("session cookie is not HttpOnly")
	}

	w, env := c.do(http.MethodGet, "/api/v1/auth/whoami", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("whoami status = %d, body = %s", w.Code, w.Body.String())
	}
	var who struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(env.Data, &who); err != nil {
		t.Fatalf("decoding whoami: %v", err)
	}
	if who.UserID != "patient-7" || who.Role != "patient" {
		t.Errorf("whoami = %+v, want patient-7/patient", who)
	}
}

func TestLoginRequiresCSRFToken(t *testing.T) {
	c := newClient(t, newTestRouter(t))

	w, _ := c.do(http.MethodPost, "/api/v1/auth/login",
		map[string]interface{}{"user_id": "u", "role": "patient"})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 without a CSRF token", w.Code)
	}
}

func TestLoginValidation(t *testing.T) {
	c := newClient(t, newTestRouter(t))
	c.bootstrap()

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing user_id", map[string]interface{}{"role": "patient"}},
		{"unknown role", map[string]interface{}{"user_id": "u", "role": "superuser"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := c.do(http.MethodPost, "/api/v1/auth/login", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if env.Error == nil || env.Error.Code != "VALIDATION_ERROR" {
				t.Errorf("error = %+v, want VALIDATION_ERROR", env.Error)
			}
		})
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	c := newClient(t, newTestRouter(t))
	c.bootstrap()

	w, env := c.do(http.MethodGet, "/api/v1/auth/whoami", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if env.Error == nil || env.Error.Code != "UNAUTHENTICATED" {
		t.Errorf("error = %+v, want UNAUTHENTICATED", env.Error)
	}
}

func TestLogout(t *testing.T) {
	c := newClient(t, newTestRouter(t))
	c.login("patient-7", "patient")

	w, _ := c.do(http.MethodPost, "/api/v1/auth/logout", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d, body = %s", w.Code, w.Body.String())
	}
	if _, ok := c.cookies[SessionCookieName]; ok {
		t.Error("session cookie survived logout")
	}

	if w, _ := c.do(http.MethodGet, "/api/v1/auth/whoami", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("whoami after logout status = %d, want 401", w.Code)
	}
}

func TestRenewRotatesSession(t *testing.T) {
	c := newClient(t, newTestRouter(t))
	resp := c.login("patient-7", "patient")

	w, env := c.do(http.MethodPost, "/api/v1/auth/renew", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("renew status = %d, body = %s", w.Code, w.Body.String())
	}
	var renewed loginResponse
	if err := json.Unmarshal(env.Data, &renewed); err != nil {
		t.Fatalf("decoding renew response: %v", err)
	}
	if renewed.SessionID == resp.SessionID {
		t.Error("renew did not rotate the session ID")
	}
	c.token = renewed.CSRFToken

	if w, _ := c.do(http.MethodGet, "/api/v1/auth/whoami", nil); w.Code != http.StatusOK {
		t.Errorf("whoami after renew status = %d, want 200", w.Code)
	}
}

func TestMFAEnrollmentAndVerify(t *testing.T) {
	router := newTestRouter(t)
	c := newClient(t, router)
	first := c.login("clinician-1", "clinician")

	// Setup returns the provisioning secret.
	w, env := c.do(http.MethodPost, "/api/v1/mfa/totp/setup",
		map[string]interface{}{"account_name": "clinician-1@example.org"})
	if w.Code != http.StatusOK {
		t.Fatalf("setup status = %d, body = %s", w.Code, w.Body.String())
	}
	var setup mfa.SetupResult
	if err := json.Unmarshal(env.Data, &setup); err != nil {
		t.Fatalf("decoding setup response: %v", err)
	}
	if setup.Secret == "" || setup.ProvisioningURI == "" {
		t.Fatalf("setup response incomplete: %+v", setup)
	}

	// Enable with a live code returns the backup codes once.
	code, err := mfa.CurrentTOTP(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("CurrentTOTP() error = %v", err)
	}
	w, env = c.do(http.MethodPost, "/api/v1/mfa/totp/enable",
		map[string]interface{}{"code": code})
	if w.Code != http.StatusOK {
		t.Fatalf("enable status = %d, body = %s", w.Code, w.Body.String())
	}
	var enabled struct {
		BackupCodes []string `json:"backup_codes"`
	}
	if err := json.Unmarshal(env.Data, &enabled); err != nil {
		t.Fatalf("decoding enable response: %v", err)
	}
	if len(enabled.BackupCodes) != 2 {
		t.Fatalf("got %d backup codes, want 2", len(enabled.BackupCodes))
	}

	// A wrong code is a 401 carrying the remaining attempt budget.
	w, env = c.do(http.MethodPost, "/api/v1/mfa/verify",
		map[string]interface{}{"method": "totp", "code": "000000"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad verify status = %d, want 401", w.Code)
	}
	if env.Error == nil || env.Error.Code != "MFA_INVALID_CODE" {
		t.Fatalf("error = %+v, want MFA_INVALID_CODE", env.Error)
	}
	details, ok := env.Error.Details.(map[string]interface{})
	if !ok {
		t.Fatalf("error details = %#v, want an object", env.Error.Details)
	}
	if got := details["remaining_attempts"]; got != float64(4) {
		t.Errorf("remaining_attempts = %v, want 4", got)
	}

	// A good code verifies and rotates the session.
	code, err = mfa.CurrentTOTP(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("CurrentTOTP() error = %v", err)
	}
	w, env = c.do(http.MethodPost, "/api/v1/mfa/verify",
		map[string]interface{}{"method": "totp", "code": code})
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body = %s", w.Code, w.Body.String())
	}
	var verified loginResponse
	if err := json.Unmarshal(env.Data, &verified); err != nil {
		t.Fatalf("decoding verify response: %v", err)
	}
	if verified.SessionID == first.SessionID {
		t.Error("verify did not rotate the session ID")
	}
	c.token = verified.CSRFToken

	// Re-login reports the enrollment.
	c2 := newClient(t, router)
	if resp := c2.login("clinician-1", "clinician"); !resp.MFARequired {
		t.Error("MFARequired = false after enrollment")
	}
}

func TestMFAVerifyLockoutResponse(t *testing.T) {
	router := newTestRouter(t)
	c := newClient(t, router)
	c.login("clinician-2", "clinician")

	w, env := c.do(http.MethodPost, "/api/v1/mfa/totp/setup",
		map[string]interface{}{"account_name": "clinician-2@example.org"})
	if w.Code != http.StatusOK {
		t.Fatalf("setup status = %d, body = %s", w.Code, w.Body.String())
	}
	var setup mfa.SetupResult
	if err := json.Unmarshal(env.Data, &setup); err != nil {
		t.Fatalf("decoding setup response: %v", err)
	}
	code, err := mfa.CurrentTOTP(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("CurrentTOTP() error = %v", err)
	}
	if w, _ = c.do(http.MethodPost, "/api/v1/mfa/totp/enable",
		map[string]interface{}{"code": code}); w.Code != http.StatusOK {
		t.Fatalf("enable status = %d, body = %s", w.Code, w.Body.String())
	}

	// Burn through the attempt budget; the final failure reports zero
	// remaining.
	for i := 0; i < 5; i++ {
		w, env = c.do(http.MethodPost, "/api/v1/mfa/verify",
			map[string]interface{}{"method": "totp", "code": "000000"})
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i, w.Code)
		}
	}
	details, ok := env.Error.Details.(map[string]interface{})
	if !ok {
		t.Fatalf("error details = %#v, want an object", env.Error.Details)
	}
	if got := details["remaining_attempts"]; got != float64(0) {
		t.Errorf("remaining_attempts = %v, want 0", got)
	}
	if details["locked_until"] == nil {
		t.Error("locked_until missing from the final failure")
	}

	// The next attempt is refused outright with retry guidance.
	w, env = c.do(http.MethodPost, "/api/v1/mfa/verify",
		map[string]interface{}{"method": "totp", "code": "000000"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("locked verify status = %d, want 429", w.Code)
	}
	if env.Error == nil || env.Error.Code != "MFA_LOCKED_OUT" {
		t.Fatalf("error = %+v, want MFA_LOCKED_OUT", env.Error)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing on lockout response")
	}
	details, ok = env.Error.Details.(map[string]interface{})
	if !ok {
		t.Fatalf("error details = %#v, want an object", env.Error.Details)
	}
	if details["locked_until"] == nil || details["retry_after_seconds"] == nil {
		t.Errorf("lockout details = %#v, want locked_until and retry_after_seconds", details)
	}
}

func TestMFASetupConflict(t *testing.T) {
	c := newClient(t, newTestRouter(t))
	c.login("clinician-1", "clinician")

	w, env := c.do(http.MethodPost, "/api/v1/mfa/totp/enable",
		map[string]interface{}{"code": "123456"})
	if w.Code != http.StatusConflict {
		t.Fatalf("enable without setup status = %d, want 409", w.Code)
	}
	if env.Error == nil || env.Error.Code != "MFA_NO_SETUP" {
		t.Errorf("error = %+v, want MFA_NO_SETUP", env.Error)
	}
}

func TestAuditQueryAuthorization(t *testing.T) {
	router := newTestRouter(t)

	patient := newClient(t, router)
	patient.login("patient-7", "patient")
	if w, _ := patient.do(http.MethodGet, "/api/v1/audit/events", nil); w.Code != http.StatusForbidden {
		t.Errorf("patient audit query status = %d, want 403", w.Code)
	}

	auditor := newClient(t, router)
	auditor.login("auditor-1", "auditor")
	w, env := auditor.do(http.MethodGet, "/api/v1/audit/events?action=session.create", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("auditor query status = %d, body = %s", w.Code, w.Body.String())
	}
	var page struct {
		Events []audit.Event `json:"events"`
		Total  int64         `json:"total"`
	}
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatalf("decoding audit page: %v", err)
	}
}

func TestAuditQueryBadParams(t *testing.T) {
	c := newClient(t, newTestRouter(t))
	c.login("auditor-1", "auditor")

	for _, path := range []string{
		"/api/v1/audit/events?start=yesterday",
		"/api/v1/audit/events?limit=5000",
		"/api/v1/audit/events?offset=-1",
	} {
		if w, _ := c.do(http.MethodGet, path, nil); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", path, w.Code)
		}
	}
}

func TestHijackedSessionRejected(t *testing.T) {
	c := newClient(t, newTestRouter(t))
	c.login("patient-7", "patient")
	sessionCookie := c.cookies[SessionCookieName]

	// Same session ID from a different device profile.
	r := httptest.NewRequest(http.MethodGet, "/api/v1/auth/whoami", nil)
	r.Header.Set("User-Agent", "different-device")
	r.AddCookie(sessionCookie)
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("hijacked request status = %d, want 401", w.Code)
	}

	// The mismatch destroyed the session for the real device too.
	if w, _ := c.do(http.MethodGet, "/api/v1/auth/whoami", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("original device status = %d, want 401 after hijack", w.Code)
	}
}

func TestLogoutAll(t *testing.T) {
	router := newTestRouter(t)

	a := newClient(t, router)
	a.login("patient-7", "patient")
	b := newClient(t, router)
	b.login("patient-7", "patient")

	w, env := a.do(http.MethodPost, "/api/v1/auth/logout-all", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("logout-all status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Destroyed int `json:"destroyed"`
	}
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("decoding logout-all response: %v", err)
	}
	if resp.Destroyed != 2 {
		t.Errorf("destroyed = %d, want 2", resp.Destroyed)
	}

	if w, _ := b.do(http.MethodGet, "/api/v1/auth/whoami", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("second device status = %d, want 401 after logout-all", w.Code)
	}
}
