package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/gorilla/sessions"
)

func newSessionManager(t *testing.T) *Manager {
	t.Helper()
	key := []byte("0123456789abcdef0123456789abcdef")
	options := &sessions.Options{Path: "/", MaxAge: 3600, HttpOnly: true}
	store := sessions.NewCookieStore(hmacSHA256(key, []byte("cookie-hash")), hmacSHA256(key, []byte("cookie-block")))
	store.Options = options
	return &Manager{sessionStore: store, cookieOptions: options, fallbackURL: "/sync/status"}
}

func sessionCookie(t *testing.T, m *Manager, account string) *http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	session, err := m.sessionStore.Get(req, baseliboidc.STDSessionCookieName)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	session.Values[sessionAccountKey] = account
	if err := session.Save(req, rec); err != nil {
		t.Fatalf("save session: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	return cookies[0]
}

func TestWithAccountReadsSession(t *testing.T) {
	m := newSessionManager(t)
	var seen string
	handler := m.WithAccount(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = AccountFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/things", nil)
	req.AddCookie(sessionCookie(t, m, "alice"))
	if !m.IsAuthenticated(req) {
		t.Fatalf("request with a session cookie should be authenticated")
	}
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "alice" {
		t.Fatalf("expected account alice, got %q", seen)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/things", nil)
	seen = ""
	handler.ServeHTTP(httptest.NewRecorder(), anonymous)
	if seen != "" || m.IsAuthenticated(anonymous) {
		t.Fatalf("request without a cookie must stay anonymous")
	}
}

func TestLogoutExpiresCookie(t *testing.T) {
	m := newSessionManager(t)
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(sessionCookie(t, m, "alice"))
	rec := httptest.NewRecorder()
	m.LogoutHandler()(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status: got %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected an expired cookie, got %+v", cookies)
	}

	get := httptest.NewRecorder()
	m.LogoutHandler()(get, httptest.NewRequest(http.MethodGet, "/auth/logout", nil))
	if get.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET logout status: got %d", get.Code)
	}
}

func TestNewManagerRequiresIssuer(t *testing.T) {
	if _, err := NewManager(Config{ClientID: "id", RedirectURL: "http://localhost/auth/callback"}); err == nil {
		t.Fatalf("expected an error without an issuer")
	}
	if _, err := NewManager(Config{IssuerURL: "http://issuer", ClientID: "id", RedirectURL: "http://localhost/cb", SessionKey: "short"}); err == nil {
		t.Fatalf("expected an error for a short session key")
	}
}
