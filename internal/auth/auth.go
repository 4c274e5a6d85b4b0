// Package auth covers both sides of identity: OIDC login for callers of the
// local HTTP API, and remote server credentials for the sync workers.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/sessions"
)

type contextKey string

const (
	accountContextKey contextKey = "auth.account"
	sessionAccountKey            = "account"
)

type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	SessionKey   string
	SessionTTL   time.Duration
	CookieSecure bool
	FallbackURL  string
}

// Manager logs API callers in through an OIDC provider and keeps the
// resulting account name in an encrypted cookie session.
type Manager struct {
	oidcConfig    *baseliboidc.OidcConfiguration
	sessionStore  *sessions.CookieStore
	cookieOptions *sessions.Options
	fallbackURL   string
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, errors.New("oidc issuer, client id, and redirect url are required")
	}
	masterKey, err := parseSessionKey(cfg.SessionKey)
	if err != nil {
		return nil, err
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.FallbackURL == "" {
		cfg.FallbackURL = "/sync/status"
	}
	options := &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	store := sessions.NewCookieStore(hmacSHA256(masterKey, []byte("cookie-hash")), hmacSHA256(masterKey, []byte("cookie-block")))
	store.Options = options
	store.MaxAge(options.MaxAge)

	return &Manager{
		oidcConfig:    baseliboidc.CreateOidcConfiguration(cfg.IssuerURL, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL),
		sessionStore:  store,
		cookieOptions: options,
		fallbackURL:   cfg.FallbackURL,
	}, nil
}

// Middleware redirects unauthenticated requests into the OIDC flow unless
// skipper lets them through.
func (m *Manager) Middleware(skipper func(r *http.Request) bool) func(http.Handler) http.Handler {
	return m.oidcConfig.CreateOidcAuthenticationMiddleware(m.IsAuthenticated, skipper)
}

func (m *Manager) CallbackHandler() http.Handler {
	delegate := baseliboidc.CreateSTDSessionBasedOidcDelegate(m.storeAccount, m.fallbackURL)
	return m.oidcConfig.CreateOidcCallbackHandler(delegate)
}

func (m *Manager) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName); err == nil {
			opts := *m.cookieOptions
			opts.MaxAge = -1
			session.Options = &opts
			_ = session.Save(r, w)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// WithAccount copies the session's account into the request context.
func (m *Manager) WithAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if account, ok := m.accountFromSession(r); ok {
			r = r.WithContext(ContextWithAccount(r.Context(), account))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) IsAuthenticated(r *http.Request) bool {
	_, ok := m.accountFromSession(r)
	return ok
}

func AccountFromContext(ctx context.Context) (string, bool) {
	account, ok := ctx.Value(accountContextKey).(string)
	if !ok || account == "" {
		return "", false
	}
	return account, true
}

func ContextWithAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountContextKey, account)
}

// DevAccountMiddleware acts as account for every request. Local use only.
func DevAccountMiddleware(account string) func(http.Handler) http.Handler {
	if account == "" {
		account = "dev"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(ContextWithAccount(r.Context(), account)))
		})
	}
}

// storeAccount names the session after the remote account the user chose at
// the identity provider, falling back to the subject.
func (m *Manager) storeAccount(w http.ResponseWriter, r *http.Request, idToken *oidc.IDToken) error {
	var claims struct {
		Subject           string `json:"sub"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return err
	}
	account := strings.TrimSpace(claims.PreferredUsername)
	if account == "" {
		account = claims.Subject
	}
	if account == "" {
		return errors.New("id token carries neither preferred_username nor sub")
	}
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return err
	}
	opts := *m.cookieOptions
	session.Options = &opts
	session.Values[sessionAccountKey] = account
	return session.Save(r, w)
}

func (m *Manager) accountFromSession(r *http.Request) (string, bool) {
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return "", false
	}
	account, ok := session.Values[sessionAccountKey].(string)
	if !ok || account == "" {
		return "", false
	}
	return account, true
}

func parseSessionKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) >= 32 {
		return decoded, nil
	}
	if len(trimmed) < 32 {
		return nil, errors.New("session key must be at least 32 characters or 32 base64 bytes")
	}
	return []byte(trimmed), nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
