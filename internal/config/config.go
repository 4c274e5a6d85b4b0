package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"subsync/client/internal/auth"
)

type Config struct {
	Addr         string
	DatabasePath string
	LogLevel     string

	RemoteBaseURL   string
	RemoteUserAgent string
	RequestTimeout  time.Duration

	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	Accounts          []auth.Account

	SyncInterval     time.Duration
	SyncWorkers      int
	CommentRateLimit time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	SessionMaxAge    time.Duration
	SessionSweep     time.Duration

	// RedisURL enables cross-process account locks; empty keeps them in memory.
	RedisURL string

	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
	SessionKey       string
	CookieSecure     bool
	DevAccount       string
}

func Load() (Config, error) {
	addr := getenv("ADDR", ":8080")
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	accounts, err := parseAccounts(os.Getenv("SYNC_ACCOUNTS"))
	if err != nil {
		return Config{}, err
	}
	return Config{
		Addr:         addr,
		DatabasePath: getenv("DATABASE_PATH", "subsync.db"),
		LogLevel:     getenv("LOG_LEVEL", "info"),

		RemoteBaseURL:   getenv("REMOTE_BASE_URL", "https://oauth.reddit.com"),
		RemoteUserAgent: getenv("REMOTE_USER_AGENT", "subsync/1.0"),
		RequestTimeout:  getenvSeconds("REQUEST_TIMEOUT_SECONDS", 30),

		OAuthClientID:     getenv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getenv("OAUTH_CLIENT_SECRET", ""),
		OAuthTokenURL:     getenv("OAUTH_TOKEN_URL", "https://www.reddit.com/api/v1/access_token"),
		Accounts:          accounts,

		SyncInterval:     getenvSeconds("SYNC_INTERVAL_SECONDS", 300),
		SyncWorkers:      getenvInt("SYNC_WORKERS", 2),
		CommentRateLimit: getenvSeconds("COMMENT_RATE_LIMIT_SECONDS", 60),
		BackoffBase:      getenvSeconds("BACKOFF_BASE_SECONDS", 5),
		BackoffMax:       getenvSeconds("BACKOFF_MAX_SECONDS", 3600),
		SessionMaxAge:    getenvSeconds("SESSION_MAX_AGE_SECONDS", 86400),
		SessionSweep:     getenvSeconds("SESSION_SWEEP_SECONDS", 3600),

		RedisURL: getenv("REDIS_URL", ""),

		OIDCIssuerURL:    getenv("OIDC_ISSUER_URL", ""),
		OIDCClientID:     getenv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getenv("OIDC_CLIENT_SECRET", ""),
		OIDCRedirectURL:  getenv("OIDC_REDIRECT_URL", ""),
		SessionKey:       getenv("SESSION_KEY", ""),
		CookieSecure:     getenvBool("COOKIE_SECURE", false),
		DevAccount:       getenv("DEV_ACCOUNT", "dev"),
	}, nil
}

// parseAccounts reads SYNC_ACCOUNTS, a JSON object mapping account names to
// refresh tokens.
func parseAccounts(raw string) ([]auth.Account, error) {
	if raw == "" {
		return nil, nil
	}
	var tokens map[string]string
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil, fmt.Errorf("parse SYNC_ACCOUNTS: %w", err)
	}
	accounts := make([]auth.Account, 0, len(tokens))
	for name, token := range tokens {
		if name == "" || token == "" {
			return nil, fmt.Errorf("parse SYNC_ACCOUNTS: account %q needs a refresh token", name)
		}
		accounts = append(accounts, auth.Account{Name: name, RefreshToken: token})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	return accounts, nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getenvInt(key, fallback)) * time.Second
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
