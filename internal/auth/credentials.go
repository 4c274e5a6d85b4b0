package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

var ErrNoCredentials = errors.New("no credentials")

// Credentials authorize remote calls for one account.
type Credentials struct {
	Account     string
	AccessToken string
	TokenType   string
	Expiry      time.Time
}

// Authorization returns the value of the Authorization header.
func (c Credentials) Authorization() string {
	tokenType := c.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "bearer"
	}
	return tokenType + " " + c.AccessToken
}

// Provider resolves credentials for an account. Implementations return an
// error wrapping ErrNoCredentials when the account cannot be authorized.
type Provider interface {
	Credentials(ctx context.Context, account string) (Credentials, error)
}

// StaticProvider serves fixed credentials.
type StaticProvider map[string]Credentials

func (p StaticProvider) Credentials(_ context.Context, account string) (Credentials, error) {
	creds, ok := p[account]
	if !ok || creds.AccessToken == "" {
		return Credentials{}, fmt.Errorf("%w: account %q", ErrNoCredentials, account)
	}
	if creds.Account == "" {
		creds.Account = account
	}
	return creds, nil
}

// Account is a configured remote account. AccessToken is used as is;
// RefreshToken is exchanged at the token endpoint when set.
type Account struct {
	Name         string `json:"account"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client
}

// OAuthProvider hands out cached tokens per account and refreshes them
// through the OAuth2 token endpoint when they expire.
type OAuthProvider struct {
	config  oauth2.Config
	base    context.Context
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func NewOAuthProvider(ctx context.Context, cfg OAuthConfig, accounts []Account) *OAuthProvider {
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	p := &OAuthProvider{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		base:    ctx,
		sources: make(map[string]oauth2.TokenSource, len(accounts)),
	}
	for _, account := range accounts {
		p.add(account)
	}
	return p
}

func (p *OAuthProvider) add(account Account) {
	var source oauth2.TokenSource
	switch {
	case account.RefreshToken != "" && p.config.Endpoint.TokenURL != "":
		source = oauth2.ReuseTokenSource(nil, p.config.TokenSource(p.base, &oauth2.Token{RefreshToken: account.RefreshToken}))
	case account.AccessToken != "":
		source = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: account.AccessToken, TokenType: "bearer"})
	default:
		return
	}
	p.mu.Lock()
	p.sources[account.Name] = source
	p.mu.Unlock()
}

// Accounts lists the configured account names.
func (p *OAuthProvider) Accounts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.sources))
	for name := range p.sources {
		names = append(names, name)
	}
	return names
}

func (p *OAuthProvider) Credentials(_ context.Context, account string) (Credentials, error) {
	p.mu.Lock()
	source, ok := p.sources[account]
	p.mu.Unlock()
	if !ok {
		return Credentials{}, fmt.Errorf("%w: account %q is not configured", ErrNoCredentials, account)
	}
	token, err := source.Token()
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: refresh token for %q: %v", ErrNoCredentials, account, err)
	}
	return Credentials{
		Account:     account,
		AccessToken: token.AccessToken,
		TokenType:   token.Type(),
		Expiry:      token.Expiry,
	}, nil
}
