// Package auth supplies bearer tokens for Microsoft Graph.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Provider returns a bearer token for the given space-separated scopes. It
// never errors: any failure yields ("", false) and the caller defers the
// operation.
type Provider interface {
	Token(ctx context.Context, scopes string) (string, bool)
}

// ClientCredentials acquires application tokens from Entra ID with the
// OAuth2 client credentials grant. Tokens are cached per scope set and
// refreshed shortly before expiry.
type ClientCredentials struct {
	tenantID     string
	clientID     string
	clientSecret string
	tokenURL     string
	log          *slog.Logger

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// ClientCredentialsConfig holds the app registration.
type ClientCredentialsConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Entra ID endpoint (tests).
	TokenURL string
}

// NewClientCredentials validates cfg and returns a provider.
func NewClientCredentials(cfg ClientCredentialsConfig, log *slog.Logger) (*ClientCredentials, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("graph client id and secret are required")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		if cfg.TenantID == "" {
			return nil, fmt.Errorf("graph tenant id is required")
		}
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &ClientCredentials{
		tenantID:     cfg.TenantID,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     tokenURL,
		log:          log,
		sources:      make(map[string]oauth2.TokenSource),
	}, nil
}

// Token implements Provider.
func (c *ClientCredentials) Token(ctx context.Context, scopes string) (string, bool) {
	tok, err := c.source(scopes).Token()
	if err != nil {
		c.log.Warn("token acquisition failed", "scopes", scopes, "error", err)
		return "", false
	}
	if !tok.Valid() {
		c.log.Warn("token acquisition returned an invalid token", "scopes", scopes)
		return "", false
	}
	return tok.AccessToken, true
}

func (c *ClientCredentials) source(scopes string) oauth2.TokenSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.sources[scopes]; ok {
		return ts
	}
	cfg := &clientcredentials.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		TokenURL:     c.tokenURL,
		Scopes:       strings.Fields(scopes),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	// The source outlives any single request, so it gets a background context.
	ts := cfg.TokenSource(context.Background())
	c.sources[scopes] = ts
	return ts
}

// Static hands out a fixed token. An empty token behaves like an
// unavailable provider.
type Static string

// Token implements Provider.
func (s Static) Token(context.Context, string) (string, bool) {
	if s == "" {
		return "", false
	}
	return string(s), true
}
