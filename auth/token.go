// Package auth caches bearer tokens for tool servers. Static tokens are
// returned as-is; OAuth2 client-credentials tokens are fetched on first use,
// reused until a safety buffer before expiry and then refreshed.
package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
)

// Token is a bearer token plus its expiry. A zero Expiry never expires.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the token may still be used at now, keeping buffer
// in reserve before expiry.
func (t Token) Valid(now time.Time, buffer time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Add(buffer).Before(t.ExpiresAt)
}

// Header renders the Authorization header value.
func (t Token) Header() string {
	typ := t.TokenType
	if typ == "" || typ == "bearer" {
		typ = "Bearer"
	}
	return typ + " " + t.AccessToken
}

// Fetcher obtains a fresh token for a client-credentials grant.
type Fetcher interface {
	Fetch(ctx context.Context, cc core.ClientCredentials) (Token, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, cc core.ClientCredentials) (Token, error)

func (f FetcherFunc) Fetch(ctx context.Context, cc core.ClientCredentials) (Token, error) {
	return f(ctx, cc)
}

// OAuthFetcher performs the client-credentials exchange with golang.org/x/oauth2.
type OAuthFetcher struct {
	HTTPClient *http.Client
}

func (f OAuthFetcher) Fetch(ctx context.Context, cc core.ClientCredentials) (Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     cc.ClientID,
		ClientSecret: cc.ClientSecret,
		TokenURL:     cc.TokenURL,
		Scopes:       cc.Scopes,
	}
	if f.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.HTTPClient)
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: tok.AccessToken, TokenType: tok.TokenType, ExpiresAt: tok.Expiry}, nil
}

// Options configures a TokenCache.
type Options struct {
	// Buffer is how long before expiry a token is considered stale.
	Buffer  time.Duration
	Fetcher Fetcher
	Logger  logging.Logger
	Now     func() time.Time
}

// TokenCache hands out tokens keyed by credential endpoint. Entries are
// replaced wholesale on refresh so readers never observe a partial token.
type TokenCache struct {
	opts    Options
	mu      sync.RWMutex
	entries map[string]Token
	group   singleflight.Group
}

// NewTokenCache creates a cache with a 30s safety buffer and the OAuth2 fetcher.
func NewTokenCache(optFns ...func(o *Options)) *TokenCache {
	opts := Options{
		Buffer:  30 * time.Second,
		Fetcher: OAuthFetcher{},
		Logger:  logging.NoOpLogger{},
		Now:     time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &TokenCache{opts: opts, entries: map[string]Token{}}
}

// Token returns a usable token for the credential, refreshing if needed. A
// failed refresh is reported as a core.AuthError and is not retried here.
func (c *TokenCache) Token(ctx context.Context, cred core.Credential) (Token, error) {
	if cred.OAuth2 == nil {
		return Token{AccessToken: cred.Token}, nil
	}

	cc := *cred.OAuth2
	key := cc.Key()

	if tok, ok := c.cached(key); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if tok, ok := c.cached(key); ok {
			return tok, nil
		}
		tok, err := c.opts.Fetcher.Fetch(ctx, cc)
		if err != nil {
			c.opts.Logger.Warn("auth.token.refresh_failed", "endpoint", cc.TokenURL, "client_id", cc.ClientID, "error", err)
			return Token{}, &core.AuthError{Endpoint: cc.TokenURL, Err: err}
		}
		c.mu.Lock()
		c.entries[key] = tok
		c.mu.Unlock()
		c.opts.Logger.Debug("auth.token.refreshed", "endpoint", cc.TokenURL, "client_id", cc.ClientID, "expires_at", tok.ExpiresAt)
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Invalidate drops the cached token for a credential, e.g. after a 401.
func (c *TokenCache) Invalidate(cred core.Credential) {
	if cred.OAuth2 == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, cred.OAuth2.Key())
	c.mu.Unlock()
}

// Len returns the number of cached tokens.
func (c *TokenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *TokenCache) cached(key string) (Token, bool) {
	c.mu.RLock()
	tok, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !tok.Valid(c.opts.Now(), c.opts.Buffer) {
		return Token{}, false
	}
	return tok, true
}
