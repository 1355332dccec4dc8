// Package auth mints and caches the OAuth2 bearer tokens presented to the gateway.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tinywideclouds/go-push-delivery/internal/credential"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// MessagingScope is the OAuth2 scope required by the messaging send endpoint.
	MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"

	// DefaultSafetyMargin is how long before expiry a cached token stops being used.
	DefaultSafetyMargin = 60 * time.Second

	jwtBearerGrant    = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionLifetime = time.Hour
	flightKey         = "access-token"
)

// TokenProvider hands out one shared access token per credential.
// Reads of a valid cached token are lock-free; refreshes are collapsed into a
// single in-flight exchange that every concurrent caller waits on.
type TokenProvider struct {
	cred            *credential.ServiceAccount
	httpClient      *http.Client
	now             func() time.Time
	margin          time.Duration
	exchangeTimeout time.Duration
	scope           string
	logger          *slog.Logger

	current atomic.Pointer[oauth2.Token]
	flight  singleflight.Group
}

// Option configures a TokenProvider.
type Option func(*TokenProvider)

func WithHTTPClient(c *http.Client) Option { return func(p *TokenProvider) { p.httpClient = c } }

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(p *TokenProvider) { p.now = now } }

func WithSafetyMargin(d time.Duration) Option {
	return func(p *TokenProvider) {
		if d >= 0 {
			p.margin = d
		}
	}
}

func WithExchangeTimeout(d time.Duration) Option {
	return func(p *TokenProvider) {
		if d > 0 {
			p.exchangeTimeout = d
		}
	}
}

// NewTokenProvider creates a provider for the given credential.
func NewTokenProvider(cred *credential.ServiceAccount, logger *slog.Logger, opts ...Option) *TokenProvider {
	p := &TokenProvider{
		cred:            cred,
		httpClient:      http.DefaultClient,
		now:             time.Now,
		margin:          DefaultSafetyMargin,
		exchangeTimeout: 15 * time.Second,
		scope:           MessagingScope,
		logger:          logger.With("component", "TokenProvider"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Token returns the cached token while it is outside the safety margin,
// otherwise it mints a new one.
func (p *TokenProvider) Token(ctx context.Context) (*oauth2.Token, error) {
	if tok := p.current.Load(); p.fresh(tok) {
		return tok, nil
	}
	return p.refresh(ctx, nil)
}

// Refresh discards stale (a token the gateway rejected) and returns a newly
// minted one. If another caller already replaced stale, that token is reused.
func (p *TokenProvider) Refresh(ctx context.Context, stale *oauth2.Token) (*oauth2.Token, error) {
	if stale == nil {
		return p.Token(ctx)
	}
	// A flight that started before stale was rejected may hand it back; one
	// more round then mints unconditionally.
	for i := 0; i < 2; i++ {
		tok, err := p.refresh(ctx, stale)
		if err != nil {
			return nil, err
		}
		if tok.AccessToken != stale.AccessToken {
			return tok, nil
		}
	}
	return nil, fmt.Errorf("%w: token endpoint reissued a rejected token", dispatch.ErrAuth)
}

func (p *TokenProvider) refresh(ctx context.Context, stale *oauth2.Token) (*oauth2.Token, error) {
	ch := p.flight.DoChan(flightKey, func() (interface{}, error) {
		// Re-check under the flight: a previous flight may have just finished.
		if tok := p.current.Load(); p.fresh(tok) && (stale == nil || tok.AccessToken != stale.AccessToken) {
			return tok, nil
		}
		// The exchange outlives a cancelled leader so that waiters still get a result.
		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.exchangeTimeout)
		defer cancel()
		tok, err := p.mint(exCtx)
		if err != nil {
			return nil, err
		}
		p.current.Store(tok)
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for token refresh: %w", dispatch.ErrAuth, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

func (p *TokenProvider) fresh(tok *oauth2.Token) bool {
	return tok != nil && p.now().Before(tok.Expiry.Add(-p.margin))
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (p *TokenProvider) mint(ctx context.Context) (*oauth2.Token, error) {
	now := p.now()
	assertion, err := p.signAssertion(now)
	if err != nil {
		return nil, fmt.Errorf("%w: signing assertion: %w", dispatch.ErrAuth, err)
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cred.TokenURI(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: building token request: %w", dispatch.ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn("Token exchange transport failed", "err", err)
		return nil, fmt.Errorf("%w: token exchange: %w", dispatch.ErrAuth, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading token response: %w", dispatch.ErrAuth, err)
	}
	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("Token endpoint rejected assertion", "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: token endpoint returned %d: %s", dispatch.ErrAuth, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: malformed token response: %w", dispatch.ErrAuth, err)
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: token response missing access_token or expires_in", dispatch.ErrAuth)
	}
	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}

	tok := &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		Expiry:      now.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	p.logger.Debug("Minted access token", "expiry", tok.Expiry)
	return tok, nil
}

func (p *TokenProvider) signAssertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   p.cred.ClientEmail(),
		"scope": p.scope,
		"aud":   p.cred.TokenURI(),
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid := p.cred.PrivateKeyID(); kid != "" {
		token.Header["kid"] = kid
	}
	return token.SignedString(p.cred.PrivateKey())
}
