// Package credentials resolves the short-lived bearer token presented on
// every connection attempt.
package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

var ErrNoToken = errors.New("no token available")

// Provider is asked for a token once per connection attempt.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed credential.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// Func adapts an ordinary function to a Provider.
type Func func(ctx context.Context) (string, error)

func (f Func) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Resolve returns the token or "" when p is nil or fails. Failures are
// logged; the caller reports the missing token.
func Resolve(ctx context.Context, p Provider) string {
	if p == nil {
		return ""
	}
	token, err := p.Token(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Credential provider failed")
		return ""
	}
	return token
}

const defaultRefreshSkew = 30 * time.Second

// Refreshing caches a JWT from source until it is within skew of its exp
// claim. Tokens without a readable exp are never cached.
type Refreshing struct {
	mu      sync.Mutex
	source  Provider
	skew    time.Duration
	now     func() time.Time
	token   string
	expires time.Time
}

func NewRefreshing(source Provider, skew time.Duration) *Refreshing {
	if skew <= 0 {
		skew = defaultRefreshSkew
	}
	return &Refreshing{source: source, skew: skew, now: time.Now}
}

func (r *Refreshing) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && r.now().Add(r.skew).Before(r.expires) {
		return r.token, nil
	}

	token, err := r.source.Token(ctx)
	if err != nil {
		return "", err
	}

	r.token = ""
	if exp, ok := expiry(token); ok {
		r.token = token
		r.expires = exp
	}
	return token, nil
}

// Invalidate drops the cached token, e.g. after the server rejected it.
func (r *Refreshing) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = ""
}

// expiry reads exp without verifying the signature; the server does that.
func expiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
