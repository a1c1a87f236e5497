// Package credential holds the bearer credential sent to the backend and the
// push channel.
package credential

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coachpo/ordersync/internal/infra/observability"
)

// Source yields the current bearer token. Tokens that parse as JWTs are
// withheld once their exp claim has passed, so callers fall back to guest
// requests instead of sending a credential the backend will reject.
type Source struct {
	mu     sync.RWMutex
	raw    string
	expiry time.Time
	warned bool
	now    func() time.Time
}

// NewSource constructs a source holding raw. A blank raw means anonymous.
func NewSource(raw string) *Source {
	s := &Source{now: time.Now}
	s.Set(raw)
	return s
}

// Set replaces the held credential.
func (s *Source) Set(raw string) {
	raw = strings.TrimSpace(raw)
	expiry := parseExpiry(raw)
	s.mu.Lock()
	s.raw = raw
	s.expiry = expiry
	s.warned = false
	s.mu.Unlock()
}

// Token returns the credential, or "" when none is held or it has expired.
func (s *Source) Token() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	raw, expiry, warned := s.raw, s.expiry, s.warned
	s.mu.RUnlock()
	if raw == "" {
		return ""
	}
	if !expiry.IsZero() && !s.now().Before(expiry) {
		if !warned {
			s.mu.Lock()
			s.warned = true
			s.mu.Unlock()
			observability.Log().Info("bearer credential expired; continuing as guest",
				observability.Field{Key: "expired_at", Value: expiry.UTC().Format(time.RFC3339)})
		}
		return ""
	}
	return raw
}

// Authenticated reports whether a usable credential is held.
func (s *Source) Authenticated() bool {
	return s.Token() != ""
}

// Expiry returns the exp claim of a JWT credential, or the zero time.
func (s *Source) Expiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry
}

// parseExpiry reads exp without verifying the signature; verification is the
// backend's job. Opaque tokens have no expiry.
func parseExpiry(raw string) time.Time {
	if raw == "" || strings.Count(raw, ".") != 2 {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
