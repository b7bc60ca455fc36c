// Package auth checks bearer tokens and their scopes for the relay listener.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// Scopes understood by the listener.
const (
	ScopeAct   = "act"   // POST /act
	ScopeReply = "reply" // POST /reply
	ScopeRead  = "read"  // GET /stats, /metrics, /events
	ScopeAll   = "*"
)

// Token is a bearer token with a set of scopes.
type Token struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Bearer extracts the token from an "Authorization: Bearer <token>" header.
func Bearer(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid Authorization header format")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", errors.New("missing token")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented token. admin, when it matches, grants
// every scope.
func Authenticate(presented, admin string, tokens []Token) (Principal, bool) {
	if constantTimeEqual(presented, admin) {
		return Principal{Token: presented, Scopes: map[string]struct{}{ScopeAll: {}}}, true
	}
	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{Token: presented, Scopes: normalizeScopes(t.Scopes)}, true
		}
	}
	return Principal{}, false
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

// HasScope reports whether p may use scope.
func HasScope(p Principal, scope string) bool {
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	_, ok := p.Scopes[scope]
	return ok
}

// ValidScope reports whether s names a known scope.
func ValidScope(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ScopeAct, ScopeReply, ScopeRead, ScopeAll:
		return true
	}
	return false
}
