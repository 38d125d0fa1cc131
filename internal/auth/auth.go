// Package auth authenticates bearer tokens and checks their scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes a token may carry.
const (
	ScopeAll       = "*"
	ScopeJobsWrite = "jobs:write"
	ScopeRunExec   = "run:exec"
	ScopePoolRead  = "pool:read"
)

// Anyone allowed to put work into the pool may watch it.
var implied = map[string][]string{
	ScopeJobsWrite: {ScopePoolRead},
	ScopeRunExec:   {ScopePoolRead},
}

var (
	ErrMissingToken    = errors.New("missing API key")
	ErrMalformedHeader = errors.New("invalid Authorization header format")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller and the scopes it holds, implied
// scopes included.
type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

// Can reports whether p holds "*" or any of required. No requirement always
// passes.
func (p Principal) Can(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// BearerToken reads the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, error) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	switch {
	case scheme == "":
		return "", ErrMissingToken
	case !found || scheme != "Bearer":
		return "", ErrMalformedHeader
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

type key struct {
	token  string
	scopes map[string]struct{}
}

// Keyring holds every accepted token with its expanded scopes. It is built
// once and read concurrently.
type Keyring struct {
	keys []key
}

// NewKeyring builds a Keyring. apiKey, when set, carries every scope.
func NewKeyring(apiKey string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if apiKey != "" {
		k.keys = append(k.keys, key{token: apiKey, scopes: map[string]struct{}{ScopeAll: {}}})
	}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		k.keys = append(k.keys, key{token: t.Token, scopes: expandScopes(t.Scopes)})
	}
	return k
}

// Authenticate matches presented against every key in constant time per key.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	for _, c := range k.keys {
		if len(c.token) == len(presented) && subtle.ConstantTimeCompare([]byte(c.token), []byte(presented)) == 1 {
			return Principal{Token: presented, Scopes: c.scopes}, true
		}
	}
	return Principal{}, false
}

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		out[s] = struct{}{}
		for _, extra := range implied[s] {
			out[extra] = struct{}{}
		}
	}
	return out
}
