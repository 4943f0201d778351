// Package admin is the gateway's token store (spec §4.9, §6 "Auth"):
// bcrypt-hashed admin tokens, scoped and revocable, bootstrapped from a
// single configured plaintext token on first run.
package admin

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Scope is a closed permission tag attached to a token. The gateway
// checks these against a route's required scope before forwarding a
// request.
type Scope string

const (
	ScopeRead  Scope = "admin:read"
	ScopeWrite Scope = "admin:write"
)

// Token is an issued admin token's metadata — never its secret, which
// only ever exists in plaintext at issuance time and as a bcrypt hash
// at rest.
type Token struct {
	ID         int64
	Label      string
	Scopes     []Scope
	CreatedAt  time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// Active reports whether the token is usable.
func (t Token) Active() bool { return t.RevokedAt == nil }

// HasScope reports whether t carries scope.
func (t Token) HasScope(scope Scope) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

const tokenPrefix = "kgt"

// newSecret generates a random hex-encoded secret.
func newSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate admin token secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// composeToken builds the plaintext handed to the operator once, at
// issuance: the id is embedded so Validate can look up the exact row
// to bcrypt-compare against instead of scanning every token.
func composeToken(id int64, secret string) string {
	return fmt.Sprintf("%s_%d_%s", tokenPrefix, id, secret)
}

// splitToken extracts the id and secret from a presented token, when
// it was issued through composeToken. The bootstrap token (configured
// directly as plaintext, with no embedded id) never matches this
// shape; Validate falls back to a full scan for it.
func splitToken(presented string) (id int64, secret string, ok bool) {
	parts := strings.SplitN(presented, "_", 3)
	if len(parts) != 3 || parts[0] != tokenPrefix {
		return 0, "", false
	}
	var n int64
	if _, err := fmt.Sscanf(parts[1], "%d", &n); err != nil {
		return 0, "", false
	}
	return n, parts[2], true
}

func scopesOf(ss []string) []Scope {
	out := make([]Scope, len(ss))
	for i, s := range ss {
		out[i] = Scope(s)
	}
	return out
}

func stringsOf(ss []Scope) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
