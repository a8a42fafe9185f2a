// Package auth verifies the two credential types the HTTP surface accepts:
// bearer tokens for the API/runner surface, and Basic-Auth bcrypt-hashed
// passwords for a future admin surface.
package auth

import (
	"crypto/hmac"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned when no recognized credential is presented.
var ErrUnauthorized = errors.New("auth: missing or invalid credentials")

// TokenVerifier checks a bearer token against the configured set of
// authorized tokens, in constant time.
type TokenVerifier struct {
	tokens map[string]string // name -> token value
}

// NewTokenVerifier builds a TokenVerifier from the configured name->token
// map (AUTHORIZED_TOKENS__<name> entries).
func NewTokenVerifier(tokens map[string]string) *TokenVerifier {
	return &TokenVerifier{tokens: tokens}
}

// Verify reports whether presented matches any configured token.
func (v *TokenVerifier) Verify(presented string) bool {
	if presented == "" {
		return false
	}
	for _, want := range v.tokens {
		if hmac.Equal([]byte(presented), []byte(want)) {
			return true
		}
	}
	return false
}

// BearerFromRequest extracts a presented token from X-API-Token (checked
// first) or an Authorization: Bearer header.
func BearerFromRequest(r *http.Request) string {
	if tok := r.Header.Get("X-API-Token"); tok != "" {
		return tok
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}

// AdminVerifier checks HTTP Basic-Auth credentials against bcrypt-hashed
// admin passwords.
type AdminVerifier struct {
	users map[string]string // name -> bcrypt hash
}

// NewAdminVerifier builds an AdminVerifier from the configured
// ADMIN_USERS__<name> entries.
func NewAdminVerifier(users map[string]string) *AdminVerifier {
	return &AdminVerifier{users: users}
}

// Verify checks username/password against the stored bcrypt hash for
// username.
func (v *AdminVerifier) Verify(username, password string) bool {
	hash, ok := v.users[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
