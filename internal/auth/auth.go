// ABOUTME: Shared-secret request authentication for the gateway
// ABOUTME: Accepts the secret via x-api-key or a bearer authorization header

package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authenticator validates the gateway's shared secret. A missing configured
// secret rejects everything: misconfiguration must never default to open.
type Authenticator struct {
	secret string
}

// New creates an authenticator for the given shared secret.
func New(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

// IsAuthorized reports whether the request carries the expected secret in
// either accepted form: an x-api-key header, or an authorization header
// using the bearer scheme. Comparison is constant-time.
func (a *Authenticator) IsAuthorized(r *http.Request) bool {
	if a.secret == "" {
		return false
	}

	if key := r.Header.Get("x-api-key"); key != "" {
		return equal(key, a.secret)
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return false
	}
	return equal(token, a.secret)
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
