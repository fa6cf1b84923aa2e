package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware checks the shared bearer token on control endpoints.
// Webhooks authenticate by provider signature and never pass through here.
type AuthMiddleware struct {
	token []byte
}

// NewAuthMiddleware returns a middleware for token. An empty token disables
// the check.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: []byte(token)}
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if len(am.token) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		candidate := ExtractToken(r)
		if candidate == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(candidate), am.token) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken reads the token from, in order: Authorization: Bearer <t>,
// X-API-Key, and the token query parameter (browsers cannot set headers on
// WebSocket upgrades).
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}
