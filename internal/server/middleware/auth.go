// Package middleware holds the HTTP middleware chain for the engine API:
// authentication, per-client rate limiting, request logging, and CORS.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth validates requests against the configured API key, accepted either as
// "Authorization: Bearer <key>" or in the X-API-Key header. An empty key
// disables authentication entirely.
func Auth(apiKey string) func(http.Handler) http.Handler {
	want := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := requestKey(r)
			// Constant-time compare; the key is a shared secret.
			if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"invalid or missing api key"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, rest, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
