package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Allower is the slice of the cache-layer rate limiter the middleware needs.
type Allower interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimit caps each client IP at limit requests per window, backed by the
// shared limiter so the cap holds across API replicas. Limiter failures fail
// open; the engine's own endpoints must stay reachable when the cache is not.
func RateLimit(limiter Allower, limit int, window time.Duration) func(http.Handler) http.Handler {
	limitStr := strconv.Itoa(limit)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ratelimit:api:" + clientIP(r)
			allowed, err := limiter.Allow(r.Context(), key, limit, window)
			if err != nil || allowed {
				if err == nil {
					w.Header().Set("X-RateLimit-Limit", limitStr)
				}
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", limitStr)
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())+1))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
		})
	}
}

// clientIP prefers the proxy headers the deployment sets, then RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
