package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// --- auth ---

func TestAuthAcceptsBearerAndAPIKeyHeader(t *testing.T) {
	h := Auth("s3cret")(okHandler)

	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") },
		func(r *http.Request) { r.Header.Set("X-API-Key", "s3cret") },
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/opportunities", nil)
		set(req)
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	}
}

func TestAuthRejectsWrongOrMissingKey(t *testing.T) {
	h := Auth("s3cret")(okHandler)

	for _, set := range []func(*http.Request){
		func(r *http.Request) {},
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") },
		func(r *http.Request) { r.Header.Set("Authorization", "Basic s3cret") },
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/opportunities", nil)
		set(req)
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Error("missing WWW-Authenticate header")
		}
	}
}

func TestAuthDisabledWhenKeyEmpty(t *testing.T) {
	h := Auth("")(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

// --- rate limit ---

type stubLimiter struct {
	allowed bool
	err     error
	key     string
}

func (l *stubLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.key = key
	return l.allowed, l.err
}

func TestRateLimitAllowsAndSetsHeader(t *testing.T) {
	lim := &stubLimiter{allowed: true}
	h := RateLimit(lim, 20, time.Second)(okHandler)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/executions", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "20" {
		t.Errorf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if lim.key != "ratelimit:api:203.0.113.9" {
		t.Errorf("limiter key = %q", lim.key)
	}
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	h := RateLimit(&stubLimiter{allowed: false}, 20, time.Second)(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/executions", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimitFailsOpenOnLimiterError(t *testing.T) {
	h := RateLimit(&stubLimiter{err: errors.New("redis down")}, 20, time.Second)(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/executions", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

// --- cors ---

func TestCORSAllowsListedOrigin(t *testing.T) {
	h := CORS([]string{"https://dash.example.com"})(okHandler)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/opportunities", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if rec.Header().Get("Vary") != "Origin" {
		t.Errorf("Vary = %q", rec.Header().Get("Vary"))
	}
}

func TestCORSSkipsUnlistedOrigin(t *testing.T) {
	h := CORS([]string{"https://dash.example.com"})(okHandler)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/opportunities", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("allow-origin set for unlisted origin")
	}
}

// --- logging ---

func TestStatusWriterRecordsStatusAndSize(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("queued"))
	})

	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	inner.ServeHTTP(sw, httptest.NewRequest(http.MethodPost, "/api/executions", nil))

	if sw.status != http.StatusAccepted {
		t.Errorf("status = %d", sw.status)
	}
	if sw.bytes != len("queued") {
		t.Errorf("bytes = %d", sw.bytes)
	}
}
