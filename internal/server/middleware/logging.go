package middleware

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Logging emits one structured line per request: method, path, status, size,
// and latency. Server errors log at warn so they stand out from the poll
// traffic the dashboards generate.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int("bytes", sw.bytes),
				slog.Duration("latency", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			}
			if sw.status >= http.StatusInternalServerError {
				logger.WarnContext(r.Context(), "request", attrs...)
				return
			}
			logger.InfoContext(r.Context(), "request", attrs...)
		})
	}
}

// statusWriter records the status code and body size the handler produced.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
	wrote  bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wrote {
		sw.status = code
		sw.wrote = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wrote = true
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += n
	return n, err
}

// Hijack lets the websocket upgrade pass through the wrapper.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
