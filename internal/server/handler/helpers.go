package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
	if t, ok := parseTimeParam(q.Get("since")); ok {
		opts.Since = &t
	}
	if t, ok := parseTimeParam(q.Get("until")); ok {
		opts.Until = &t
	}
	return opts
}

// parseTimeParam accepts RFC3339 timestamps or bare dates (2006-01-02).
func parseTimeParam(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02", v, time.UTC); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
