package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Probe checks one dependency (postgres, redis, signer). A nil error means
// the dependency is reachable.
type Probe func(ctx context.Context) error

// HealthHandler serves the health-check endpoint. Liveness is always "ok"
// when the process can answer; configured probes degrade the report without
// failing it, so a flapping dependency never knocks the engine out of a load
// balancer.
type HealthHandler struct {
	mode    string
	started time.Time
	probes  map[string]Probe
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler reporting the given run mode.
func NewHealthHandler(mode string, started time.Time, logger *slog.Logger) *HealthHandler {
	if started.IsZero() {
		started = time.Now().UTC()
	}
	return &HealthHandler{
		mode:    mode,
		started: started,
		probes:  make(map[string]Probe),
		logger:  logger,
	}
}

// WithProbe registers a named dependency probe. Returns the handler for
// chaining.
func (h *HealthHandler) WithProbe(name string, p Probe) *HealthHandler {
	if p != nil {
		h.probes[name] = p
	}
	return h
}

// HealthCheck responds with the engine liveness report and per-dependency
// probe results.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	deps := make(map[string]string, len(h.probes))
	for name, probe := range h.probes {
		if err := probe(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	resp := map[string]any{
		"status":         status,
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if len(deps) > 0 {
		resp["dependencies"] = deps
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
