package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// VenueStatusSource yields the current health report for every venue.
type VenueStatusSource interface {
	All(ctx context.Context) ([]domain.VenueStatus, error)
}

// VenueHandler serves the per-venue health surface.
type VenueHandler struct {
	source VenueStatusSource
	logger *slog.Logger
}

// NewVenueHandler creates a VenueHandler over the given status source.
func NewVenueHandler(source VenueStatusSource, logger *slog.Logger) *VenueHandler {
	return &VenueHandler{source: source, logger: logger}
}

type venueStatusResponse struct {
	Venue        string `json:"venue"`
	State        string `json:"state"`
	LastSequence uint64 `json:"last_sequence"`
	LastEventAt  string `json:"last_event_at,omitempty"`
	Reconnects   int    `json:"reconnects"`
}

// ListVenues returns the UP/DOWN/RESYNCING state of every tracked venue.
// GET /api/venues
func (h *VenueHandler) ListVenues(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusNotImplemented, "venue tracking is not enabled in this mode")
		return
	}
	statuses, err := h.source.All(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list venues failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list venues")
		return
	}

	out := make([]venueStatusResponse, 0, len(statuses))
	for _, st := range statuses {
		v := venueStatusResponse{
			Venue:        string(st.Venue),
			State:        string(st.State),
			LastSequence: st.LastSequence,
			Reconnects:   st.Reconnects,
		}
		if st.LastEventAt > 0 {
			v.LastEventAt = time.UnixMilli(st.LastEventAt).UTC().Format(time.RFC3339)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })

	writeJSON(w, http.StatusOK, map[string]any{"venues": out})
}
