package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// RecentSource serves opportunities from the detector's in-memory ring when
// no persistent store is configured.
type RecentSource interface {
	Recent(limit int) []domain.Opportunity
}

// OpportunityHandler serves opportunity history. It prefers the persistent
// store and falls back to the detector's ring buffer.
type OpportunityHandler struct {
	store  domain.OpportunityStore // optional
	recent RecentSource            // optional
	logger *slog.Logger
}

// NewOpportunityHandler creates an OpportunityHandler. Either source may be
// nil; with both nil the endpoint returns 501.
func NewOpportunityHandler(store domain.OpportunityStore, recent RecentSource, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{store: store, recent: recent, logger: logger}
}

type opportunityResponse struct {
	ID               string  `json:"id"`
	Kind             string  `json:"kind"`
	ResourceKey      string  `json:"resource_key"`
	Token            string  `json:"token"`
	BuyVenue         string  `json:"buy_venue"`
	SellVenue        string  `json:"sell_venue,omitempty"`
	AmountETH        float64 `json:"amount_eth"`
	ExpectedValueETH float64 `json:"expected_value_eth"`
	NetMarginBps     float64 `json:"net_margin_bps"`
	SlippageBps      float64 `json:"slippage_bps"`
	RiskScore        int     `json:"risk_score"`
	Confidence       int     `json:"confidence"`
	DetectedAt       string  `json:"detected_at"`
	ExpiresAt        string  `json:"expires_at"`
}

func toOpportunityResponse(opp domain.Opportunity) opportunityResponse {
	return opportunityResponse{
		ID:               opp.ID,
		Kind:             string(opp.Kind),
		ResourceKey:      opp.ResourceKey,
		Token:            opp.Token.Hex(),
		BuyVenue:         string(opp.BuyVenue),
		SellVenue:        string(opp.SellVenue),
		AmountETH:        opp.AmountETH,
		ExpectedValueETH: opp.ExpectedValueETH,
		NetMarginBps:     opp.NetMarginBps,
		SlippageBps:      opp.SlippageBps,
		RiskScore:        opp.RiskScore,
		Confidence:       opp.Confidence,
		DetectedAt:       opp.DetectedAt.UTC().Format(time.RFC3339),
		ExpiresAt:        opp.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// ListOpportunities returns recently detected opportunities, newest first.
// GET /api/opportunities?kind=snipe&limit=50
func (h *OpportunityHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	kind := domain.OpportunityKind(r.URL.Query().Get("kind"))

	var (
		opps []domain.Opportunity
		err  error
	)
	switch {
	case h.store != nil:
		opps, err = h.store.ListRecent(r.Context(), kind, opts.Limit)
	case h.recent != nil:
		opps = h.recent.Recent(opts.Limit)
		if kind != "" {
			filtered := opps[:0]
			for _, o := range opps {
				if o.Kind == kind {
					filtered = append(filtered, o)
				}
			}
			opps = filtered
		}
	default:
		writeError(w, http.StatusNotImplemented, "opportunity history not configured")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list opportunities failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list opportunities")
		return
	}

	out := make([]opportunityResponse, 0, len(opps))
	for _, opp := range opps {
		out = append(out, toOpportunityResponse(opp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": out})
}
