package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// ExecutionHandler serves execution history endpoints. The store is
// optional; without persistence the endpoints return 501.
type ExecutionHandler struct {
	store  domain.ExecutionStore
	logger *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler over the given store.
func NewExecutionHandler(store domain.ExecutionStore, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, logger: logger}
}

type executionResponse struct {
	ID            string  `json:"id"`
	OpportunityID string  `json:"opportunity_id"`
	Kind          string  `json:"kind"`
	ResourceKey   string  `json:"resource_key"`
	Token         string  `json:"token"`
	State         string  `json:"state"`
	TxHash        string  `json:"tx_hash,omitempty"`
	AmountETH     float64 `json:"amount_eth"`
	SlippageBps   float64 `json:"slippage_bps"`
	RealizedETH   float64 `json:"realized_eth"`
	FailReason    string  `json:"fail_reason,omitempty"`
	SubmittedAt   string  `json:"submitted_at"`
	SettledAt     string  `json:"settled_at,omitempty"`
}

func toExecutionResponse(rec domain.ExecutionRecord) executionResponse {
	resp := executionResponse{
		ID:            rec.ID,
		OpportunityID: rec.OpportunityID,
		Kind:          string(rec.Kind),
		ResourceKey:   rec.ResourceKey,
		Token:         rec.Token.Hex(),
		State:         string(rec.State),
		TxHash:        rec.TxHash,
		AmountETH:     rec.AmountETH,
		SlippageBps:   rec.SlippageBps,
		RealizedETH:   rec.RealizedETH,
		FailReason:    rec.FailReason,
		SubmittedAt:   rec.SubmittedAt.UTC().Format(time.RFC3339),
	}
	if rec.SettledAt != nil {
		resp.SettledAt = rec.SettledAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// ListExecutions returns the most recent execution records, newest first.
// GET /api/executions?limit=50
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history not configured")
		return
	}

	opts := parseListOpts(r)
	recs, err := h.store.ListRecent(r.Context(), opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list executions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	out := make([]executionResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toExecutionResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

// GetExecution returns a single execution record by ID.
// GET /api/executions/{id}
func (h *ExecutionHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history not configured")
		return
	}

	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing execution id")
		return
	}

	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get execution failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponse(rec))
}
