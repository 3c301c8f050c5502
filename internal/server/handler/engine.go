package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/atalantalabs/atalanta/internal/domain"
	"github.com/atalantalabs/atalanta/internal/predict"
)

// Acceptor hands an opportunity to the execution coordinator.
type Acceptor interface {
	Accept(ctx context.Context, opp domain.Opportunity) (domain.ExecutionRecord, error)
}

// ArbScanner evaluates the current cross-venue spread for one token.
type ArbScanner interface {
	Scan(token common.Address) (domain.Opportunity, bool)
}

// TokenLister enumerates the tokens currently held in the market store.
type TokenLister interface {
	Tokens() []common.Address
}

// RiskGate probes a token before a manual snipe is allowed through.
type RiskGate interface {
	Evaluate(ctx context.Context, token common.Address) (domain.RiskReport, error)
}

// FeatureSource produces the feature vector behind the prediction surface.
type FeatureSource interface {
	Features(ctx context.Context, token common.Address) (domain.TokenFeatures, error)
}

// LaunchScorer scores a token launch from its feature vector.
type LaunchScorer interface {
	ScoreLaunch(f domain.TokenFeatures) predict.Prediction
}

// SnipeDefaults are applied to manual snipe requests that omit a field.
type SnipeDefaults struct {
	Venue          domain.VenueID
	WalletLane     string
	SlippageBps    float64
	MaxSlippageBps float64
	// TTL bounds how long a manual opportunity stays valid; it still goes
	// through the coordinator's expiry check like any detected one.
	TTL time.Duration
}

// EngineHandler serves ad-hoc engine operations: manual snipes, on-demand
// arbitrage scans, and launch predictions. Every path goes through the same
// risk gate and coordinator as the automatic pipeline; there is no bypass.
type EngineHandler struct {
	acceptor Acceptor
	scanner  ArbScanner
	tokens   TokenLister
	riskGate RiskGate // optional; nil skips the safety probe
	features FeatureSource
	scorer   LaunchScorer
	defaults SnipeDefaults
	logger   *slog.Logger
}

// NewEngineHandler creates an EngineHandler. Any collaborator may be nil;
// the endpoints that need a missing one respond 501.
func NewEngineHandler(
	acceptor Acceptor,
	scanner ArbScanner,
	tokens TokenLister,
	riskGate RiskGate,
	features FeatureSource,
	scorer LaunchScorer,
	defaults SnipeDefaults,
	logger *slog.Logger,
) *EngineHandler {
	if defaults.TTL <= 0 {
		defaults.TTL = 10 * time.Second
	}
	if defaults.MaxSlippageBps <= 0 {
		defaults.MaxSlippageBps = 1000
	}
	if defaults.SlippageBps <= 0 {
		defaults.SlippageBps = 200
	}
	return &EngineHandler{
		acceptor: acceptor,
		scanner:  scanner,
		tokens:   tokens,
		riskGate: riskGate,
		features: features,
		scorer:   scorer,
		defaults: defaults,
		logger:   logger,
	}
}

type snipeRequest struct {
	Token       string  `json:"token"`
	AmountETH   float64 `json:"amount_eth"`
	SlippageBps float64 `json:"slippage_bps"`
}

// Snipe submits a manual snipe for the given token. The request passes the
// risk gate and the execution coordinator exactly like a detected launch.
// POST /api/snipe
func (h *EngineHandler) Snipe(w http.ResponseWriter, r *http.Request) {
	if h.acceptor == nil {
		writeError(w, http.StatusNotImplemented, "execution is not available in this mode")
		return
	}
	var req snipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Token) {
		writeError(w, http.StatusBadRequest, "invalid token address")
		return
	}
	if req.AmountETH <= 0 {
		writeError(w, http.StatusBadRequest, "amount_eth must be positive")
		return
	}
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = h.defaults.SlippageBps
	}
	if slippage > h.defaults.MaxSlippageBps {
		writeError(w, http.StatusBadRequest, "slippage_bps exceeds the configured maximum")
		return
	}

	token := common.HexToAddress(req.Token)

	if h.riskGate != nil {
		report, err := h.riskGate.Evaluate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "token failed the safety probe")
			return
		}
		if report.Veto() {
			writeError(w, http.StatusUnprocessableEntity, "token vetoed: honeypot suspected")
			return
		}
	}

	now := time.Now().UTC()
	opp := domain.Opportunity{
		ID:          uuid.NewString(),
		Kind:        domain.OppSnipe,
		ResourceKey: domain.ResourceKey(token, h.defaults.WalletLane),
		Token:       token,
		BuyVenue:    h.defaults.Venue,
		AmountETH:   req.AmountETH,
		SlippageBps: slippage,
		DetectedAt:  now,
		ExpiresAt:   now.Add(h.defaults.TTL),
	}

	rec, err := h.acceptor.Accept(r.Context(), opp)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrBusy), errors.Is(err, domain.ErrLockHeld):
			writeError(w, http.StatusConflict, "an execution is already in flight for this token")
		case errors.Is(err, domain.ErrExpired):
			writeError(w, http.StatusGone, "opportunity expired before submission")
		case errors.Is(err, domain.ErrNotProfitable):
			writeError(w, http.StatusUnprocessableEntity, "revalidation rejected the snipe")
		default:
			h.logger.ErrorContext(r.Context(), "handler: manual snipe failed",
				slog.String("token", token.Hex()),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "snipe execution failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, toExecutionResponse(rec))
}

type arbScanRequest struct {
	Token string `json:"token"`
}

// ScanArb evaluates the current cross-venue spreads and returns any
// profitable arbitrage candidates. Nothing is submitted; the response is a
// pure evaluation of live market state.
// POST /api/arb/scan
func (h *EngineHandler) ScanArb(w http.ResponseWriter, r *http.Request) {
	if h.scanner == nil || h.tokens == nil {
		writeError(w, http.StatusNotImplemented, "market scanning is not available in this mode")
		return
	}
	var req arbScanRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var tokens []common.Address
	if req.Token != "" {
		if !common.IsHexAddress(req.Token) {
			writeError(w, http.StatusBadRequest, "invalid token address")
			return
		}
		tokens = []common.Address{common.HexToAddress(req.Token)}
	} else {
		tokens = h.tokens.Tokens()
	}

	found := make([]opportunityResponse, 0)
	for _, token := range tokens {
		if opp, ok := h.scanner.Scan(token); ok {
			found = append(found, toOpportunityResponse(opp))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scanned":       len(tokens),
		"opportunities": found,
	})
}

// Predict probes a token and returns its launch score.
// GET /api/predict/{token}
func (h *EngineHandler) Predict(w http.ResponseWriter, r *http.Request) {
	if h.features == nil || h.scorer == nil {
		writeError(w, http.StatusNotImplemented, "prediction is not available in this mode")
		return
	}
	raw := pathParam(r, "token")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid token address")
		return
	}
	token := common.HexToAddress(raw)

	feats, err := h.features.Features(r.Context(), token)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: feature probe failed",
			slog.String("token", token.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "feature probe failed")
		return
	}

	p := h.scorer.ScoreLaunch(feats)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token.Hex(),
		"score":      p.Score,
		"confidence": p.Confidence,
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339),
		"features": map[string]any{
			"liquidity_eth":    feats.LiquidityETH,
			"top_holder_share": feats.TopHolderShare,
			"dev_wallet_share": feats.DevWalletShare,
			"sell_tax_bps":     feats.SellTaxBps,
			"sell_simulated":   feats.SellSimulated,
			"holder_count":     feats.HolderCount,
			"contract_age_h":   feats.ContractAgeHours,
		},
	})
}
