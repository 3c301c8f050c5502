// Package detect turns market snapshot deltas into scored, time-bounded
// opportunities. Strategies are pure functions of current market snapshots;
// the engine owns fan-out, filtering, confidence scoring, and the risk gate.
package detect

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// Strategy is one opportunity detector. OnDelta must not block on I/O; it
// reads the snapshots handed to it and returns zero or more candidates.
type Strategy interface {
	Name() string
	Init(ctx context.Context) error
	OnDelta(ctx context.Context, delta domain.SnapshotDelta) ([]domain.Opportunity, error)
	Close() error
}

// MarketView is the read surface strategies use for cross-venue pricing.
type MarketView interface {
	Read(key domain.PairKey) (domain.MarketSnapshot, bool)
	SnapshotsForToken(token common.Address) []domain.MarketSnapshot
}

// RiskGate vets a token before a candidate may leave the engine.
type RiskGate interface {
	Evaluate(ctx context.Context, token common.Address) (domain.RiskReport, error)
}

// ConfidenceScorer produces the 0-100 launch score used as a snipe filter.
type ConfidenceScorer interface {
	Confidence(ctx context.Context, token common.Address) (int, error)
}

// Options are the detection thresholds shared by the engine and strategies.
type Options struct {
	// MinProfitBps is the minimum net arbitrage edge (50 = 0.5%).
	MinProfitBps float64
	// PriceMoveTriggerBps gates strategy wake-ups on small moves.
	PriceMoveTriggerBps float64
	SnipeBudgetETH      float64
	ArbSizeETH          float64
	MinTradeETH         float64
	DefaultSlippageBps  float64
	MaxSlippageBps      float64
	MinLiquidityETH     float64
	MinConfidence       int
	OpportunityTTL      time.Duration
	// WalletLane names the signing lane; it is folded into every resource key.
	WalletLane string
	RecentSize int
}
