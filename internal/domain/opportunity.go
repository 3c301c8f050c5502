package domain

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OpportunityKind classifies a detected candidate action.
type OpportunityKind string

const (
	OppSnipe       OpportunityKind = "snipe"
	OppArbitrage   OpportunityKind = "arbitrage"
	OppLiquidation OpportunityKind = "liquidation"
)

// Opportunity is a detected, time-bounded candidate action. Opportunities are
// immutable once emitted; a newer one for the same resource key supersedes,
// it never mutates.
type Opportunity struct {
	ID          string
	Kind        OpportunityKind
	ResourceKey string
	Token       common.Address
	// BuyVenue/SellVenue describe the path. Snipe and liquidation use only
	// BuyVenue.
	BuyVenue  VenueID
	SellVenue VenueID

	// AmountETH is the input size of the candidate trade.
	AmountETH float64
	// ExpectedValueETH is the net expected profit after gas, fees, and
	// price impact. Heuristic for snipes.
	ExpectedValueETH float64
	// NetMarginBps is the net edge for arbitrage candidates.
	NetMarginBps float64
	// SlippageBps is the hard slippage bound the executor must enforce.
	SlippageBps float64
	// RiskScore and Confidence are filled by the risk evaluator and the
	// prediction scorer before the opportunity may be submitted.
	RiskScore  int
	Confidence int

	DetectedAt time.Time
	ExpiresAt  time.Time

	// DetectedSeq pins the venue sequence the pricing was computed from, so
	// revalidation can tell whether the market has moved underneath it.
	DetectedSeq uint64

	// Liquidation is set for liquidation candidates.
	Liquidation *LiquidationPayload
}

// Expired reports whether the opportunity's validity window has passed.
func (o Opportunity) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// ResourceKey derives the minimal mutual-exclusion identity for a token and
// wallet lane. At most one execution may be in flight per key.
func ResourceKey(token common.Address, wallet string) string {
	return strings.ToLower(token.Hex()) + "|" + strings.ToLower(wallet)
}
