package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RiskReport is the output of the safety evaluator for one token. Score is
// 0 (safe) to 100 (certain loss); HoneypotSuspected is a hard veto
// regardless of expected value, the other flags are soft.
type RiskReport struct {
	Token common.Address
	Score int

	HoneypotSuspected   bool
	LowLiquidity        bool
	ConcentratedHolders bool
	UnverifiedContract  bool

	EvaluatedAt time.Time
}

// Veto reports whether any hard flag forbids execution outright.
func (r RiskReport) Veto() bool {
	return r.HoneypotSuspected
}

// SoftFlagCount returns the number of soft flags set, used to discount
// confidence.
func (r RiskReport) SoftFlagCount() int {
	n := 0
	if r.LowLiquidity {
		n++
	}
	if r.ConcentratedHolders {
		n++
	}
	if r.UnverifiedContract {
		n++
	}
	return n
}

// TokenFeatures is the feature vector shared by the risk evaluator and the
// prediction scorer.
type TokenFeatures struct {
	Token            common.Address
	LiquidityETH     float64
	HolderCount      int
	TxCount24h       int
	BuySellRatio     float64
	PriceVolatility  float64
	DevWalletShare   float64 // fraction of supply held by the deployer
	TopHolderShare   float64 // fraction of supply held by the top 10 holders
	ContractAgeHours float64
	ContractVerified bool
	// SellSimulated reports whether a round-trip sell simulation succeeded;
	// SellTaxBps is the implied tax when it did.
	SellSimulated bool
	SellTaxBps    float64
}
