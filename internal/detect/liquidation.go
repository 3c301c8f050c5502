package detect

import (
	"context"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// LiquidationStrategy turns perps liquidation triggers into candidates when
// the venue bonus clears the gas cost of the liquidation call.
type LiquidationStrategy struct {
	opts Options
	gas  GasModel
}

// NewLiquidationStrategy creates the liquidation hunter.
func NewLiquidationStrategy(opts Options, gas GasModel) *LiquidationStrategy {
	return &LiquidationStrategy{opts: opts, gas: gas}
}

func (s *LiquidationStrategy) Name() string { return "liquidation" }

func (s *LiquidationStrategy) Init(ctx context.Context) error { return nil }

func (s *LiquidationStrategy) Close() error { return nil }

func (s *LiquidationStrategy) OnDelta(ctx context.Context, delta domain.SnapshotDelta) ([]domain.Opportunity, error) {
	if delta.Kind != domain.DeltaLiquidation || delta.Liquidation == nil {
		return nil, nil
	}
	liq := delta.Liquidation
	if liq.HealthFactor >= 1.0 {
		return nil, nil
	}

	collateralETH := weiToEth(liq.CollateralWei)
	debtETH := weiToEth(liq.DebtWei)
	bonusETH := collateralETH * liq.BonusBps / 10000

	net := bonusETH - s.gas.CostETH(1)
	if net <= 0 {
		return nil, nil
	}

	return []domain.Opportunity{{
		Kind:             domain.OppLiquidation,
		Token:            liq.Account,
		BuyVenue:         delta.Key.Venue,
		AmountETH:        debtETH,
		ExpectedValueETH: net,
		DetectedSeq:      delta.Snapshot.Sequence,
		Liquidation:      liq,
	}}, nil
}

var _ Strategy = (*LiquidationStrategy)(nil)
