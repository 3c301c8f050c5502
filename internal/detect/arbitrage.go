package detect

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// latencyTieBps: paths whose net margins are within this band are considered
// tied and the lower-latency path wins.
const latencyTieBps = 1.0

// ArbStrategy looks for cross-venue price differentials on tokens listed on
// at least two venues. Margins are net of both venue fees, price impact on
// both legs, and gas for two transactions.
type ArbStrategy struct {
	market MarketView
	venues map[domain.VenueID]domain.VenueInfo
	weth   common.Address
	opts   Options
	gas    GasModel
}

// NewArbStrategy creates the cross-venue arbitrage detector.
func NewArbStrategy(market MarketView, venues map[domain.VenueID]domain.VenueInfo, weth common.Address, opts Options, gas GasModel) *ArbStrategy {
	return &ArbStrategy{market: market, venues: venues, weth: weth, opts: opts, gas: gas}
}

func (s *ArbStrategy) Name() string { return "arbitrage" }

func (s *ArbStrategy) Init(ctx context.Context) error { return nil }

func (s *ArbStrategy) Close() error { return nil }

func (s *ArbStrategy) OnDelta(ctx context.Context, delta domain.SnapshotDelta) ([]domain.Opportunity, error) {
	if delta.Kind != domain.DeltaPriceMove && delta.Kind != domain.DeltaLiquidity {
		return nil, nil
	}
	if opp, ok := s.Scan(delta.Token); ok {
		return []domain.Opportunity{opp}, nil
	}
	return nil, nil
}

// Scan evaluates every cross-venue path for the token and returns the best
// one if its net margin clears the threshold. Also used directly by the
// ad-hoc scan API.
func (s *ArbStrategy) Scan(token common.Address) (domain.Opportunity, bool) {
	snaps := s.market.SnapshotsForToken(token)
	if len(snaps) < 2 {
		return domain.Opportunity{}, false
	}

	sizeWei := ethToWei(s.opts.ArbSizeETH)
	gasETH := s.gas.CostETH(2)

	var best domain.Opportunity
	var bestLatency int64
	found := false

	for _, buy := range snaps {
		for _, sell := range snaps {
			if buy.Key.Venue == sell.Key.Venue {
				continue
			}
			margin, profit, ok := s.pathMargin(buy, sell, sizeWei, gasETH)
			if !ok || margin < s.opts.MinProfitBps {
				continue
			}
			latency := s.latencyOf(buy.Key.Venue) + s.latencyOf(sell.Key.Venue)
			better := margin > best.NetMarginBps+latencyTieBps ||
				(margin > best.NetMarginBps-latencyTieBps && found && latency < bestLatency)
			if !found || better {
				seq := buy.Sequence
				if sell.Sequence > seq {
					seq = sell.Sequence
				}
				best = domain.Opportunity{
					Kind:             domain.OppArbitrage,
					Token:            token,
					BuyVenue:         buy.Key.Venue,
					SellVenue:        sell.Key.Venue,
					AmountETH:        s.opts.ArbSizeETH,
					ExpectedValueETH: profit,
					NetMarginBps:     margin,
					DetectedSeq:      seq,
				}
				bestLatency = latency
				found = true
			}
		}
	}
	return best, found
}

// pathMargin prices buy-on-A, sell-on-B for sizeWei of ETH in. Returns the
// net margin in bps and the absolute profit in ETH.
func (s *ArbStrategy) pathMargin(buy, sell domain.MarketSnapshot, sizeWei *big.Int, gasETH float64) (float64, float64, bool) {
	buyETH, buyTok, ok := s.sides(buy)
	if !ok {
		return 0, 0, false
	}
	sellETH, sellTok, ok := s.sides(sell)
	if !ok {
		return 0, 0, false
	}

	tokensOut := getAmountOut(sizeWei, buyETH, buyTok, s.feeOf(buy.Key.Venue))
	if tokensOut.Sign() <= 0 {
		return 0, 0, false
	}
	ethOut := getAmountOut(tokensOut, sellTok, sellETH, s.feeOf(sell.Key.Venue))
	if ethOut.Sign() <= 0 {
		return 0, 0, false
	}

	profit := weiToEth(new(big.Int).Sub(ethOut, sizeWei)) - gasETH
	size := weiToEth(sizeWei)
	if size <= 0 {
		return 0, 0, false
	}
	return profit / size * 10000, profit, true
}

// sides splits a snapshot's reserves into the ETH side and the token side.
func (s *ArbStrategy) sides(snap domain.MarketSnapshot) (ethReserve, tokenReserve *big.Int, ok bool) {
	if snap.Reserve0 == nil || snap.Reserve1 == nil {
		return nil, nil, false
	}
	if snap.Token0 == s.weth {
		return snap.Reserve0, snap.Reserve1, true
	}
	if snap.Token1 == s.weth {
		return snap.Reserve1, snap.Reserve0, true
	}
	return nil, nil, false
}

func (s *ArbStrategy) feeOf(v domain.VenueID) float64 {
	if info, ok := s.venues[v]; ok {
		return info.FeeBps
	}
	return 30
}

func (s *ArbStrategy) latencyOf(v domain.VenueID) int64 {
	if info, ok := s.venues[v]; ok {
		return info.EstLatencyMs
	}
	return 100
}

var _ Strategy = (*ArbStrategy)(nil)
