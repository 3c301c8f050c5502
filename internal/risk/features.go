package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// chainProber is the subset of the RPC client the feature source needs.
type chainProber interface {
	HasCode(ctx context.Context, addr common.Address) (bool, error)
	SimulateSell(ctx context.Context, router, token, weth, from common.Address, amountIn *big.Int) (*big.Int, error)
	AmountsOut(ctx context.Context, router common.Address, amountIn *big.Int, path []common.Address) (*big.Int, error)
}

// marketReader is the subset of the market store the feature source needs.
type marketReader interface {
	SnapshotsForToken(token common.Address) []domain.MarketSnapshot
}

// ChainFeatureSource builds feature vectors from live chain probes plus the
// market store's view of liquidity. Activity counters (tx count, buy/sell
// ratio, volatility) accumulate from the event stream via Observe.
type ChainFeatureSource struct {
	chain  chainProber
	market marketReader
	router common.Address
	weth   common.Address
	probe  common.Address // harmless EOA used as eth_call sender
	logger *slog.Logger

	mu    sync.Mutex
	stats map[common.Address]*tokenStats
}

type tokenStats struct {
	buys      int
	sells     int
	prices    []float64
	firstSeen int64 // unix seconds of first observed event
}

// NewChainFeatureSource wires a feature source against the given router.
func NewChainFeatureSource(chain chainProber, market marketReader, router, weth, probe common.Address, logger *slog.Logger) *ChainFeatureSource {
	return &ChainFeatureSource{
		chain:  chain,
		market: market,
		router: router,
		weth:   weth,
		probe:  probe,
		logger: logger.With(slog.String("component", "risk_features")),
		stats:  make(map[common.Address]*tokenStats),
	}
}

// Observe feeds swap activity into the per-token counters. Called from the
// event pipeline for every accepted swap event.
func (s *ChainFeatureSource) Observe(ev domain.VenueEvent) {
	if ev.Kind != domain.EventSwap && ev.Kind != domain.EventPoolCreated {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[ev.Token]
	if !ok {
		st = &tokenStats{firstSeen: ev.ObservedAt.Unix()}
		s.stats[ev.Token] = st
	}
	if ev.Kind != domain.EventSwap || ev.Swap == nil {
		return
	}
	// A swap paying in WETH-side input is a buy of the token.
	if isBuy(ev.Swap) {
		st.buys++
	} else {
		st.sells++
	}
	for _, snap := range s.market.SnapshotsForToken(ev.Token) {
		if snap.Key.Pair == ev.Pair && snap.Price > 0 {
			st.prices = append(st.prices, snap.Price)
			if len(st.prices) > 64 {
				st.prices = st.prices[len(st.prices)-64:]
			}
			break
		}
	}
}

func isBuy(sw *domain.SwapPayload) bool {
	// Convention: reserve0/amount0 is the WETH side when WETH is token0, but
	// at this level all we can say is which side the input landed on. Treat
	// nonzero amount0In as the quote-side (buy) leg; the detector only needs
	// the ratio's direction.
	return sw.Amount0In != nil && sw.Amount0In.Sign() > 0
}

// Features assembles the vector for one token. Chain probes honor ctx; a
// failed sell simulation is recorded, not returned as an error, because it
// is itself the honeypot signal.
func (s *ChainFeatureSource) Features(ctx context.Context, token common.Address) (domain.TokenFeatures, error) {
	f := domain.TokenFeatures{Token: token}

	for _, snap := range s.market.SnapshotsForToken(token) {
		f.LiquidityETH += snap.LiquidityETH
	}

	hasCode, err := s.chain.HasCode(ctx, token)
	if err != nil {
		return domain.TokenFeatures{}, fmt.Errorf("code probe: %w", err)
	}
	if !hasCode {
		return domain.TokenFeatures{}, fmt.Errorf("token %s has no contract code", token.Hex())
	}
	// Verification status needs an off-chain explorer; code presence is the
	// on-chain floor, anything beyond stays unverified.
	f.ContractVerified = false

	probeAmount := big.NewInt(1e15) // 0.001 token units at 18 decimals
	quoted, err := s.chain.AmountsOut(ctx, s.router, probeAmount, []common.Address{token, s.weth})
	if err == nil && quoted.Sign() > 0 {
		got, sellErr := s.chain.SimulateSell(ctx, s.router, token, s.weth, s.probe, probeAmount)
		if sellErr == nil {
			f.SellSimulated = true
			f.SellTaxBps = taxBps(quoted, got)
		} else {
			s.logger.Debug("sell simulation failed",
				slog.String("token", token.Hex()), slog.String("error", sellErr.Error()))
		}
	}
	if ctx.Err() != nil {
		return domain.TokenFeatures{}, ctx.Err()
	}

	s.mu.Lock()
	if st, ok := s.stats[token]; ok {
		f.TxCount24h = st.buys + st.sells
		if st.sells > 0 {
			f.BuySellRatio = float64(st.buys) / float64(st.sells)
		} else if st.buys > 0 {
			f.BuySellRatio = float64(st.buys)
		}
		f.PriceVolatility = volatility(st.prices)
		if st.firstSeen > 0 {
			f.ContractAgeHours = float64(time.Now().Unix()-st.firstSeen) / 3600
		}
	}
	s.mu.Unlock()

	return f, nil
}

// taxBps derives the implied sell tax from the quoted vs realized output.
func taxBps(quoted, realized *big.Int) float64 {
	if quoted.Sign() <= 0 || realized == nil {
		return 0
	}
	if realized.Cmp(quoted) >= 0 {
		return 0
	}
	diff := new(big.Int).Sub(quoted, realized)
	bps := new(big.Int).Div(new(big.Int).Mul(diff, big.NewInt(10000)), quoted)
	return float64(bps.Int64())
}

func volatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	var returns []float64
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
		}
	}
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	sum := 0.0
	for _, r := range returns {
		d := r - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(returns)))
}
