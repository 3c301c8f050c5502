package detect

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// launchWindow bounds how long a new pool stays a snipe candidate.
const launchWindow = 5 * time.Minute

// snipeEdge is the heuristic expected edge on a launch entry, applied to the
// buy size when no better estimate exists.
const snipeEdge = 0.05

// SnipeStrategy buys into freshly created pools on the tracked launch
// factory. PoolCreated arms a candidate; the first liquidity update deep
// enough to trade against fires it. One candidate per launch.
type SnipeStrategy struct {
	opts Options
	gas  GasModel

	mu      sync.Mutex
	pending map[common.Address]time.Time // token -> first seen
}

// NewSnipeStrategy creates the launch sniper.
func NewSnipeStrategy(opts Options, gas GasModel) *SnipeStrategy {
	return &SnipeStrategy{
		opts:    opts,
		gas:     gas,
		pending: make(map[common.Address]time.Time),
	}
}

func (s *SnipeStrategy) Name() string { return "snipe" }

func (s *SnipeStrategy) Init(ctx context.Context) error { return nil }

func (s *SnipeStrategy) Close() error { return nil }

func (s *SnipeStrategy) OnDelta(ctx context.Context, delta domain.SnapshotDelta) ([]domain.Opportunity, error) {
	switch delta.Kind {
	case domain.DeltaPoolCreated:
		s.mu.Lock()
		s.pending[delta.Token] = time.Now()
		s.mu.Unlock()
		// Some launches seed liquidity in the creation transaction.
		return s.tryFire(delta), nil
	case domain.DeltaLiquidity, domain.DeltaPriceMove:
		return s.tryFire(delta), nil
	default:
		return nil, nil
	}
}

func (s *SnipeStrategy) tryFire(delta domain.SnapshotDelta) []domain.Opportunity {
	s.mu.Lock()
	seen, armed := s.pending[delta.Token]
	if armed && time.Since(seen) > launchWindow {
		delete(s.pending, delta.Token)
		armed = false
	}
	s.mu.Unlock()
	if !armed {
		return nil
	}

	snap := delta.Snapshot
	if snap.Unverified || snap.LiquidityETH < s.opts.MinLiquidityETH {
		return nil
	}

	size := s.opts.SnipeBudgetETH
	if size < s.opts.MinTradeETH {
		return nil
	}
	// Cap the buy so our own price impact stays inside the slippage bound.
	maxByImpact := snap.LiquidityETH * s.opts.DefaultSlippageBps / 10000
	if maxByImpact > 0 && size > maxByImpact {
		size = maxByImpact
	}

	ev := size*snipeEdge - s.gas.CostETH(1)
	if ev <= 0 {
		return nil
	}

	s.mu.Lock()
	delete(s.pending, delta.Token)
	s.mu.Unlock()

	return []domain.Opportunity{{
		Kind:             domain.OppSnipe,
		Token:            delta.Token,
		BuyVenue:         delta.Key.Venue,
		AmountETH:        size,
		ExpectedValueETH: ev,
		DetectedSeq:      snap.Sequence,
	}}
}

var _ Strategy = (*SnipeStrategy)(nil)
