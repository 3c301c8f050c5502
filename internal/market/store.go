// Package market maintains the current reserves/price/liquidity snapshot per
// trading pair per venue, applied incrementally from the normalized event
// stream. It is the single source of truth opportunity detection reads from.
package market

import (
	"log/slog"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atalantalabs/atalanta/internal/domain"
)

var weiPerEth = new(big.Float).SetFloat64(1e18)

// Store holds one snapshot per (venue, pair). Applies are serialized per
// pair; reads load an atomically swapped immutable snapshot and never block
// writers beyond the pointer swap.
type Store struct {
	weth common.Address

	mu    sync.RWMutex
	pairs map[domain.PairKey]*pairState
	// byToken indexes the venues a token trades on, for cross-venue lookups.
	byToken map[common.Address][]domain.PairKey
	down    map[domain.VenueID]bool

	logger *slog.Logger
}

type pairState struct {
	mu   sync.Mutex // serializes applies for this pair only
	snap atomic.Pointer[domain.MarketSnapshot]
}

// NewStore creates a Store. weth identifies the quote side of every pool.
func NewStore(weth common.Address, logger *slog.Logger) *Store {
	return &Store{
		weth:    weth,
		pairs:   make(map[domain.PairKey]*pairState),
		byToken: make(map[common.Address][]domain.PairKey),
		down:    make(map[domain.VenueID]bool),
		logger:  logger.With(slog.String("component", "market_store")),
	}
}

// SetVenueDown marks a venue excluded (true) or restored (false). Events from
// an excluded venue are rejected and its snapshots are hidden from readers.
func (s *Store) SetVenueDown(venue domain.VenueID, isDown bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isDown {
		s.down[venue] = true
	} else {
		delete(s.down, venue)
	}
}

// VenueDown reports whether the venue is currently excluded.
func (s *Store) VenueDown(venue domain.VenueID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.down[venue]
}

// Apply folds one normalized event into the store and returns the resulting
// delta. Out-of-order or duplicate events return domain.ErrStaleEvent and
// change nothing; events from a DOWN venue return domain.ErrVenueDown. Both
// are idempotent no-ops for the caller, not fatal conditions.
func (s *Store) Apply(ev domain.VenueEvent) (domain.SnapshotDelta, error) {
	if s.VenueDown(ev.Venue) {
		return domain.SnapshotDelta{Kind: domain.DeltaNone}, domain.ErrVenueDown
	}

	key := domain.PairKey{Venue: ev.Venue, Pair: ev.Pair}
	ps := s.pairState(key, ev)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	cur := ps.snap.Load()
	if cur != nil && ev.Sequence <= cur.Sequence {
		return domain.SnapshotDelta{Kind: domain.DeltaNone}, domain.ErrStaleEvent
	}

	next, delta := s.fold(cur, key, ev)
	ps.snap.Store(&next)
	return delta, nil
}

// pairState returns the state cell for key, creating it (and the token index
// entry) on first sight.
func (s *Store) pairState(key domain.PairKey, ev domain.VenueEvent) *pairState {
	s.mu.RLock()
	ps, ok := s.pairs[key]
	s.mu.RUnlock()
	if ok {
		return ps
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok = s.pairs[key]; ok {
		return ps
	}
	ps = &pairState{}
	s.pairs[key] = ps
	token := ev.Token
	if token != (common.Address{}) {
		s.byToken[token] = append(s.byToken[token], key)
	}
	return ps
}

// fold builds the successor snapshot for one event. cur may be nil for the
// first event of a pair.
func (s *Store) fold(cur *domain.MarketSnapshot, key domain.PairKey, ev domain.VenueEvent) (domain.MarketSnapshot, domain.SnapshotDelta) {
	next := domain.MarketSnapshot{
		Key:        key,
		Token:      ev.Token,
		Sequence:   ev.Sequence,
		Unverified: ev.Unverified,
		UpdatedAt:  ev.ObservedAt,
	}
	if cur != nil {
		next.Token0 = cur.Token0
		next.Token1 = cur.Token1
		next.Reserve0 = cur.Reserve0
		next.Reserve1 = cur.Reserve1
		if next.Token == (common.Address{}) {
			next.Token = cur.Token
		}
	}

	delta := domain.SnapshotDelta{Key: key, Token: next.Token}

	switch ev.Kind {
	case domain.EventPoolCreated:
		p := ev.PoolCreated
		next.Token0, next.Token1 = p.Token0, p.Token1
		next.Reserve0, next.Reserve1 = p.Reserve0, p.Reserve1
		delta.Kind = domain.DeltaPoolCreated

	case domain.EventSwap:
		if ev.Swap != nil && ev.Swap.Reserve0 != nil {
			next.Reserve0, next.Reserve1 = ev.Swap.Reserve0, ev.Swap.Reserve1
		}
		delta.Kind = domain.DeltaPriceMove

	case domain.EventLiquidityChanged:
		if ev.Liquidity != nil {
			next.Reserve0, next.Reserve1 = ev.Liquidity.Reserve0, ev.Liquidity.Reserve1
		}
		delta.Kind = domain.DeltaLiquidity

	case domain.EventLiquidationTrigger:
		delta.Kind = domain.DeltaLiquidation
		delta.Liquidation = ev.Liquidation
	}

	next.Price, next.LiquidityETH = s.priceOf(next)
	if cur != nil && cur.Price > 0 && next.Price > 0 {
		delta.PriceMoveBps = math.Abs(next.Price-cur.Price) / cur.Price * 10_000
	}
	delta.Snapshot = next
	return next, delta
}

// priceOf derives the token price in ETH and the ETH-side depth from the
// snapshot's reserves. Zero values mean the pair has no WETH side or no
// reserves yet.
func (s *Store) priceOf(snap domain.MarketSnapshot) (price, liquidityETH float64) {
	if snap.Reserve0 == nil || snap.Reserve1 == nil {
		return 0, 0
	}
	var reserveETH, reserveToken *big.Int
	switch s.weth {
	case snap.Token0:
		reserveETH, reserveToken = snap.Reserve0, snap.Reserve1
	case snap.Token1:
		reserveETH, reserveToken = snap.Reserve1, snap.Reserve0
	default:
		return 0, 0
	}
	if reserveToken.Sign() == 0 {
		return 0, 0
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(reserveETH), weiPerEth).Float64()
	tok, _ := new(big.Float).Quo(new(big.Float).SetInt(reserveToken), weiPerEth).Float64()
	if tok == 0 {
		return 0, eth
	}
	return eth / tok, eth
}

// Read returns the current snapshot for one pair. ok is false when the pair
// is unknown or its venue is DOWN.
func (s *Store) Read(key domain.PairKey) (domain.MarketSnapshot, bool) {
	if s.VenueDown(key.Venue) {
		return domain.MarketSnapshot{}, false
	}
	s.mu.RLock()
	ps, ok := s.pairs[key]
	s.mu.RUnlock()
	if !ok {
		return domain.MarketSnapshot{}, false
	}
	snap := ps.snap.Load()
	if snap == nil {
		return domain.MarketSnapshot{}, false
	}
	return *snap, true
}

// SnapshotsForToken returns the current snapshots for every venue the token
// trades on, excluding DOWN venues and unverified snapshots. The result is a
// point-in-time read: each element is immutable.
func (s *Store) SnapshotsForToken(token common.Address) []domain.MarketSnapshot {
	s.mu.RLock()
	keys := make([]domain.PairKey, len(s.byToken[token]))
	copy(keys, s.byToken[token])
	s.mu.RUnlock()

	out := make([]domain.MarketSnapshot, 0, len(keys))
	for _, key := range keys {
		snap, ok := s.Read(key)
		if !ok || snap.Unverified {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Pairs returns every known pair key. Used by the health surface and the
// ad-hoc scan endpoint.
func (s *Store) Pairs() []domain.PairKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PairKey, 0, len(s.pairs))
	for key := range s.pairs {
		out = append(out, key)
	}
	return out
}

// Tokens returns every token with at least one tracked pair.
func (s *Store) Tokens() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Address, 0, len(s.byToken))
	for token := range s.byToken {
		out = append(out, token)
	}
	return out
}

// LastUpdated returns the newest snapshot timestamp across all pairs, used
// for engine liveness.
func (s *Store) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest time.Time
	for _, ps := range s.pairs {
		if snap := ps.snap.Load(); snap != nil && snap.UpdatedAt.After(newest) {
			newest = snap.UpdatedAt
		}
	}
	return newest
}
