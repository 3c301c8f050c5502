package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PairKey identifies one trading pair on one venue.
type PairKey struct {
	Venue VenueID
	Pair  common.Address
}

// MarketSnapshot is the current view of one pair on one venue. Snapshots are
// immutable once published by the market store; an apply produces a fresh
// snapshot rather than mutating in place, so readers never see torn state.
type MarketSnapshot struct {
	Key      PairKey
	Token    common.Address // the non-quote token of the pair
	Token0   common.Address
	Token1   common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
	// Price is token priced in the quote asset (ETH), derived from reserves.
	Price float64
	// LiquidityETH is the quote-side depth of the pool.
	LiquidityETH float64
	// Sequence is the venue sequence number this snapshot reflects.
	Sequence   uint64
	Unverified bool
	UpdatedAt  time.Time
}

// DeltaKind says what an applied event changed, so the detector can decide
// which strategies are worth re-running.
type DeltaKind string

const (
	DeltaPoolCreated DeltaKind = "pool_created"
	DeltaPriceMove   DeltaKind = "price_move"
	DeltaLiquidity   DeltaKind = "liquidity"
	DeltaLiquidation DeltaKind = "liquidation"
	DeltaNone        DeltaKind = "none"
)

// SnapshotDelta is returned by a successful apply and is the trigger signal
// for opportunity detection. PriceMoveBps is zero for non-price deltas.
type SnapshotDelta struct {
	Kind         DeltaKind
	Key          PairKey
	Token        common.Address
	PriceMoveBps float64
	Snapshot     MarketSnapshot
	// Liquidation is set when Kind is DeltaLiquidation.
	Liquidation *LiquidationPayload
}
