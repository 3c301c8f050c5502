// Package domain defines the core types shared by every layer of the
// opportunity engine: normalized venue events, market snapshots, detected
// opportunities, execution records, and the store/cache interfaces the
// infrastructure packages implement.
package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind classifies a normalized venue event.
type EventKind string

const (
	EventPoolCreated        EventKind = "pool_created"
	EventSwap               EventKind = "swap"
	EventLiquidityChanged   EventKind = "liquidity_changed"
	EventLiquidationTrigger EventKind = "liquidation_trigger"
)

// VenueEvent is a normalized on-chain event from a single venue. Ordering is
// guaranteed only by Sequence within one venue, never across venues. Events
// are immutable once emitted by the feed adapter.
type VenueEvent struct {
	Venue      VenueID
	Pair       common.Address
	Token      common.Address
	Kind       EventKind
	Sequence   uint64 // per-venue, monotonic (block << 16 | log index)
	Unverified bool   // set while the venue is resyncing after a sequence gap
	ObservedAt time.Time

	PoolCreated *PoolCreatedPayload
	Swap        *SwapPayload
	Liquidity   *LiquidityPayload
	Liquidation *LiquidationPayload
}

// PoolCreatedPayload carries the factory PairCreated data.
type PoolCreatedPayload struct {
	Token0   common.Address
	Token1   common.Address
	Pair     common.Address
	PairN    uint64 // allPairsLength at creation
	Reserve0 *big.Int
	Reserve1 *big.Int
	TxHash   common.Hash
}

// SwapPayload carries amounts for a swap against a v2-style pool.
type SwapPayload struct {
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
	// Reserves after the swap, from the Sync log paired with it.
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// LiquidityPayload carries post-change pool reserves (mint/burn/sync).
type LiquidityPayload struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// LiquidationPayload describes a perps position that became liquidatable.
type LiquidationPayload struct {
	PositionID    string
	Account       common.Address
	CollateralWei *big.Int
	DebtWei       *big.Int
	HealthFactor  float64 // < 1.0 means liquidatable
	BonusBps      float64 // liquidation bonus offered by the venue
}
