package domain

import "github.com/ethereum/go-ethereum/common"

// VenueID identifies one liquidity source (DEX or perps platform).
type VenueID string

const (
	VenueKumbaya  VenueID = "kumbaya"
	VenuePrismFi  VenueID = "prismfi"
	VenueGTE      VenueID = "gte"
	VenueValhalla VenueID = "valhalla"
)

// VenueState is the health state exposed on the health surface.
type VenueState string

const (
	VenueUp        VenueState = "UP"
	VenueDownState VenueState = "DOWN"
	VenueResyncing VenueState = "RESYNCING"
)

// VenueStatus is a point-in-time health report for one venue.
type VenueStatus struct {
	Venue        VenueID
	State        VenueState
	LastSequence uint64
	LastEventAt  int64 // unix millis of last accepted event, 0 if none
	Reconnects   int
}

// VenueInfo is the static registry entry for a venue: contract addresses and
// the cost model used when scoring opportunities against it.
type VenueInfo struct {
	ID      VenueID
	Factory common.Address
	Router  common.Address
	// FeeBps is the venue swap fee in basis points (30 = 0.30%).
	FeeBps float64
	// EstLatencyMs is the typical submit-to-inclusion latency, used only as
	// an arbitrage path tiebreaker.
	EstLatencyMs int64
	// Perps is true for liquidation venues; they emit LiquidationTrigger
	// events instead of pool events.
	Perps bool
}
