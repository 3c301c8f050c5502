package domain

import (
	"context"
	"time"
)

// PriceCache exposes the latest per-pair price to the API surface. It mirrors
// the market store for readers outside the engine process; the engine itself
// reads snapshots directly.
type PriceCache interface {
	SetPrice(ctx context.Context, key PairKey, price float64, ts time.Time) error
	GetPrice(ctx context.Context, key PairKey) (float64, time.Time, error)
}

// VenueStatusCache publishes per-venue health for external monitors.
type VenueStatusCache interface {
	Set(ctx context.Context, status VenueStatus) error
	Get(ctx context.Context, venue VenueID) (VenueStatus, error)
	All(ctx context.Context) ([]VenueStatus, error)
}

// RateLimiter provides distributed rate limiting for the API surface.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. The execution coordinator holds
// its own in-process key locks; this guards against a second engine instance
// sharing the same wallet lane.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out of engine events (opportunities,
// executions, venue status) to the ws hub and notifier.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
