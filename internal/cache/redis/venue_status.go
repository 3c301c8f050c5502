package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atalantalabs/atalanta/internal/domain"
)

const venueStatusKey = "venue:status"

// VenueStatusCache publishes per-venue health into a single Redis hash, one
// JSON field per venue, for external monitors and the health endpoint of
// sibling processes.
type VenueStatusCache struct {
	rdb *redis.Client
}

func NewVenueStatusCache(c *Client) *VenueStatusCache {
	return &VenueStatusCache{rdb: c.Underlying()}
}

func (vc *VenueStatusCache) Set(ctx context.Context, status domain.VenueStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("redis: marshal venue status: %w", err)
	}
	if err := vc.rdb.HSet(ctx, venueStatusKey, string(status.Venue), raw).Err(); err != nil {
		return fmt.Errorf("redis: set venue status %s: %w", status.Venue, err)
	}
	return nil
}

func (vc *VenueStatusCache) Get(ctx context.Context, venue domain.VenueID) (domain.VenueStatus, error) {
	raw, err := vc.rdb.HGet(ctx, venueStatusKey, string(venue)).Result()
	if err == redis.Nil {
		return domain.VenueStatus{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.VenueStatus{}, fmt.Errorf("redis: get venue status %s: %w", venue, err)
	}
	var status domain.VenueStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return domain.VenueStatus{}, fmt.Errorf("redis: decode venue status %s: %w", venue, err)
	}
	return status, nil
}

func (vc *VenueStatusCache) All(ctx context.Context) ([]domain.VenueStatus, error) {
	vals, err := vc.rdb.HGetAll(ctx, venueStatusKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list venue status: %w", err)
	}
	out := make([]domain.VenueStatus, 0, len(vals))
	for venue, raw := range vals {
		var status domain.VenueStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			return nil, fmt.Errorf("redis: decode venue status %s: %w", venue, err)
		}
		out = append(out, status)
	}
	return out, nil
}

var _ domain.VenueStatusCache = (*VenueStatusCache)(nil)
