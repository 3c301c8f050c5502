package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// priceTTL bounds staleness for external readers. The engine never reads
// prices back from Redis; it owns the in-memory snapshot store.
const priceTTL = 5 * time.Minute

// PriceCache mirrors the latest per-pair price into Redis hashes at
// "price:{venue}:{pair}" so dashboards and secondary processes can read it.
type PriceCache struct {
	rdb *redis.Client
}

func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(key domain.PairKey) string {
	return "price:" + string(key.Venue) + ":" + strings.ToLower(key.Pair.Hex())
}

func (pc *PriceCache) SetPrice(ctx context.Context, key domain.PairKey, price float64, ts time.Time) error {
	k := priceKey(key)
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixMilli(), 10),
	}
	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, k, fields)
	pipe.Expire(ctx, k, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", k, err)
	}
	return nil
}

// GetPrice returns domain.ErrNotFound when no price has been published for
// the pair or the entry expired.
func (pc *PriceCache) GetPrice(ctx context.Context, key domain.PairKey) (float64, time.Time, error) {
	k := priceKey(key)
	vals, err := pc.rdb.HGetAll(ctx, k).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", k, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	price, err := strconv.ParseFloat(vals["price"], 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", k, err)
	}
	tsMilli, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", k, err)
	}
	return price, time.UnixMilli(tsMilli), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
