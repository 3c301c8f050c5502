// Package redis implements the domain cache, lock, and signal-bus interfaces
// using go-redis/v9. Redis is a shared convenience surface for external
// readers and the cross-instance lane lock; the engine's hot path never
// blocks on it.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atalantalabs/atalanta/internal/config"
)

// Client wraps a go-redis Client shared by the cache implementations.
type Client struct {
	rdb *redis.Client
}

// New connects and pings. A failed ping is a hard error: the caller decides
// whether Redis is optional for its mode.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping checks connectivity for the health surface.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the raw driver to the cache implementations.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
