// Package postgres persists execution records, opportunity history, and the
// audit log via pgx. Persistence is observability for the engine: write
// failures are reported to callers but must never gate the execution path.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atalantalabs/atalanta/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DSN builds a connection string from cfg, preferring an explicit DSN.
func DSN(cfg config.PostgresConfig) string {
	if strings.TrimSpace(cfg.DSN) != "" {
		return cfg.DSN
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Database, sslMode)
}

// Client wraps a pgxpool.Pool and owns schema migrations.
type Client struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.PoolMaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.PoolMaxConns)
	}
	if cfg.PoolMinConns > 0 {
		poolCfg.MinConns = int32(cfg.PoolMinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() {
	c.pool.Close()
}

// RunMigrations applies embedded SQL files in lexicographic order, tracking
// applied files in schema_migrations. Each migration runs in its own
// transaction.
func (c *Client) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := c.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var applied bool
		if err := c.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		tx, err := c.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name(),
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}
