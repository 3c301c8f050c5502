package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/atalantalabs/atalanta/internal/blob/s3"
	"github.com/atalantalabs/atalanta/internal/cache/redis"
	"github.com/atalantalabs/atalanta/internal/config"
	"github.com/atalantalabs/atalanta/internal/domain"
	"github.com/atalantalabs/atalanta/internal/notify"
	"github.com/atalantalabs/atalanta/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the operating modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores (nil in modes without persistence)
	ExecutionStore   domain.ExecutionStore
	OpportunityStore domain.OpportunityStore
	AuditStore       domain.AuditStore

	// Redis
	PriceCache       domain.PriceCache
	VenueStatusCache domain.VenueStatusCache
	RateLimiter      domain.RateLimiter
	LockManager      domain.LockManager
	SignalBus        domain.SignalBus

	// Blob storage (nil in modes without archival)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Raw clients for health probes.
	Postgres *postgres.Client
	Redis    *redis.Client
	S3       *s3blob.Client
}

// needsPostgres returns true for modes that persist execution history.
func needsPostgres(mode string) bool {
	switch mode {
	case "full", "server":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that archive aged history.
func needsS3(mode string) bool {
	switch mode {
	case "full", "server":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (only for modes that need persistence) ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Postgres = pgClient
		deps.ExecutionStore = postgres.NewExecutionStore(pool)
		deps.OpportunityStore = postgres.NewOpportunityStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.VenueStatusCache = redis.NewVenueStatusCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (only for modes that archive) ---
	if needsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.S3 = s3Client
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		// Archiver needs the stores with ListBefore plus the audit trail.
		if deps.ExecutionStore != nil && deps.OpportunityStore != nil && deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(
				deps.BlobWriter,
				deps.BlobReader,
				deps.ExecutionStore,
				deps.OpportunityStore,
				deps.AuditStore,
			)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
