package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ATALANTA_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ATALANTA_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "ATALANTA_CHAIN_RPC_URL")
	setStr(&cfg.Chain.WSURL, "ATALANTA_CHAIN_WS_URL")
	setInt64(&cfg.Chain.ChainID, "ATALANTA_CHAIN_ID")
	setStr(&cfg.Chain.WETH, "ATALANTA_CHAIN_WETH")

	// ── Signer ──
	setStr(&cfg.Signer.BaseURL, "ATALANTA_SIGNER_BASE_URL")
	setStr(&cfg.Signer.APIToken, "ATALANTA_SIGNER_API_TOKEN")
	setStr(&cfg.Signer.EncryptedTokenPath, "ATALANTA_SIGNER_ENCRYPTED_TOKEN_PATH")
	setStr(&cfg.Signer.TokenPassword, "ATALANTA_SIGNER_TOKEN_PASSWORD")
	setDuration(&cfg.Signer.RequestTimeout, "ATALANTA_SIGNER_REQUEST_TIMEOUT")
	setStr(&cfg.Signer.HMACKeyID, "ATALANTA_SIGNER_HMAC_KEY_ID")
	setStr(&cfg.Signer.HMACSecret, "ATALANTA_SIGNER_HMAC_SECRET")

	// ── Feed ──
	setDuration(&cfg.Feed.ReconnectBase, "ATALANTA_FEED_RECONNECT_BASE")
	setDuration(&cfg.Feed.ReconnectMax, "ATALANTA_FEED_RECONNECT_MAX")
	setInt(&cfg.Feed.ReconnectBudget, "ATALANTA_FEED_RECONNECT_BUDGET")
	setDuration(&cfg.Feed.ResyncTimeout, "ATALANTA_FEED_RESYNC_TIMEOUT")

	// ── Detect ──
	setFloat64(&cfg.Detect.MinProfitBps, "ATALANTA_DETECT_MIN_PROFIT_BPS")
	setFloat64(&cfg.Detect.PriceMoveTriggerBps, "ATALANTA_DETECT_PRICE_MOVE_TRIGGER_BPS")
	setFloat64(&cfg.Detect.SnipeBudgetETH, "ATALANTA_DETECT_SNIPE_BUDGET_ETH")
	setFloat64(&cfg.Detect.ArbSizeETH, "ATALANTA_DETECT_ARB_SIZE_ETH")
	setFloat64(&cfg.Detect.DefaultSlipBps, "ATALANTA_DETECT_DEFAULT_SLIPPAGE_BPS")
	setFloat64(&cfg.Detect.MaxSlipBps, "ATALANTA_DETECT_MAX_SLIPPAGE_BPS")
	setDuration(&cfg.Detect.OpportunityTTL, "ATALANTA_DETECT_OPPORTUNITY_TTL")
	setInt(&cfg.Detect.MinConfidence, "ATALANTA_DETECT_MIN_CONFIDENCE")

	// ── Risk ──
	setDuration(&cfg.Risk.EvalTimeout, "ATALANTA_RISK_EVAL_TIMEOUT")
	setDuration(&cfg.Risk.ExecLatencyBudget, "ATALANTA_RISK_EXEC_LATENCY_BUDGET")
	setFloat64(&cfg.Risk.MinLiquidityETH, "ATALANTA_RISK_MIN_LIQUIDITY_ETH")
	setFloat64(&cfg.Risk.MaxTopHolderShare, "ATALANTA_RISK_MAX_TOP_HOLDER_SHARE")
	setFloat64(&cfg.Risk.MaxSellTaxBps, "ATALANTA_RISK_MAX_SELL_TAX_BPS")

	// ── Exec ──
	setStr(&cfg.Exec.WalletLane, "ATALANTA_EXEC_WALLET_LANE")
	setStr(&cfg.Exec.Recipient, "ATALANTA_EXEC_RECIPIENT")
	setDuration(&cfg.Exec.SubmitTimeout, "ATALANTA_EXEC_SUBMIT_TIMEOUT")
	setDuration(&cfg.Exec.ReconcileEvery, "ATALANTA_EXEC_RECONCILE_EVERY")
	setFloat64(&cfg.Exec.MaxGasPriceGwei, "ATALANTA_EXEC_MAX_GAS_PRICE_GWEI")
	setBool(&cfg.Exec.DistributedLock, "ATALANTA_EXEC_DISTRIBUTED_LOCK")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ATALANTA_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ATALANTA_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ATALANTA_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ATALANTA_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ATALANTA_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ATALANTA_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ATALANTA_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ATALANTA_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ATALANTA_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ATALANTA_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ATALANTA_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ATALANTA_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ATALANTA_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ATALANTA_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ATALANTA_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ATALANTA_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ATALANTA_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ATALANTA_S3_REGION")
	setStr(&cfg.S3.Bucket, "ATALANTA_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ATALANTA_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ATALANTA_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ATALANTA_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ATALANTA_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "ATALANTA_S3_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ATALANTA_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ATALANTA_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ATALANTA_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ATALANTA_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ATALANTA_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ATALANTA_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ATALANTA_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ATALANTA_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ATALANTA_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ATALANTA_MODE")
	setStr(&cfg.LogLevel, "ATALANTA_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
