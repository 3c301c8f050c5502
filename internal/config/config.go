// Package config defines the top-level configuration for the atalanta
// opportunity engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ATALANTA_* environment variables.
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Venues   []VenueConfig  `toml:"venues"`
	Feed     FeedConfig     `toml:"feed"`
	Detect   DetectConfig   `toml:"detect"`
	Risk     RiskConfig     `toml:"risk"`
	Exec     ExecConfig     `toml:"exec"`
	Signer   SignerConfig   `toml:"signer"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig holds MegaETH endpoints and chain parameters.
type ChainConfig struct {
	RPCURL  string `toml:"rpc_url"`
	WSURL   string `toml:"ws_url"`
	ChainID int64  `toml:"chain_id"`
	// WETH is the canonical wrapped native token all pairs are quoted in.
	WETH string `toml:"weth"`
}

// VenueConfig describes one liquidity venue the engine watches.
type VenueConfig struct {
	ID           string  `toml:"id"`
	Factory      string  `toml:"factory"`
	Router       string  `toml:"router"`
	FeeBps       float64 `toml:"fee_bps"`
	EstLatencyMs int64   `toml:"est_latency_ms"`
	Perps        bool    `toml:"perps"`
	// WSURL overrides the chain-level websocket endpoint for this venue's
	// subscriptions when set.
	WSURL string `toml:"ws_url"`
	// TrackLaunches marks the venue's factory as a snipe source.
	TrackLaunches bool `toml:"track_launches"`
}

// FeedConfig holds feed adapter reconnection and resync parameters.
type FeedConfig struct {
	ReconnectBase    duration `toml:"reconnect_base"`
	ReconnectMax     duration `toml:"reconnect_max"`
	ReconnectBudget  int      `toml:"reconnect_budget"`
	ResyncTimeout    duration `toml:"resync_timeout"`
	// ResyncMaxBlocks bounds gap replay: wider gaps fall back to a full
	// reserve refetch instead of log replay.
	ResyncMaxBlocks  uint64   `toml:"resync_max_blocks"`
	HealthProbeEvery duration `toml:"health_probe_every"`
}

// DetectConfig holds opportunity detection thresholds.
type DetectConfig struct {
	// MinProfitBps is the minimum net arbitrage margin (50 = 0.5%).
	MinProfitBps float64 `toml:"min_profit_bps"`
	// PriceMoveTriggerBps bounds re-evaluation: deltas smaller than this do
	// not wake the arbitrage strategy.
	PriceMoveTriggerBps float64 `toml:"price_move_trigger_bps"`
	// SnipeBudgetETH sizes candidate snipe buys.
	SnipeBudgetETH float64 `toml:"snipe_budget_eth"`
	// ArbSizeETH is the probe trade size for arbitrage margin estimates.
	ArbSizeETH       float64  `toml:"arb_size_eth"`
	MinTradeETH      float64  `toml:"min_trade_eth"`
	DefaultSlipBps   float64  `toml:"default_slippage_bps"`
	MaxSlipBps       float64  `toml:"max_slippage_bps"`
	OpportunityTTL   duration `toml:"opportunity_ttl"`
	MinConfidence    int      `toml:"min_confidence"`
	RecentWindowSize int      `toml:"recent_window_size"`
	Blacklist        []string `toml:"blacklist"`
	Whitelist        []string `toml:"whitelist"`
}

// RiskConfig holds safety evaluator thresholds.
type RiskConfig struct {
	EvalTimeout        duration `toml:"eval_timeout"`
	ExecLatencyBudget  duration `toml:"exec_latency_budget"`
	MinLiquidityETH    float64  `toml:"min_liquidity_eth"`
	MaxTopHolderShare  float64  `toml:"max_top_holder_share"`
	MaxDevWalletShare  float64  `toml:"max_dev_wallet_share"`
	MaxSellTaxBps      float64  `toml:"max_sell_tax_bps"`
	MinContractAgeSafe float64  `toml:"min_contract_age_safe_hours"`
}

// ExecConfig holds execution coordinator parameters.
type ExecConfig struct {
	WalletLane string `toml:"wallet_lane"`
	// Recipient is the lane's receiving address; swap output and liquidation
	// proceeds land here.
	Recipient       string   `toml:"recipient"`
	SubmitTimeout   duration `toml:"submit_timeout"`
	ReconcileEvery  duration `toml:"reconcile_every"`
	GasLimit        uint64   `toml:"gas_limit"`
	MaxGasPriceGwei float64  `toml:"max_gas_price_gwei"`
	GasMultiplier   float64  `toml:"gas_multiplier"`
	// DistributedLock enables the Redis wallet-lane lock guarding against a
	// second engine instance on the same lane.
	DistributedLock bool `toml:"distributed_lock"`
}

// SignerConfig holds the external wallet-signing collaborator endpoint. The
// engine never holds a chain private key; it authenticates to the signer
// service with an API token.
type SignerConfig struct {
	BaseURL  string   `toml:"base_url"`
	APIToken string   `toml:"api_token"`
	// EncryptedTokenPath points at a credential file produced by
	// `atalanta encrypt-token`; used when APIToken is empty.
	EncryptedTokenPath string   `toml:"encrypted_token_path"`
	TokenPassword      string   `toml:"token_password"`
	RequestTimeout     duration `toml:"request_timeout"`
	// HMACKeyID/HMACSecret enable per-request HMAC signing toward the
	// signer service when both are set.
	HMACKeyID  string `toml:"hmac_key_id"`
	HMACSecret string `toml:"hmac_secret"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is the per-client request budget per second; zero disables
	// API rate limiting.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:  "https://rpc.megaeth.com",
			WSURL:   "wss://ws.megaeth.com",
			ChainID: 534352,
			WETH:    "0x4200000000000000000000000000000000000006",
		},
		Venues: []VenueConfig{
			{
				ID:            "kumbaya",
				Factory:       "0x53447989580f541bc138d29A0FcCf72AfbBE1355",
				Router:        "0x8268DC930BA98759E916DEd4c9F367A844814023",
				FeeBps:        30,
				EstLatencyMs:  40,
				TrackLaunches: true,
			},
			{
				ID:           "prismfi",
				FeeBps:       25,
				EstLatencyMs: 60,
			},
		},
		Feed: FeedConfig{
			ReconnectBase:    duration{500 * time.Millisecond},
			ReconnectMax:     duration{30 * time.Second},
			ReconnectBudget:  10,
			ResyncTimeout:    duration{10 * time.Second},
			ResyncMaxBlocks:  256,
			HealthProbeEvery: duration{time.Minute},
		},
		Detect: DetectConfig{
			MinProfitBps:        50,
			PriceMoveTriggerBps: 10,
			SnipeBudgetETH:      0.05,
			ArbSizeETH:          0.1,
			MinTradeETH:         0.001,
			DefaultSlipBps:      200,
			MaxSlipBps:          1000,
			OpportunityTTL:      duration{3 * time.Second},
			MinConfidence:       40,
			RecentWindowSize:    100,
		},
		Risk: RiskConfig{
			EvalTimeout:        duration{800 * time.Millisecond},
			ExecLatencyBudget:  duration{500 * time.Millisecond},
			MinLiquidityETH:    0.5,
			MaxTopHolderShare:  0.6,
			MaxDevWalletShare:  0.25,
			MaxSellTaxBps:      1000,
			MinContractAgeSafe: 24,
		},
		Exec: ExecConfig{
			WalletLane:      "lane-0",
			SubmitTimeout:   duration{5 * time.Second},
			ReconcileEvery:  duration{10 * time.Second},
			GasLimit:        300_000,
			MaxGasPriceGwei: 50,
			GasMultiplier:   1.1,
			DistributedLock: false,
		},
		Signer: SignerConfig{
			BaseURL:        "http://localhost:7420",
			RequestTimeout: duration{4 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "atalanta",
			User:          "atalanta",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "atalanta-archive",
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Server: ServerConfig{
			Enabled:     true,
			RateLimit:   20,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity", "execution", "venue_down", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"monitor": true,
	"detect":  true,
	"server":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, monitor, detect, server)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.WSURL == "" {
		errs = append(errs, "chain: ws_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if !isHexAddress(c.Chain.WETH) {
		errs = append(errs, fmt.Sprintf("chain: weth %q is not a valid address", c.Chain.WETH))
	}

	// Venues
	if len(c.Venues) == 0 {
		errs = append(errs, "venues: at least one venue must be configured")
	}
	seen := map[string]bool{}
	launchSource := false
	for _, v := range c.Venues {
		if v.ID == "" {
			errs = append(errs, "venues: id must not be empty")
			continue
		}
		if seen[v.ID] {
			errs = append(errs, fmt.Sprintf("venues: duplicate id %q", v.ID))
		}
		seen[v.ID] = true
		if !v.Perps && v.Factory != "" && !isHexAddress(v.Factory) {
			errs = append(errs, fmt.Sprintf("venues: %s factory %q is not a valid address", v.ID, v.Factory))
		}
		if v.FeeBps < 0 || v.FeeBps > 1000 {
			errs = append(errs, fmt.Sprintf("venues: %s fee_bps must be 0-1000, got %g", v.ID, v.FeeBps))
		}
		if v.TrackLaunches {
			launchSource = true
			if v.Factory == "" {
				errs = append(errs, fmt.Sprintf("venues: %s tracks launches but has no factory address", v.ID))
			}
		}
	}
	_ = launchSource // snipe detection simply stays idle without one

	// Feed
	if c.Feed.ReconnectBase.Duration <= 0 {
		errs = append(errs, "feed: reconnect_base must be > 0")
	}
	if c.Feed.ReconnectMax.Duration < c.Feed.ReconnectBase.Duration {
		errs = append(errs, "feed: reconnect_max must be >= reconnect_base")
	}
	if c.Feed.ReconnectBudget < 1 {
		errs = append(errs, "feed: reconnect_budget must be >= 1")
	}

	// Detect
	if c.Detect.MinProfitBps <= 0 {
		errs = append(errs, "detect: min_profit_bps must be > 0")
	}
	if c.Detect.SnipeBudgetETH <= 0 {
		errs = append(errs, "detect: snipe_budget_eth must be > 0")
	}
	if c.Detect.ArbSizeETH <= 0 {
		errs = append(errs, "detect: arb_size_eth must be > 0")
	}
	if c.Detect.DefaultSlipBps <= 0 || c.Detect.DefaultSlipBps > c.Detect.MaxSlipBps {
		errs = append(errs, "detect: default_slippage_bps must be > 0 and <= max_slippage_bps")
	}
	if c.Detect.OpportunityTTL.Duration <= 0 {
		errs = append(errs, "detect: opportunity_ttl must be > 0")
	}

	// Risk
	if c.Risk.EvalTimeout.Duration <= 0 {
		errs = append(errs, "risk: eval_timeout must be > 0")
	}
	if c.Risk.MinLiquidityETH <= 0 {
		errs = append(errs, "risk: min_liquidity_eth must be > 0")
	}
	if c.Risk.MaxTopHolderShare <= 0 || c.Risk.MaxTopHolderShare > 1 {
		errs = append(errs, "risk: max_top_holder_share must be in (0, 1]")
	}

	// Exec
	if c.Exec.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "exec: submit_timeout must be > 0")
	}
	if c.Exec.GasLimit == 0 {
		errs = append(errs, "exec: gas_limit must be > 0")
	}
	if c.Exec.MaxGasPriceGwei <= 0 {
		errs = append(errs, "exec: max_gas_price_gwei must be > 0")
	}
	if c.Exec.WalletLane == "" {
		errs = append(errs, "exec: wallet_lane must not be empty")
	}
	if c.Exec.Recipient != "" && !isHexAddress(c.Exec.Recipient) {
		errs = append(errs, "exec: recipient must be a hex address")
	}

	// Signer — required for modes that execute.
	if c.Mode == "full" {
		if c.Exec.Recipient == "" {
			errs = append(errs, "exec: recipient is required for mode full")
		}
		if c.Signer.BaseURL == "" {
			errs = append(errs, "signer: base_url is required for mode full")
		}
		if c.Signer.APIToken == "" && c.Signer.EncryptedTokenPath == "" {
			errs = append(errs, "signer: either api_token or encrypted_token_path must be set for mode full")
		}
		if c.Signer.EncryptedTokenPath != "" && c.Signer.TokenPassword == "" {
			errs = append(errs, "signer: token_password is required when encrypted_token_path is set")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isHexAddress reports whether s looks like a 0x-prefixed 20-byte hex address.
func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
