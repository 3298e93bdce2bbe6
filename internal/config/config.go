// Package config defines the top-level configuration for the solpilot engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SOLPILOT_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Swap     SwapConfig     `toml:"swap"`
	Feed     FeedConfig     `toml:"feed"`
	Engine   EngineConfig   `toml:"engine"`
	Server   ServerConfig   `toml:"server"`
	Risk     RiskDefaults   `toml:"risk"`
	Jobs     JobsConfig     `toml:"jobs"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
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

// S3Config holds S3-compatible object storage parameters for the
// closed-position archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SwapConfig holds the swap aggregator endpoint and execution parameters.
type SwapConfig struct {
	QuoteHost      string   `toml:"quote_host"`
	SwapHost       string   `toml:"swap_host"`
	SettlementMint string   `toml:"settlement_mint"`
	Simulation     bool     `toml:"simulation"`
	TimeoutSec     int      `toml:"timeout_sec"`
	MaxRetries     int      `toml:"max_retries"`
	RetryBackoff   duration `toml:"retry_backoff"`
	SlippageBps    int      `toml:"slippage_bps"`
}

// FeedConfig holds the upstream price-feed websocket parameters. An empty
// Tokens list subscribes to every tick the upstream publishes.
type FeedConfig struct {
	WsURL        string   `toml:"ws_url"`
	Tokens       []string `toml:"tokens"`
	ReconnectMin duration `toml:"reconnect_min"`
	ReconnectMax duration `toml:"reconnect_max"`
}

// EngineConfig holds the evaluation / execution engine parameters.
type EngineConfig struct {
	Wallet             string   `toml:"wallet"`
	LockTTL            duration `toml:"lock_ttl"`
	IdempotencyTTL     duration `toml:"idempotency_ttl"`
	DecisionBuffer     int      `toml:"decision_buffer"`
	TickChannel        string   `toml:"tick_channel"`
	SignalChannel      string   `toml:"signal_channel"`
	EventChannel       string   `toml:"event_channel"`
	RetryStream        string   `toml:"retry_stream"`
	MaxParallelTokens  int      `toml:"max_parallel_tokens"`
	SolPriceUsdDefault float64  `toml:"sol_price_usd_default"`
}

// ServerConfig holds the admin HTTP API parameters.
type ServerConfig struct {
	Enabled    bool     `toml:"enabled"`
	Port       int      `toml:"port"`
	APIKey     string   `toml:"api_key"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// RiskDefaults holds the system-default risk policy merged under each
// agent's stored partial override.
type RiskDefaults struct {
	MaxPositionSol   float64 `toml:"max_position_sol"`
	MinPositionSol   float64 `toml:"min_position_sol"`
	MaxOpenPositions int     `toml:"max_open_positions"`

	StopLossEnabled bool    `toml:"stop_loss_enabled"`
	StopLossMode    string  `toml:"stop_loss_mode"`
	StopLossPercent float64 `toml:"stop_loss_percent"`

	DCAEnabled         bool    `toml:"dca_enabled"`
	DCAMaxCount        int     `toml:"dca_max_count"`
	DCACooldownSeconds int     `toml:"dca_cooldown_seconds"`
	DCADropPercents    []float64 `toml:"dca_drop_percents"`
	DCABuyPercents     []float64 `toml:"dca_buy_percents"`

	TakeProfitEnabled  bool      `toml:"take_profit_enabled"`
	TakeProfitTargets  []float64 `toml:"take_profit_targets"`
	TakeProfitSells    []float64 `toml:"take_profit_sells"`
	MoonBagEnabled     bool      `toml:"moon_bag_enabled"`
	MoonBagTriggerPct  float64   `toml:"moon_bag_trigger_pct"`
	MoonBagRetainPct   float64   `toml:"moon_bag_retain_pct"`

	StaleCloseEnabled  bool    `toml:"stale_close_enabled"`
	StaleMaxAgeHours   int     `toml:"stale_max_age_hours"`
	StaleMinPnlPercent float64 `toml:"stale_min_pnl_percent"`
}

// JobsConfig holds cron expressions for the background jobs.
type JobsConfig struct {
	Enabled              bool   `toml:"enabled"`
	StaleCloseCron       string `toml:"stale_close_cron"`
	LedgerRetryCron      string `toml:"ledger_retry_cron"`
	ArchiveCron          string `toml:"archive_cron"`
	ArchiveRetentionDays int    `toml:"archive_retention_days"`
}

// NotifyConfig holds operator alert channels. Senders with empty
// credentials are skipped; an empty Events list forwards every event.
type NotifyConfig struct {
	TelegramBotToken string   `toml:"telegram_bot_token"`
	TelegramChatID   string   `toml:"telegram_chat_id"`
	DiscordWebhook   string   `toml:"discord_webhook"`
	Events           []string `toml:"events"`
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
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "solpilot",
			User:          "postgres",
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
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "solpilot-history",
			ForcePathStyle: true,
		},
		Swap: SwapConfig{
			QuoteHost:      "https://quote-api.jup.ag",
			SwapHost:       "https://quote-api.jup.ag",
			SettlementMint: "So11111111111111111111111111111111111111112",
			Simulation:     true,
			TimeoutSec:     15,
			MaxRetries:     3,
			RetryBackoff:   duration{500 * time.Millisecond},
			SlippageBps:    100,
		},
		Feed: FeedConfig{
			ReconnectMin: duration{time.Second},
			ReconnectMax: duration{30 * time.Second},
		},
		Engine: EngineConfig{
			LockTTL:            duration{10 * time.Second},
			IdempotencyTTL:     duration{10 * time.Minute},
			DecisionBuffer:     256,
			TickChannel:        "ticks",
			SignalChannel:      "signals",
			EventChannel:       "positions",
			RetryStream:        "ledger_retries",
			MaxParallelTokens:  16,
			SolPriceUsdDefault: 0,
		},
		Server: ServerConfig{
			Enabled:    false,
			Port:       8080,
			RateLimit:  20,
			RateWindow: duration{time.Second},
		},
		Risk: RiskDefaults{
			MaxPositionSol:   1.0,
			MinPositionSol:   0.01,
			MaxOpenPositions: 10,

			StopLossEnabled: true,
			StopLossMode:    "fixed",
			StopLossPercent: 20,

			DCAEnabled:         false,
			DCAMaxCount:        2,
			DCACooldownSeconds: 300,
			DCADropPercents:    []float64{-20, -35},
			DCABuyPercents:     []float64{50, 50},

			TakeProfitEnabled: true,
			TakeProfitTargets: []float64{50, 100, 200},
			TakeProfitSells:   []float64{25, 25, 25},
			MoonBagEnabled:    false,
			MoonBagTriggerPct: 300,
			MoonBagRetainPct:  10,

			StaleCloseEnabled:  false,
			StaleMaxAgeHours:   72,
			StaleMinPnlPercent: -5,
		},
		Jobs: JobsConfig{
			Enabled:              true,
			StaleCloseCron:       "*/10 * * * *",
			LedgerRetryCron:      "* * * * *",
			ArchiveCron:          "0 3 * * *",
			ArchiveRetentionDays: 90,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":  true,
	"monitor": true,
	"feed":    true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var problems []string

	if !validModes[strings.ToLower(c.Mode)] {
		problems = append(problems, fmt.Sprintf("mode %q is not one of engine|monitor|feed|full", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		problems = append(problems, fmt.Sprintf("log_level %q is not one of debug|info|warn|error", c.LogLevel))
	}

	if c.Postgres.DSN == "" {
		if c.Postgres.Host == "" {
			problems = append(problems, "postgres.host is required when postgres.dsn is empty")
		}
		if c.Postgres.Database == "" {
			problems = append(problems, "postgres.database is required when postgres.dsn is empty")
		}
		if c.Postgres.User == "" {
			problems = append(problems, "postgres.user is required when postgres.dsn is empty")
		}
	}

	if c.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required")
	}

	if c.Engine.LockTTL.Duration <= 0 {
		problems = append(problems, "engine.lock_ttl must be positive")
	}
	if c.Engine.IdempotencyTTL.Duration < c.Engine.LockTTL.Duration {
		problems = append(problems, "engine.idempotency_ttl must not be shorter than engine.lock_ttl")
	}
	if c.Engine.DecisionBuffer <= 0 {
		problems = append(problems, "engine.decision_buffer must be positive")
	}

	mode := strings.ToLower(c.Mode)
	if (mode == "feed" || mode == "full") && c.Feed.WsURL == "" {
		problems = append(problems, "feed.ws_url is required in feed/full mode")
	}

	if len(c.Risk.DCADropPercents) != len(c.Risk.DCABuyPercents) {
		problems = append(problems, "risk.dca_drop_percents and risk.dca_buy_percents must have equal length")
	}
	if len(c.Risk.TakeProfitTargets) != len(c.Risk.TakeProfitSells) {
		problems = append(problems, "risk.take_profit_targets and risk.take_profit_sells must have equal length")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		problems = append(problems, "server.port must be a valid TCP port when server.enabled")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			problems = append(problems, "s3.bucket is required when s3.enabled")
		}
		if c.S3.Region == "" {
			problems = append(problems, "s3.region is required when s3.enabled")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
