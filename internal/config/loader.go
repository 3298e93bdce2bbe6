package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SOLPILOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known SOLPILOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SOLPILOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SOLPILOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SOLPILOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SOLPILOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SOLPILOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SOLPILOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SOLPILOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SOLPILOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SOLPILOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SOLPILOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SOLPILOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SOLPILOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SOLPILOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SOLPILOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SOLPILOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SOLPILOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SOLPILOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SOLPILOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SOLPILOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SOLPILOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SOLPILOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SOLPILOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SOLPILOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SOLPILOT_S3_FORCE_PATH_STYLE")

	// ── Swap ──
	setStr(&cfg.Swap.QuoteHost, "SOLPILOT_SWAP_QUOTE_HOST")
	setStr(&cfg.Swap.SwapHost, "SOLPILOT_SWAP_SWAP_HOST")
	setStr(&cfg.Swap.SettlementMint, "SOLPILOT_SWAP_SETTLEMENT_MINT")
	setBool(&cfg.Swap.Simulation, "SOLPILOT_SWAP_SIMULATION")
	setInt(&cfg.Swap.TimeoutSec, "SOLPILOT_SWAP_TIMEOUT_SEC")
	setInt(&cfg.Swap.MaxRetries, "SOLPILOT_SWAP_MAX_RETRIES")
	setDuration(&cfg.Swap.RetryBackoff, "SOLPILOT_SWAP_RETRY_BACKOFF")
	setInt(&cfg.Swap.SlippageBps, "SOLPILOT_SWAP_SLIPPAGE_BPS")

	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "SOLPILOT_FEED_WS_URL")
	setDuration(&cfg.Feed.ReconnectMin, "SOLPILOT_FEED_RECONNECT_MIN")
	setDuration(&cfg.Feed.ReconnectMax, "SOLPILOT_FEED_RECONNECT_MAX")

	// ── Engine ──
	setStr(&cfg.Engine.Wallet, "SOLPILOT_ENGINE_WALLET")
	setDuration(&cfg.Engine.LockTTL, "SOLPILOT_ENGINE_LOCK_TTL")
	setDuration(&cfg.Engine.IdempotencyTTL, "SOLPILOT_ENGINE_IDEMPOTENCY_TTL")
	setInt(&cfg.Engine.DecisionBuffer, "SOLPILOT_ENGINE_DECISION_BUFFER")
	setStr(&cfg.Engine.TickChannel, "SOLPILOT_ENGINE_TICK_CHANNEL")
	setStr(&cfg.Engine.EventChannel, "SOLPILOT_ENGINE_EVENT_CHANNEL")
	setStr(&cfg.Engine.RetryStream, "SOLPILOT_ENGINE_RETRY_STREAM")
	setInt(&cfg.Engine.MaxParallelTokens, "SOLPILOT_ENGINE_MAX_PARALLEL_TOKENS")

	// ── Jobs ──
	setBool(&cfg.Jobs.Enabled, "SOLPILOT_JOBS_ENABLED")
	setStr(&cfg.Jobs.StaleCloseCron, "SOLPILOT_JOBS_STALE_CLOSE_CRON")
	setStr(&cfg.Jobs.LedgerRetryCron, "SOLPILOT_JOBS_LEDGER_RETRY_CRON")
	setStr(&cfg.Jobs.ArchiveCron, "SOLPILOT_JOBS_ARCHIVE_CRON")
	setInt(&cfg.Jobs.ArchiveRetentionDays, "SOLPILOT_JOBS_ARCHIVE_RETENTION_DAYS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SOLPILOT_MODE")
	setStr(&cfg.LogLevel, "SOLPILOT_LOG_LEVEL")
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
