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
// built-in defaults, applies DEXLEDGER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DEXLEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.HTTPURL, "DEXLEDGER_CHAIN_HTTP_URL")
	setStr(&cfg.Chain.WSURL, "DEXLEDGER_CHAIN_WS_URL")
	setStr(&cfg.Chain.ContractAddress, "DEXLEDGER_CHAIN_CONTRACT_ADDRESS")
	setDuration(&cfg.Chain.ConnectTimeout, "DEXLEDGER_CHAIN_CONNECT_TIMEOUT")
	setDuration(&cfg.Chain.ReadTimeout, "DEXLEDGER_CHAIN_READ_TIMEOUT")

	// ── Ledger ──
	setStr(&cfg.Ledger.BaseToken, "DEXLEDGER_LEDGER_BASE_TOKEN")
	setStringSlice(&cfg.Ledger.SuspendedTokens, "DEXLEDGER_LEDGER_SUSPENDED_TOKENS")
	setInt(&cfg.Ledger.MaxOpenOrdersPerPair, "DEXLEDGER_LEDGER_MAX_OPEN_ORDERS_PER_PAIR")

	// ── Reconcile ──
	setInt(&cfg.Reconcile.BatchSize, "DEXLEDGER_RECONCILE_BATCH_SIZE")
	setInt(&cfg.Reconcile.MaxRetries, "DEXLEDGER_RECONCILE_MAX_RETRIES")
	setDuration(&cfg.Reconcile.RetryDelay, "DEXLEDGER_RECONCILE_RETRY_DELAY")
	setDuration(&cfg.Reconcile.MaxRetryDelay, "DEXLEDGER_RECONCILE_MAX_RETRY_DELAY")
	setInt(&cfg.Reconcile.Workers, "DEXLEDGER_RECONCILE_WORKERS")
	setStr(&cfg.Reconcile.Stream, "DEXLEDGER_RECONCILE_STREAM")
	setStr(&cfg.Reconcile.Group, "DEXLEDGER_RECONCILE_GROUP")
	setInt64(&cfg.Reconcile.QueueCapacity, "DEXLEDGER_RECONCILE_QUEUE_CAPACITY")
	setDuration(&cfg.Reconcile.ClaimIdle, "DEXLEDGER_RECONCILE_CLAIM_IDLE")
	setInt64(&cfg.Reconcile.MaxDeliveries, "DEXLEDGER_RECONCILE_MAX_DELIVERIES")

	// ── Observer ──
	setDuration(&cfg.Observer.IdleTimeout, "DEXLEDGER_OBSERVER_IDLE_TIMEOUT")
	setDuration(&cfg.Observer.PongTimeout, "DEXLEDGER_OBSERVER_PONG_TIMEOUT")
	setDuration(&cfg.Observer.ReconnectDelay, "DEXLEDGER_OBSERVER_RECONNECT_DELAY")
	setDuration(&cfg.Observer.HeightInterval, "DEXLEDGER_OBSERVER_HEIGHT_INTERVAL")
	setInt(&cfg.Observer.BackfillStep, "DEXLEDGER_OBSERVER_BACKFILL_STEP")
	setStr(&cfg.Observer.ParkedStream, "DEXLEDGER_OBSERVER_PARKED_STREAM")
	setDuration(&cfg.Observer.ReplayInterval, "DEXLEDGER_OBSERVER_REPLAY_INTERVAL")

	// ── Relay ──
	setStringSlice(&cfg.Relay.Servers, "DEXLEDGER_RELAY_SERVERS")
	setDuration(&cfg.Relay.ReconnectDelay, "DEXLEDGER_RELAY_RECONNECT_DELAY")
	setDuration(&cfg.Relay.PingInterval, "DEXLEDGER_RELAY_PING_INTERVAL")
	setInt(&cfg.Relay.MarketsPerPong, "DEXLEDGER_RELAY_MARKETS_PER_PONG")
	setStringSlice(&cfg.Relay.Tokens, "DEXLEDGER_RELAY_TOKENS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DEXLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "DEXLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DEXLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DEXLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DEXLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DEXLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DEXLEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DEXLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DEXLEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DEXLEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DEXLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DEXLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DEXLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DEXLEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DEXLEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DEXLEDGER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "DEXLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DEXLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "DEXLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DEXLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DEXLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "DEXLEDGER_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "DEXLEDGER_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "DEXLEDGER_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "DEXLEDGER_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "DEXLEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DEXLEDGER_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "DEXLEDGER_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "DEXLEDGER_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.SubmitLimit, "DEXLEDGER_SERVER_SUBMIT_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DEXLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DEXLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DEXLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DEXLEDGER_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "DEXLEDGER_NOTIFY_COOLDOWN")

	// ── Log ──
	setStr(&cfg.Log.File, "DEXLEDGER_LOG_FILE")
	setInt(&cfg.Log.MaxSizeMB, "DEXLEDGER_LOG_MAX_SIZE_MB")

	// ── Top-level ──
	setStr(&cfg.Mode, "DEXLEDGER_MODE")
	setStr(&cfg.LogLevel, "DEXLEDGER_LOG_LEVEL")
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
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
