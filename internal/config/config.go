// Package config defines the top-level configuration for the exchange ledger
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DEXLEDGER_* environment variables.
type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Observer  ObserverConfig  `toml:"observer"`
	Relay     RelayConfig     `toml:"relay"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Log       LogConfig       `toml:"log"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ChainConfig holds the Ethereum node endpoints and the exchange contract.
type ChainConfig struct {
	HTTPURL         string   `toml:"http_url"`
	WSURL           string   `toml:"ws_url"`
	ContractAddress string   `toml:"contract_address"`
	ConnectTimeout  duration `toml:"connect_timeout"`
	ReadTimeout     duration `toml:"read_timeout"`
}

// LedgerConfig holds admission policy parameters.
type LedgerConfig struct {
	BaseToken            string   `toml:"base_token"`
	SuspendedTokens      []string `toml:"suspended_tokens"`
	MaxOpenOrdersPerPair int      `toml:"max_open_orders_per_pair"`
	SortKeyPrecision     int      `toml:"sort_key_precision"`
}

// ReconcileConfig holds fill reconciliation and work queue parameters.
type ReconcileConfig struct {
	BatchSize     int      `toml:"batch_size"`
	MaxRetries    int      `toml:"max_retries"`
	RetryDelay    duration `toml:"retry_delay"`
	MaxRetryDelay duration `toml:"max_retry_delay"`
	Workers       int      `toml:"workers"`
	Stream        string   `toml:"stream"`
	Group         string   `toml:"group"`
	QueueCapacity int64    `toml:"queue_capacity"`
	ClaimIdle     duration `toml:"claim_idle"`
	MaxDeliveries int64    `toml:"max_deliveries"`
}

// ObserverConfig holds chain log subscription parameters.
type ObserverConfig struct {
	IdleTimeout    duration `toml:"idle_timeout"`
	PongTimeout    duration `toml:"pong_timeout"`
	ReconnectDelay duration `toml:"reconnect_delay"`
	HeightInterval duration `toml:"height_interval"`
	BackfillStep   int      `toml:"backfill_step"`
	ParkedStream   string   `toml:"parked_stream"`
	ReplayInterval duration `toml:"replay_interval"`
}

// RelayConfig holds the relay peer endpoints.
type RelayConfig struct {
	Servers        []string `toml:"servers"`
	ReconnectDelay duration `toml:"reconnect_delay"`
	PingInterval   duration `toml:"ping_interval"`
	MarketsPerPong int      `toml:"markets_per_pong"`
	// Tokens are the markets whose order books are requested in rotation.
	Tokens []string `toml:"tokens"`
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

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the periodic export of old trades and transfers.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`

	// SubmitLimit caps order submissions per client per minute; 0 disables.
	SubmitLimit int `toml:"submit_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// LogConfig controls optional rotating file output.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// DefaultContract is the exchange contract the ledger was built against.
const DefaultContract = "0x8d12a197cb00d4747a1fe03395095ce2a5cc6819"

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			HTTPURL:         "http://localhost:8545",
			WSURL:           "ws://localhost:8546",
			ContractAddress: DefaultContract,
			ConnectTimeout:  duration{5 * time.Second},
			ReadTimeout:     duration{15 * time.Second},
		},
		Ledger: LedgerConfig{
			BaseToken: "0x0000000000000000000000000000000000000000",
			SuspendedTokens: []string{
				"0x86fa049857e0209aa7d9e616f7eb3b3b78ecfdb0",
				"0x7e9e431a0b8c4d532c745b1043c7fa29a48d4fba",
				"0xa5fd1a791c4dfcaacc963d4f73c6ae5824149ea7",
			},
			MaxOpenOrdersPerPair: 10,
			SortKeyPrecision:     10,
		},
		Reconcile: ReconcileConfig{
			BatchSize:     250,
			MaxRetries:    3,
			RetryDelay:    duration{time.Second},
			MaxRetryDelay: duration{30 * time.Second},
			Workers:       8,
			Stream:        "dexledger:reconcile",
			Group:         "reconcilers",
			QueueCapacity: 100_000,
			ClaimIdle:     duration{2 * time.Minute},
			MaxDeliveries: 10,
		},
		Observer: ObserverConfig{
			IdleTimeout:    duration{20 * time.Second},
			PongTimeout:    duration{10 * time.Second},
			ReconnectDelay: duration{5 * time.Second},
			HeightInterval: duration{6 * time.Second},
			BackfillStep:   300,
			ParkedStream:   "dexledger:events:parked",
			ReplayInterval: duration{30 * time.Second},
		},
		Relay: RelayConfig{
			ReconnectDelay: duration{5 * time.Second},
			PingInterval:   duration{20 * time.Second},
			MarketsPerPong: 4,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "dexledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "dexledger-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 1 * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			SubmitLimit: 60,
		},
		Notify: NotifyConfig{
			Events:   []string{"reconcile_exhausted", "error"},
			Cooldown: duration{10 * time.Minute},
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"observe":  true,
	"relay":    true,
	"worker":   true,
	"backfill": true,
	"events":   true,
	"archive":  true,
	"full":     true,
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
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: observe, relay, worker, backfill, events, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.HTTPURL == "" {
		errs = append(errs, "chain: http_url must not be empty")
	}
	needsWS := c.Mode == "observe" || c.Mode == "full"
	if needsWS && c.Chain.WSURL == "" {
		errs = append(errs, "chain: ws_url is required for mode "+c.Mode)
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		errs = append(errs, fmt.Sprintf("chain: contract_address %q is not a hex address", c.Chain.ContractAddress))
	}

	// Ledger
	if !common.IsHexAddress(c.Ledger.BaseToken) {
		errs = append(errs, fmt.Sprintf("ledger: base_token %q is not a hex address", c.Ledger.BaseToken))
	}
	for _, tok := range c.Ledger.SuspendedTokens {
		if !common.IsHexAddress(tok) {
			errs = append(errs, fmt.Sprintf("ledger: suspended token %q is not a hex address", tok))
		}
	}
	if c.Ledger.MaxOpenOrdersPerPair < 1 {
		errs = append(errs, "ledger: max_open_orders_per_pair must be >= 1")
	}
	if c.Ledger.SortKeyPrecision < 1 {
		errs = append(errs, "ledger: sort_key_precision must be >= 1")
	}

	// Reconcile
	if c.Reconcile.BatchSize < 1 {
		errs = append(errs, "reconcile: batch_size must be >= 1")
	}
	if c.Reconcile.MaxRetries < 0 {
		errs = append(errs, "reconcile: max_retries must be >= 0")
	}
	if c.Reconcile.Workers < 1 {
		errs = append(errs, "reconcile: workers must be >= 1")
	}
	if c.Reconcile.Stream == "" || c.Reconcile.Group == "" {
		errs = append(errs, "reconcile: stream and group must not be empty")
	}
	if c.Reconcile.QueueCapacity < 0 {
		errs = append(errs, "reconcile: queue_capacity must be >= 0")
	}

	// Observer
	if c.Observer.BackfillStep < 1 {
		errs = append(errs, "observer: backfill_step must be >= 1")
	}
	if c.Observer.ParkedStream == "" {
		errs = append(errs, "observer: parked_stream must not be empty")
	}

	// Relay
	if c.Mode == "relay" && len(c.Relay.Servers) == 0 {
		errs = append(errs, "relay: at least one server is required for mode relay")
	}
	for _, tok := range c.Relay.Tokens {
		if !common.IsHexAddress(tok) {
			errs = append(errs, fmt.Sprintf("relay: token %q is not a hex address", tok))
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
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
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

	// Archive
	if c.Archive.Enabled || c.Mode == "archive" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.SubmitLimit < 0 {
			errs = append(errs, "server: submit_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
