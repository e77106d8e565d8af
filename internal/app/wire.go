package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/dexledger/internal/blob/s3"
	"github.com/alanyoungcy/dexledger/internal/cache/redis"
	"github.com/alanyoungcy/dexledger/internal/chain"
	"github.com/alanyoungcy/dexledger/internal/config"
	"github.com/alanyoungcy/dexledger/internal/domain"
	"github.com/alanyoungcy/dexledger/internal/metrics"
	"github.com/alanyoungcy/dexledger/internal/notify"
	"github.com/alanyoungcy/dexledger/internal/pipeline"
	"github.com/alanyoungcy/dexledger/internal/reconcile"
	"github.com/alanyoungcy/dexledger/internal/recorder"
	"github.com/alanyoungcy/dexledger/internal/store/postgres"
	"github.com/alanyoungcy/dexledger/internal/validate"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	// Storage
	Postgres  *postgres.Client
	Orders    *postgres.OrderStore
	Trades    *postgres.TradeStore
	Transfers *postgres.TransferStore
	Cursors   *postgres.CursorStore

	// Redis
	Redis       *redis.Client
	Queue       *redis.ReconcileQueue
	Parked      *redis.ParkedLogs
	Leases      *redis.Leases
	RateLimiter *redis.RateLimiter

	// Chain; nil in archive mode
	Chain      *chain.Client
	Contract   *chain.Contract
	Timestamps *chain.Timestamps
	Heights    *chain.HeightTracker

	// Ledger
	Validator  *validate.Validator
	Recorder   *recorder.Recorder
	Reconciler *reconcile.Reconciler
	Ingestor   *pipeline.Ingestor
	Events     *pipeline.EventSync

	// Cold storage; nil unless archiving
	S3      *s3blob.Client
	Archive *s3blob.Archive

	Notifier *notify.Notifier
}

func needsChain(mode string) bool { return mode != "archive" }

func needsS3(cfg *config.Config) bool {
	return cfg.Mode == "archive" || (cfg.Mode == "full" && cfg.Archive.Enabled)
}

// Wire constructs all concrete implementations from cfg and returns them
// with a cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Registry: prometheus.NewRegistry()}
	deps.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Metrics = metrics.New(deps.Registry)

	contract := common.HexToAddress(cfg.Chain.ContractAddress)
	baseToken := common.HexToAddress(cfg.Ledger.BaseToken)

	// --- PostgreSQL ---
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pg.Close)
	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}
	deps.Postgres = pg
	deps.Orders = postgres.NewOrderStore(pg.Pool())
	deps.Trades = postgres.NewTradeStore(pg.Pool())
	deps.Transfers = postgres.NewTransferStore(pg.Pool())
	deps.Cursors = postgres.NewCursorStore(pg.Pool())

	// --- Redis ---
	rc, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = rc.Close() })
	deps.Redis = rc
	deps.Leases = redis.NewLeases(rc)
	deps.RateLimiter = redis.NewRateLimiter(rc)
	deps.Parked = redis.NewParkedLogs(rc, cfg.Observer.ParkedStream, logger)
	deps.Queue, err = redis.NewReconcileQueue(ctx, rc, redis.QueueConfig{
		Stream:    cfg.Reconcile.Stream,
		Group:     cfg.Reconcile.Group,
		Consumer:  consumerName(),
		Capacity:  cfg.Reconcile.QueueCapacity,
		ClaimIdle: cfg.Reconcile.ClaimIdle.Duration,
	}, logger)
	if err != nil {
		return fail("reconcile queue", err)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	// --- S3 cold storage ---
	if needsS3(cfg) {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.S3 = s3c
		bucket := s3blob.NewBucket(s3c)
		deps.Archive = s3blob.NewArchive(bucket, bucket, deps.Trades, deps.Transfers)
	}

	if !needsChain(mode) {
		return deps, cleanup, nil
	}

	// --- Chain ---
	cc, err := chain.Dial(ctx, cfg.Chain.HTTPURL, cfg.Chain.ConnectTimeout.Duration, cfg.Chain.ReadTimeout.Duration)
	if err != nil {
		return fail("chain", err)
	}
	closers = append(closers, cc.Close)
	deps.Chain = cc
	deps.Contract, err = chain.NewContract(contract, cc.RPC(), cfg.Chain.ReadTimeout.Duration)
	if err != nil {
		return fail("contract", err)
	}
	deps.Timestamps = chain.NewTimestamps(cc, logger)
	deps.Heights = chain.NewHeightTracker(cc, cfg.Observer.HeightInterval.Duration, logger)

	// --- Ledger ---
	suspended := make([]common.Address, 0, len(cfg.Ledger.SuspendedTokens))
	for _, t := range cfg.Ledger.SuspendedTokens {
		suspended = append(suspended, common.HexToAddress(t))
	}
	deps.Validator = validate.New(validate.Policy{
		Contract:        contract,
		BaseToken:       baseToken,
		SuspendedTokens: suspended,
		MaxOpenPerPair:  cfg.Ledger.MaxOpenOrdersPerPair,
	}, deps.Heights, deps.Orders, logger)

	deps.Recorder = recorder.New(recorder.Config{
		Contract:   contract,
		BaseToken:  baseToken,
		SortDigits: cfg.Ledger.SortKeyPrecision,
	}, deps.Orders, deps.Trades, deps.Transfers, deps.Queue, deps.Timestamps, deps.Metrics, logger)

	retry := reconcile.RetryPolicy{
		MaxRetries: cfg.Reconcile.MaxRetries,
		BaseDelay:  cfg.Reconcile.RetryDelay.Duration,
		MaxDelay:   cfg.Reconcile.MaxRetryDelay.Duration,
	}
	deps.Reconciler = reconcile.New(reconcile.Config{
		BatchSize: cfg.Reconcile.BatchSize,
		Retry:     retry,
	}, deps.Orders, deps.Contract, deps.Timestamps, deps.Metrics, logger)

	deps.Ingestor = pipeline.NewIngestor(
		deps.Contract, deps.Validator, deps.Recorder, deps.Heights,
		deps.Timestamps, retry, deps.Metrics, logger,
	)

	deps.Events = pipeline.NewEventSync(pipeline.EventSyncConfig{
		Contract:       contract,
		Topics:         allTopics(deps.Contract),
		Step:           uint64(cfg.Observer.BackfillStep),
		ReplayInterval: cfg.Observer.ReplayInterval.Duration,
	}, cc, deps.Ingestor, deps.Parked, deps.Cursors, retry, deps.Metrics, logger)

	return deps, cleanup, nil
}

// consumerName identifies this process within the reconcile consumer group.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dexledger"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// chainPing adapts the node connection to the health check.
type chainPing struct{ c *chain.Client }

func (p chainPing) Ping(ctx context.Context) error {
	_, err := p.c.BlockNumber(ctx)
	return err
}

// s3Ping adapts the bucket check to the health check.
type s3Ping struct{ c *s3blob.Client }

func (p s3Ping) Ping(ctx context.Context) error { return p.c.Health(ctx) }

var _ domain.Archiver = (*s3blob.Archive)(nil)
