package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/dexledger/internal/chain"
	"github.com/alanyoungcy/dexledger/internal/pipeline"
	"github.com/alanyoungcy/dexledger/internal/reconcile"
	"github.com/alanyoungcy/dexledger/internal/relay"
	"github.com/alanyoungcy/dexledger/internal/server"
	"github.com/alanyoungcy/dexledger/internal/server/handler"
)

const (
	workerReadBlock = 5 * time.Second
	marketSpacing   = 250 * time.Millisecond
)

// ObserveMode follows contract events and reconciles fills.
func (a *App) ObserveMode(ctx context.Context, deps *Dependencies) error {
	o := pipeline.NewOrchestrator(a.logger).
		Add("log_subscriber", a.subscriber(deps)).
		Add("parked_replay", pipeline.RunnerFunc(deps.Events.RunReplay)).
		Add("height_tracker", deps.Heights)
	if err := a.addWorker(o, deps); err != nil {
		return err
	}
	return o.Run(ctx)
}

// RelayMode records orders broadcast by relay servers.
func (a *App) RelayMode(ctx context.Context, deps *Dependencies) error {
	o := pipeline.NewOrchestrator(a.logger).Add("height_tracker", deps.Heights)
	a.addRelays(o, deps)
	return o.Run(ctx)
}

// WorkerMode only drains the reconcile queue.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	o := pipeline.NewOrchestrator(a.logger)
	if err := a.addWorker(o, deps); err != nil {
		return err
	}
	return o.Run(ctx)
}

// FullMode runs every component in one process, plus the HTTP API and the
// archive schedule when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	o := pipeline.NewOrchestrator(a.logger).
		Add("log_subscriber", a.subscriber(deps)).
		Add("parked_replay", pipeline.RunnerFunc(deps.Events.RunReplay)).
		Add("height_tracker", deps.Heights)
	a.addRelays(o, deps)
	if err := a.addWorker(o, deps); err != nil {
		return err
	}
	if a.cfg.Server.Enabled {
		o.Add("http_server", a.httpServer(deps))
	}
	if deps.Archive != nil {
		archiver := pipeline.NewArchiver(deps.Archive, deps.Leases, a.cfg.Archive.RetentionDays, a.logger)
		o.Add("archiver", pipeline.RunnerFunc(func(ctx context.Context) error {
			return archiver.RunCron(ctx, a.cfg.Archive.Cron)
		}))
	}
	return o.Run(ctx)
}

// BackfillMode reconciles every open order involving one token and exits.
func (a *App) BackfillMode(ctx context.Context, deps *Dependencies) error {
	if !common.IsHexAddress(a.opts.Token) {
		return fmt.Errorf("app: backfill needs -token, got %q", a.opts.Token)
	}
	token := common.HexToAddress(a.opts.Token)
	res, err := deps.Reconciler.ReconcileToken(ctx, token)
	if err != nil {
		return fmt.Errorf("app: backfill %s: %w", token.Hex(), err)
	}
	a.logger.InfoContext(ctx, "backfill complete",
		slog.String("token", token.Hex()),
		slog.Int("orders", res.Selected),
		slog.Int("applied", res.Applied),
		slog.Int("stale", res.Stale),
	)
	return nil
}

// EventsMode replays contract events over a block range and exits. Writes
// are idempotent, so overlapping what is already stored is harmless.
func (a *App) EventsMode(ctx context.Context, deps *Dependencies) error {
	topics, err := a.eventTopics(deps)
	if err != nil {
		return err
	}
	to := a.opts.ToBlock
	if to == 0 {
		if to, err = deps.Chain.BlockNumber(ctx); err != nil {
			return fmt.Errorf("app: events head: %w", err)
		}
	}

	n, err := deps.Events.Backfill(ctx, topics, a.opts.FromBlock, to)
	if err != nil {
		return fmt.Errorf("app: events %d-%d: %w", a.opts.FromBlock, to, err)
	}
	a.logger.InfoContext(ctx, "event backfill complete",
		slog.String("event", a.opts.Event),
		slog.Uint64("from", a.opts.FromBlock),
		slog.Uint64("to", to),
		slog.Int("logs", n),
	)
	return nil
}

// eventTopics resolves -event to topic ids; empty selects every event.
func (a *App) eventTopics(deps *Dependencies) ([]common.Hash, error) {
	if a.opts.Event == "" {
		return allTopics(deps.Contract), nil
	}
	for _, name := range chain.Events {
		if strings.EqualFold(name, a.opts.Event) {
			return []common.Hash{deps.Contract.Topic(name)}, nil
		}
	}
	return nil, fmt.Errorf("app: unknown event %q (valid: %s)", a.opts.Event, strings.Join(chain.Events, ", "))
}

// ArchiveMode exports one month of history and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	return pipeline.NewArchiver(deps.Archive, deps.Leases, a.cfg.Archive.RetentionDays, a.logger).Run(ctx)
}

// subscriber follows live logs, catching up from the stored cursor on every
// (re)connect.
func (a *App) subscriber(deps *Dependencies) *chain.Subscriber {
	return chain.NewSubscriber(chain.SubscriberConfig{
		URL:            a.cfg.Chain.WSURL,
		Address:        deps.Contract.Address(),
		Topics:         allTopics(deps.Contract),
		IdleTimeout:    a.cfg.Observer.IdleTimeout.Duration,
		PongTimeout:    a.cfg.Observer.PongTimeout.Duration,
		ReconnectDelay: a.cfg.Observer.ReconnectDelay.Duration,
		CatchUp:        deps.Events.CatchUp,
	}, deps.Events.Handle, a.logger)
}

func (a *App) addWorker(o *pipeline.Orchestrator, deps *Dependencies) error {
	w, err := reconcile.NewWorker(reconcile.WorkerConfig{
		Workers:       a.cfg.Reconcile.Workers,
		ReadBlock:     workerReadBlock,
		MaxDeliveries: a.cfg.Reconcile.MaxDeliveries,
	}, deps.Reconciler, deps.Queue, deps.Notifier, deps.Metrics, a.logger)
	if err != nil {
		return fmt.Errorf("app: reconcile worker: %w", err)
	}
	o.Add("reconcile_worker", w)
	return nil
}

// addRelays starts one client per relay server. The market rotation is
// shared so the servers are asked about different tokens.
func (a *App) addRelays(o *pipeline.Orchestrator, deps *Dependencies) {
	ring := relay.NewTokenRing(a.cfg.Relay.Tokens)
	for _, url := range a.cfg.Relay.Servers {
		o.Add("relay "+url, relay.NewClient(relay.Config{
			URL:            url,
			ReconnectDelay: a.cfg.Relay.ReconnectDelay.Duration,
			PingInterval:   a.cfg.Relay.PingInterval.Duration,
			MarketsPerPong: a.cfg.Relay.MarketsPerPong,
			MarketSpacing:  marketSpacing,
		}, deps.Ingestor, ring, a.logger))
	}
}

func (a *App) httpServer(deps *Dependencies) *server.Server {
	checks := map[string]handler.Pinger{
		"postgres": deps.Postgres,
		"redis":    deps.Redis,
	}
	if deps.Chain != nil {
		checks["chain"] = chainPing{deps.Chain}
	}
	if deps.S3 != nil {
		checks["s3"] = s3Ping{deps.S3}
	}

	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		SubmitLimit: a.cfg.Server.SubmitLimit,
	}, server.Handlers{
		Health: handler.NewHealthHandler(checks, a.logger),
		Orders: handler.NewOrderHandler(deps.Ingestor, deps.Orders, a.logger),
	}, deps.RateLimiter, deps.Registry, deps.Metrics, a.logger)
}

func allTopics(c *chain.Contract) []common.Hash {
	topics := make([]common.Hash, 0, len(chain.Events))
	for _, name := range chain.Events {
		topics = append(topics, c.Topic(name))
	}
	return topics
}
