package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/dexledger/internal/domain"
	"github.com/alanyoungcy/dexledger/internal/metrics"
	"github.com/alanyoungcy/dexledger/internal/reconcile"
)

// ContractCursor names the cursor of the live contract event follower.
const ContractCursor = "contract_events"

const (
	defaultBackfillStep   = 300
	defaultReplayBatch    = 100
	defaultReplayInterval = 30 * time.Second
)

// LogSource reads historical logs from the node.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// LogIngester records one contract log.
type LogIngester interface {
	Ingest(ctx context.Context, lg types.Log) error
}

// EventSyncConfig scopes the logs an EventSync follows.
type EventSyncConfig struct {
	Contract       common.Address
	Topics         []common.Hash
	Step           uint64
	ReplayBatch    int64
	ReplayInterval time.Duration
}

// EventSync keeps the ledger in step with the contract's event history.
// Live logs, catch-up ranges and backfills all go through one path: a log
// that cannot be recorded is parked for replay, and only once it is either
// stored or parked may the cursor pass its block.
type EventSync struct {
	cfg      EventSyncConfig
	source   LogSource
	ingester LogIngester
	parking  domain.LogParking
	cursors  domain.CursorStore
	retry    reconcile.RetryPolicy
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewEventSync(
	cfg EventSyncConfig,
	source LogSource,
	ingester LogIngester,
	parking domain.LogParking,
	cursors domain.CursorStore,
	retry reconcile.RetryPolicy,
	m *metrics.Metrics,
	logger *slog.Logger,
) *EventSync {
	if cfg.Step == 0 {
		cfg.Step = defaultBackfillStep
	}
	if cfg.ReplayBatch <= 0 {
		cfg.ReplayBatch = defaultReplayBatch
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = defaultReplayInterval
	}
	return &EventSync{
		cfg:      cfg,
		source:   source,
		ingester: ingester,
		parking:  parking,
		cursors:  cursors,
		retry:    retry,
		metrics:  m,
		logger:   logger.With(slog.String("component", "event_sync")),
	}
}

// Handle records a live log and advances the cursor to its block.
func (s *EventSync) Handle(ctx context.Context, lg types.Log) error {
	if err := s.record(ctx, lg); err != nil {
		return err
	}
	return s.cursors.Advance(ctx, ContractCursor, lg.BlockNumber)
}

// record ingests lg, parking it on failure. It errors only when the log is
// neither stored nor parked.
func (s *EventSync) record(ctx context.Context, lg types.Log) error {
	err := s.ingester.Ingest(ctx, lg)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if perr := s.parking.Park(ctx, lg, err); perr != nil {
		return fmt.Errorf("pipeline: log %s/%d not recorded nor parked: %w", lg.TxHash.Hex(), lg.Index, errors.Join(err, perr))
	}
	s.count("parked", 1)
	s.logger.WarnContext(ctx, "contract event parked",
		slog.String("txid", lg.TxHash.Hex()),
		slog.Uint64("logidx", uint64(lg.Index)),
		slog.Uint64("block", lg.BlockNumber),
		slog.String("error", err.Error()),
	)
	return nil
}

// CatchUp replays every log from the cursor block up to the current head.
// Without a cursor the follower starts at head.
func (s *EventSync) CatchUp(ctx context.Context) error {
	head, err := s.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: head: %w", err)
	}
	from, ok, err := s.cursors.Load(ctx, ContractCursor)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.InfoContext(ctx, "no event cursor, following from head", slog.Uint64("block", head))
		return s.cursors.Advance(ctx, ContractCursor, head)
	}
	if from > head {
		return nil
	}

	n, err := s.scan(ctx, s.cfg.Topics, from, head, true)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "caught up on contract events",
		slog.Uint64("from", from),
		slog.Uint64("to", head),
		slog.Int("logs", n),
	)
	return nil
}

// Backfill replays logs with the given topics over [from, to] without
// touching the live cursor. It returns how many logs were handled.
func (s *EventSync) Backfill(ctx context.Context, topics []common.Hash, from, to uint64) (int, error) {
	if from > to {
		return 0, fmt.Errorf("pipeline: backfill range %d-%d is empty", from, to)
	}
	return s.scan(ctx, topics, from, to, false)
}

// scan pages through [from, to] in Step-sized windows, oldest first. With
// advance set the cursor moves to the end of every finished window.
func (s *EventSync) scan(ctx context.Context, topics []common.Hash, from, to uint64, advance bool) (int, error) {
	total := 0
	for start := from; ; {
		end := to
		if to-start >= s.cfg.Step {
			end = start + s.cfg.Step - 1
		}

		var logs []types.Log
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			logs, err = s.source.FilterLogs(ctx, s.query(topics, start, end))
			return err
		}, nil)
		if err != nil {
			return total, fmt.Errorf("pipeline: logs %d-%d: %w", start, end, err)
		}

		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			if err := s.record(ctx, lg); err != nil {
				return total, err
			}
			total++
		}
		if advance {
			if err := s.cursors.Advance(ctx, ContractCursor, end); err != nil {
				return total, err
			}
		}
		s.logger.DebugContext(ctx, "scanned blocks",
			slog.Uint64("from", start),
			slog.Uint64("to", end),
			slog.Int("logs", len(logs)),
		)

		if end >= to {
			return total, nil
		}
		start = end + 1
	}
}

func (s *EventSync) query(topics []common.Hash, from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    [][]common.Hash{topics},
	}
}

// ReplayParked retries one batch of parked logs and unparks the ones that
// are now recorded.
func (s *EventSync) ReplayParked(ctx context.Context) (int, error) {
	parked, err := s.parking.Parked(ctx, s.cfg.ReplayBatch)
	if err != nil {
		return 0, err
	}

	var done []string
	for _, p := range parked {
		if err := s.ingester.Ingest(ctx, p.Log); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.WarnContext(ctx, "parked event still failing",
				slog.String("txid", p.Log.TxHash.Hex()),
				slog.Uint64("logidx", uint64(p.Log.Index)),
				slog.Time("parked_at", p.ParkedAt),
				slog.String("error", err.Error()),
			)
			continue
		}
		done = append(done, p.ID)
	}
	if err := s.parking.Unpark(ctx, done...); err != nil {
		return 0, err
	}
	s.count("replayed", len(done))
	return len(done), nil
}

// RunReplay drains parked logs every ReplayInterval until ctx ends.
func (s *EventSync) RunReplay(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.ReplayParked(ctx)
			if err != nil {
				s.logger.WarnContext(ctx, "parked replay failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.InfoContext(ctx, "replayed parked events", slog.Int("count", n))
			}
		}
	}
}

func (s *EventSync) count(result string, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.ParkedLogs.WithLabelValues(result).Add(float64(n))
	}
}
