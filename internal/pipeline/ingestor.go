package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/dexledger/internal/domain"
	"github.com/alanyoungcy/dexledger/internal/metrics"
	"github.com/alanyoungcy/dexledger/internal/reconcile"
	"github.com/alanyoungcy/dexledger/internal/recorder"
	"github.com/alanyoungcy/dexledger/internal/relay"
	"github.com/alanyoungcy/dexledger/internal/validate"
)

// acceptableLatency is one block interval plus slack. Events arriving later
// than multiples of it are logged at rising levels.
const acceptableLatency = 13500*time.Millisecond + 5*time.Second

// LogDecoder turns a raw contract log into a domain event.
type LogDecoder interface {
	Decode(lg types.Log) (any, error)
}

// Admitter gates order candidates.
type Admitter interface {
	Admit(ctx context.Context, msg validate.Message, origin validate.Origin) (validate.Admitted, error)
}

// Recorder persists ledger rows.
type Recorder interface {
	RecordOrder(ctx context.Context, c domain.OrderCandidate) (bool, error)
	RecordOrderEvent(ctx context.Context, ev *domain.OrderEvent) (bool, error)
	RecordTrade(ctx context.Context, ev *domain.TradeEvent) (bool, error)
	RecordTransfer(ctx context.Context, ev *domain.TransferEvent) (bool, error)
	RecordCancel(ctx context.Context, ev *domain.CancelEvent) (bool, error)
	Requeue(ctx context.Context, req domain.ReconcileRequest) error
}

// HeightObserver learns block heights from incoming events.
type HeightObserver interface {
	Observe(n uint64)
}

// Ingestor routes contract logs, relayed orders and API submissions into the
// ledger. Storage failures are retried here, by replaying the whole event;
// every write is idempotent so a replay never double counts. Contract events
// that outlive the retries are handed back to the caller (see EventSync).
type Ingestor struct {
	decoder  LogDecoder
	admitter Admitter
	recorder Recorder
	heights  HeightObserver
	times    domain.TimestampSource
	retry    reconcile.RetryPolicy
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewIngestor creates an Ingestor. heights may be nil.
func NewIngestor(
	decoder LogDecoder,
	admitter Admitter,
	rec Recorder,
	heights HeightObserver,
	times domain.TimestampSource,
	retry reconcile.RetryPolicy,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Ingestor {
	return &Ingestor{
		decoder:  decoder,
		admitter: admitter,
		recorder: rec,
		heights:  heights,
		times:    times,
		retry:    retry,
		metrics:  m,
		logger:   logger.With(slog.String("component", "ingestor")),
		now:      time.Now,
	}
}

// Ingest records one contract event. Undecodable logs are skipped and
// return nil; an error means the event was not stored and must be replayed.
func (in *Ingestor) Ingest(ctx context.Context, lg types.Log) error {
	ev, err := in.decoder.Decode(lg)
	if err != nil {
		in.logger.WarnContext(ctx, "undecodable contract log",
			slog.String("txid", lg.TxHash.Hex()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if in.heights != nil {
		in.heights.Observe(lg.BlockNumber)
	}
	in.logLatency(ctx, lg)

	var record func(context.Context) (bool, error)
	switch e := ev.(type) {
	case *domain.TradeEvent:
		record = func(ctx context.Context) (bool, error) { return in.recorder.RecordTrade(ctx, e) }
	case *domain.TransferEvent:
		record = func(ctx context.Context) (bool, error) { return in.recorder.RecordTransfer(ctx, e) }
	case *domain.OrderEvent:
		record = func(ctx context.Context) (bool, error) { return in.recorder.RecordOrderEvent(ctx, e) }
	case *domain.CancelEvent:
		record = func(ctx context.Context) (bool, error) { return in.recorder.RecordCancel(ctx, e) }
	default:
		in.logger.WarnContext(ctx, "unhandled event type", slog.String("type", fmt.Sprintf("%T", ev)))
		return nil
	}

	if err := in.write(ctx, record); err != nil {
		return fmt.Errorf("pipeline: record %s/%d at block %d: %w", lg.TxHash.Hex(), lg.Index, lg.BlockNumber, err)
	}
	return nil
}

// write runs record, retrying transient storage failures. When only the
// reconcile enqueue failed the request is retried instead of the write.
func (in *Ingestor) write(ctx context.Context, record func(context.Context) (bool, error)) error {
	var pending *recorder.EnqueueError
	err := in.retry.Do(ctx, func(ctx context.Context) error {
		_, err := record(ctx)
		if ee, ok := recorder.IsEnqueueError(err); ok {
			pending = ee
			return nil
		}
		return err
	}, nil)
	if err != nil || pending == nil {
		return err
	}

	return in.retry.Do(ctx, func(ctx context.Context) error {
		err := in.recorder.Requeue(ctx, pending.Request)
		if errors.Is(err, domain.ErrQueueUnavailable) || errors.Is(err, domain.ErrQueueFull) {
			// Outages and backlog are worth waiting out.
			return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
		}
		return err
	}, nil)
}

// SubmitOrder admits and records an order posted through the API. The error
// is a *domain.AdmissionError for refusals.
func (in *Ingestor) SubmitOrder(ctx context.Context, msg validate.Message) (validate.Admitted, error) {
	adm, err := in.admitter.Admit(ctx, msg, validate.OriginSubmission)
	in.countAdmission(validate.OriginSubmission, err)
	if err != nil {
		return validate.Admitted{}, err
	}
	if err := in.write(ctx, func(ctx context.Context) (bool, error) {
		return in.recorder.RecordOrder(ctx, adm.OrderCandidate)
	}); err != nil {
		return validate.Admitted{}, err
	}
	return adm, nil
}

// HandleRelayOrders admits and records orders pushed by a relay server.
// Refused orders are dropped.
func (in *Ingestor) HandleRelayOrders(ctx context.Context, server string, orders []relay.Order) {
	recorded := 0
	for _, o := range orders {
		adm, err := in.admitter.Admit(ctx, validate.Message(o), validate.OriginRelay)
		in.countAdmission(validate.OriginRelay, err)
		if err != nil {
			var refused *domain.AdmissionError
			if !errors.As(err, &refused) {
				in.logger.ErrorContext(ctx, "admission failed",
					slog.String("server", server),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		err = in.write(ctx, func(ctx context.Context) (bool, error) {
			inserted, err := in.recorder.RecordOrder(ctx, adm.OrderCandidate)
			if inserted {
				recorded++
			}
			return inserted, err
		})
		if err != nil {
			in.logger.ErrorContext(ctx, "relay order not recorded",
				slog.String("server", server),
				slog.String("sig", adm.Hash.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
	if recorded > 0 {
		in.logger.InfoContext(ctx, "recorded relay orders",
			slog.String("server", server),
			slog.Int("new", recorded),
			slog.Int("received", len(orders)),
		)
	}
}

func (in *Ingestor) countAdmission(origin validate.Origin, err error) {
	if in.metrics == nil {
		return
	}
	result := "accepted"
	var refused *domain.AdmissionError
	switch {
	case errors.As(err, &refused):
		result = string(refused.Reason)
	case err != nil:
		result = "error"
	}
	in.metrics.Admissions.WithLabelValues(origin.String(), result).Inc()
}

// logLatency reports how long after its block an event arrived.
func (in *Ingestor) logLatency(ctx context.Context, lg types.Log) {
	at, err := in.times.Timestamp(ctx, domain.AtBlock(lg.BlockNumber))
	if err != nil {
		return
	}
	latency := in.now().Sub(at)
	if in.metrics != nil {
		in.metrics.EventLatency.Observe(latency.Seconds())
	}

	level := slog.LevelError
	switch {
	case latency < acceptableLatency:
		level = slog.LevelDebug
	case latency < 2*acceptableLatency:
		level = slog.LevelInfo
	case latency < 8*acceptableLatency:
		level = slog.LevelWarn
	}
	in.logger.Log(ctx, level, "event latency",
		slog.String("txid", lg.TxHash.Hex()),
		slog.Uint64("block", lg.BlockNumber),
		slog.Duration("latency", latency),
	)
}
