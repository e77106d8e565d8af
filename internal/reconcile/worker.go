package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/alanyoungcy/dexledger/internal/domain"
	"github.com/alanyoungcy/dexledger/internal/metrics"
)

// EventExhausted is the notification event for requests that keep failing.
const EventExhausted = "reconcile_exhausted"

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// WorkerConfig holds worker parameters.
type WorkerConfig struct {
	Workers       int
	ReadBlock     time.Duration
	MaxDeliveries int64
}

// Worker drains the reconcile queue into a bounded goroutine pool. A request
// is acknowledged only after it succeeded; failures stay pending and are
// delivered again.
type Worker struct {
	cfg      WorkerConfig
	rec      *Reconciler
	consumer domain.ReconcileConsumer
	pool     *ants.Pool
	alerter  Alerter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewWorker creates a Worker with a non-blocking pool of cfg.Workers
// goroutines. alerter may be nil.
func NewWorker(cfg WorkerConfig, rec *Reconciler, consumer domain.ReconcileConsumer, alerter Alerter, m *metrics.Metrics, logger *slog.Logger) (*Worker, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = 5 * time.Second
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("reconcile: worker pool: %w", err)
	}
	return &Worker{
		cfg:      cfg,
		rec:      rec,
		consumer: consumer,
		pool:     pool,
		alerter:  alerter,
		metrics:  m,
		logger:   logger.With(slog.String("component", "reconcile-worker")),
	}, nil
}

// Run reads deliveries until ctx is canceled, then waits for running tasks.
func (w *Worker) Run(ctx context.Context) error {
	defer w.pool.Release()
	defer w.wg.Wait()

	w.logger.InfoContext(ctx, "reconcile worker started", slog.Int("workers", w.cfg.Workers))
	for ctx.Err() == nil {
		free := w.pool.Free()
		if free <= 0 {
			if !sleep(ctx, 100*time.Millisecond) {
				break
			}
			continue
		}

		deliveries, err := w.consumer.Read(ctx, free, w.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.ErrorContext(ctx, "read reconcile queue", slog.String("error", err.Error()))
			if !sleep(ctx, time.Second) {
				break
			}
			continue
		}
		for _, d := range deliveries {
			w.submit(ctx, d)
		}
	}
	w.logger.Info("reconcile worker stopping")
	return nil
}

func (w *Worker) submit(ctx context.Context, d domain.QueueDelivery) {
	w.wg.Add(1)
	err := w.pool.Submit(func() {
		defer w.wg.Done()
		w.Handle(ctx, d)
	})
	if err != nil {
		w.wg.Done()
		// Left pending; the queue hands it out again once idle.
		w.count("overload")
		w.logger.WarnContext(ctx, "reconcile pool saturated",
			slog.String("message", d.MessageID),
			slog.String("error", err.Error()),
		)
	}
}

// Handle runs one delivery and acknowledges it when it is done with.
func (w *Worker) Handle(ctx context.Context, d domain.QueueDelivery) {
	res, err := w.rec.Reconcile(ctx, d.Request)
	switch {
	case err == nil:
		w.count("ok")
		w.ack(ctx, d)
	case errors.Is(err, domain.ErrInvalidRequest):
		// Nothing to retry; a malformed request never succeeds.
		w.count("invalid")
		w.logger.ErrorContext(ctx, "dropping invalid reconcile request",
			slog.String("message", d.MessageID),
			slog.String("error", err.Error()),
		)
		w.ack(ctx, d)
	case ctx.Err() != nil:
		w.count("interrupted")
	case w.cfg.MaxDeliveries > 0 && d.Deliveries >= w.cfg.MaxDeliveries:
		w.count("exhausted")
		w.logger.ErrorContext(ctx, "reconcile request exhausted",
			slog.String("message", d.MessageID),
			slog.String("request", d.Request.ID),
			slog.Int64("deliveries", d.Deliveries),
			slog.Int("applied", res.Applied),
			slog.String("error", err.Error()),
		)
		if d.Deliveries == w.cfg.MaxDeliveries {
			w.alert(ctx, d, err)
		}
	default:
		w.count("failed")
		w.logger.WarnContext(ctx, "reconcile request failed",
			slog.String("message", d.MessageID),
			slog.String("request", d.Request.ID),
			slog.Int64("deliveries", d.Deliveries),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) ack(ctx context.Context, d domain.QueueDelivery) {
	if err := w.consumer.Ack(ctx, d.MessageID); err != nil {
		w.logger.ErrorContext(ctx, "ack reconcile request",
			slog.String("message", d.MessageID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) alert(ctx context.Context, d domain.QueueDelivery, cause error) {
	if w.alerter == nil {
		return
	}
	msg := fmt.Sprintf("request %s (%s) failed %d times: %v", d.Request.ID, d.Request.Origin, d.Deliveries, cause)
	if err := w.alerter.Notify(ctx, EventExhausted, "Reconciliation failing", msg); err != nil {
		w.logger.WarnContext(ctx, "notify exhausted request", slog.String("error", err.Error()))
	}
}

func (w *Worker) count(outcome string) {
	if w.metrics != nil {
		w.metrics.ReconcileTasks.WithLabelValues(outcome).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
