// Package reconcile refreshes stored fill state from the exchange contract.
//
// Requests arrive at least once from the reconcile queue. Applying a result is
// a guarded conditional update, so running a request twice, or two passes
// racing each other, never leaves a row older than the newest pass.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/dexledger/internal/domain"
	"github.com/alanyoungcy/dexledger/internal/metrics"
)

// DefaultBatchSize bounds the number of orders per contract query.
const DefaultBatchSize = 250

// Config holds reconciler parameters.
type Config struct {
	BatchSize int
	Retry     RetryPolicy
}

// Result counts what one reconciliation did.
type Result struct {
	Selected int
	Applied  int
	Stale    int
}

func (r *Result) add(o Result) {
	r.Selected += o.Selected
	r.Applied += o.Applied
	r.Stale += o.Stale
}

// Reconciler fetches authoritative fills for stored orders and applies them.
type Reconciler struct {
	cfg     Config
	orders  domain.OrderStore
	fills   domain.FillSource
	times   domain.TimestampSource
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Reconciler.
func New(cfg Config, orders domain.OrderStore, fills domain.FillSource, times domain.TimestampSource, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Reconciler{
		cfg:     cfg,
		orders:  orders,
		fills:   fills,
		times:   times,
		metrics: m,
		logger:  logger.With(slog.String("component", "reconciler")),
	}
}

// Reconcile resolves the orders a request selects and refreshes them batch by
// batch. A failed batch stops the request; batches already applied stay.
func (r *Reconciler) Reconcile(ctx context.Context, req domain.ReconcileRequest) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		}
	}()

	orders, err := r.selectOrders(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if len(orders) == 0 {
		attrs := []any{slog.String("request", req.ID), slog.String("origin", req.Origin)}
		if req.Maker != nil {
			attrs = append(attrs, slog.String("maker", req.Maker.Hex()), slog.Any("tokens", hexAddresses(req.Tokens)))
		}
		r.logger.WarnContext(ctx, "no orders found", attrs...)
		return Result{}, nil
	}

	res, err := r.run(ctx, orders)
	r.logger.DebugContext(ctx, "reconciled request",
		slog.String("request", req.ID),
		slog.String("origin", req.Origin),
		slog.Int("selected", res.Selected),
		slog.Int("applied", res.Applied),
		slog.Int("stale", res.Stale),
	)
	return res, err
}

// ReconcileToken refreshes every open order touching token.
func (r *Reconciler) ReconcileToken(ctx context.Context, token common.Address) (Result, error) {
	orders, err := r.orders.ListOpenByToken(ctx, token, 0)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: list orders of %s: %w", token.Hex(), err)
	}
	r.logger.InfoContext(ctx, "backfilling token",
		slog.String("token", token.Hex()),
		slog.Int("orders", len(orders)),
	)
	return r.run(ctx, orders)
}

func (r *Reconciler) selectOrders(ctx context.Context, req domain.ReconcileRequest) ([]domain.Order, error) {
	if len(req.Signatures) > 0 {
		orders, err := r.orders.ListBySignatures(ctx, req.Signatures)
		if err != nil {
			return nil, fmt.Errorf("reconcile: load orders: %w", err)
		}
		return orders, nil
	}
	orders, err := r.orders.ListAffected(ctx, *req.Maker, req.Tokens, req.MinExpiry)
	if err != nil {
		return nil, fmt.Errorf("reconcile: affected orders of %s: %w", req.Maker.Hex(), err)
	}
	return orders, nil
}

func (r *Reconciler) run(ctx context.Context, orders []domain.Order) (Result, error) {
	var total Result
	for start := 0; start < len(orders); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(orders))
		res, err := r.batch(ctx, orders[start:end])
		total.add(res)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// batch queries one chunk and applies the results. The update timestamp is
// the chain time of the head block read before the query, so a later pass
// always carries a timestamp at least as new.
func (r *Reconciler) batch(ctx context.Context, orders []domain.Order) (Result, error) {
	var (
		updated time.Time
		states  []domain.FillState
	)
	err := r.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		t, err := r.times.Timestamp(ctx, domain.LatestBlock)
		if err != nil {
			return err
		}
		got, err := r.fills.FetchFills(ctx, orders)
		if err != nil {
			return err
		}
		updated, states = t, got
		return nil
	}, func(retry int, err error) {
		if r.metrics != nil {
			r.metrics.ChainRetries.Inc()
		}
		r.logger.WarnContext(ctx, "fill query failed, retrying",
			slog.Int("retry", retry+1),
			slog.Int("orders", len(orders)),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: fetch fills: %w", err)
	}

	res := Result{Selected: len(orders)}
	for _, st := range states {
		ok, err := r.orders.ApplyFill(ctx, domain.FillUpdate{FillState: st, Updated: updated})
		if err != nil {
			return res, fmt.Errorf("reconcile: apply fill %s: %w", st.Hash.Hex(), err)
		}
		if ok {
			res.Applied++
			r.countFill("applied")
			r.logger.InfoContext(ctx, "updated order",
				slog.String("sig", st.Hash.Hex()),
				slog.String("fill", st.AmountFill.String()),
				slog.String("available", st.AvailableVolume.String()),
			)
			continue
		}
		res.Stale++
		r.countFill("stale")
	}
	return res, nil
}

func (r *Reconciler) countFill(result string) {
	if r.metrics != nil {
		r.metrics.FillUpdates.WithLabelValues(result).Inc()
	}
}

func hexAddresses(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
