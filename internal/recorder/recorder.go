// Package recorder persists orders, trades, transfers and cancellations and
// schedules fill reconciliation for whatever a new row may have changed.
// Every write is insert-or-ignore or a guarded upsert, so replaying an event
// is always safe.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/dexledger/internal/crypto"
	"github.com/alanyoungcy/dexledger/internal/domain"
	"github.com/alanyoungcy/dexledger/internal/metrics"
)

// EnqueueError reports that a row was written but its reconciliation request
// could not be queued. Callers retry the request, not the write.
type EnqueueError struct {
	Request domain.ReconcileRequest
	Err     error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("recorder: enqueue %s request: %v", e.Request.Origin, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

// Config holds recorder parameters.
type Config struct {
	Contract   common.Address
	BaseToken  common.Address
	SortDigits int
}

// Recorder writes ledger rows.
type Recorder struct {
	cfg       Config
	orders    domain.OrderStore
	trades    domain.TradeStore
	transfers domain.TransferStore
	queue     domain.ReconcileQueue
	times     domain.TimestampSource
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Recorder.
func New(
	cfg Config,
	orders domain.OrderStore,
	trades domain.TradeStore,
	transfers domain.TransferStore,
	queue domain.ReconcileQueue,
	times domain.TimestampSource,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Recorder {
	if cfg.SortDigits <= 0 {
		cfg.SortDigits = DefaultSortDigits
	}
	return &Recorder{
		cfg:       cfg,
		orders:    orders,
		trades:    trades,
		transfers: transfers,
		queue:     queue,
		times:     times,
		metrics:   m,
		logger:    logger.With(slog.String("component", "recorder")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RecordOrder stores an admitted off-chain order. It reports whether the
// order was new.
func (r *Recorder) RecordOrder(ctx context.Context, c domain.OrderCandidate) (bool, error) {
	sig := c.Sig
	return r.insertOrder(ctx, domain.OrderSourceOffChain, c.OrderFields, c.User, &sig, r.now())
}

// RecordOrderEvent stores an order posted on chain, dated by its block.
func (r *Recorder) RecordOrderEvent(ctx context.Context, ev *domain.OrderEvent) (bool, error) {
	date, err := r.times.Timestamp(ctx, domain.AtBlock(ev.BlockNumber))
	if err != nil {
		return false, fmt.Errorf("recorder: order block time: %w", err)
	}
	return r.insertOrder(ctx, domain.OrderSourceOnChain, ev.OrderFields, ev.User, nil, date)
}

func (r *Recorder) insertOrder(
	ctx context.Context,
	source domain.OrderSource,
	f domain.OrderFields,
	user common.Address,
	sig *domain.Signature,
	date time.Time,
) (bool, error) {
	hash, err := crypto.OrderHash(r.cfg.Contract, f)
	if err != nil {
		return false, fmt.Errorf("recorder: %w", err)
	}

	o := domain.Order{
		Source:          source,
		Hash:            hash,
		OrderFields:     f,
		User:            user,
		State:           domain.OrderStateOpen,
		Sig:             sig,
		AmountFill:      new(big.Int),
		AvailableVolume: new(big.Int).Set(f.AmountGet),
		Date:            date,
	}
	if key, ok := SortKey(f, r.cfg.BaseToken, r.cfg.SortDigits); ok {
		s := key.String()
		o.SortingPrice = &s
	}

	inserted, err := r.orders.Insert(ctx, o)
	if err != nil {
		r.count("order", "error")
		return false, fmt.Errorf("recorder: insert order %s: %w", hash.Hex(), err)
	}
	if !inserted {
		r.count("order", "duplicate")
		r.logger.Debug("duplicate order", slog.String("sig", hash.Hex()))
		return false, nil
	}
	r.count("order", "inserted")
	r.logger.Info("recorded order",
		slog.String("sig", hash.Hex()),
		slog.String("source", string(source)),
	)

	return true, r.enqueue(ctx, domain.ReconcileRequest{
		Origin:     "order",
		Signatures: []common.Hash{hash},
	})
}

// RecordTrade stores a trade and schedules reconciliation of the maker's
// open orders on the traded token.
func (r *Recorder) RecordTrade(ctx context.Context, ev *domain.TradeEvent) (bool, error) {
	date, err := r.times.Timestamp(ctx, domain.AtBlock(ev.BlockNumber))
	if err != nil {
		return false, fmt.Errorf("recorder: trade block time: %w", err)
	}

	t := domain.Trade{
		EventID:     ev.ID(),
		BlockNumber: ev.BlockNumber,
		TokenGive:   ev.TokenGive,
		AmountGive:  ev.AmountGive,
		TokenGet:    ev.TokenGet,
		AmountGet:   ev.AmountGet,
		AddrGive:    ev.Give,
		AddrGet:     ev.Get,
		Date:        date,
	}
	inserted, err := r.trades.Insert(ctx, t)
	if err != nil {
		r.count("trade", "error")
		return false, fmt.Errorf("recorder: insert trade %s/%d: %w", ev.TxHash.Hex(), ev.LogIndex, err)
	}
	if !inserted {
		r.count("trade", "duplicate")
		r.logger.Debug("duplicate trade", slog.String("txid", ev.TxHash.Hex()))
		return false, nil
	}
	r.count("trade", "inserted")
	r.logger.Info("recorded trade",
		slog.String("txid", ev.TxHash.Hex()),
		slog.Uint64("logidx", uint64(ev.LogIndex)),
	)

	// The maker is recorded on the "get" side.
	maker := ev.Get
	coin := ev.TokenGive
	if coin == r.cfg.BaseToken {
		coin = ev.TokenGet
	}
	return true, r.enqueue(ctx, domain.ReconcileRequest{
		Origin:    "trade",
		Maker:     &maker,
		Tokens:    []common.Address{coin},
		MinExpiry: ev.BlockNumber,
	})
}

// RecordTransfer stores a deposit or withdrawal. A balance change alters the
// available volume of the user's orders on that token, so they are
// reconciled too.
func (r *Recorder) RecordTransfer(ctx context.Context, ev *domain.TransferEvent) (bool, error) {
	date, err := r.times.Timestamp(ctx, domain.AtBlock(ev.BlockNumber))
	if err != nil {
		return false, fmt.Errorf("recorder: transfer block time: %w", err)
	}

	t := domain.Transfer{
		EventID:      ev.ID(),
		BlockNumber:  ev.BlockNumber,
		Direction:    ev.Direction,
		Token:        ev.Token,
		User:         ev.User,
		Amount:       ev.Amount,
		BalanceAfter: ev.Balance,
		Date:         date,
	}
	kind := "deposit"
	if ev.Direction == domain.TransferWithdraw {
		kind = "withdraw"
	}
	inserted, err := r.transfers.Insert(ctx, t)
	if err != nil {
		r.count(kind, "error")
		return false, fmt.Errorf("recorder: insert %s %s/%d: %w", kind, ev.TxHash.Hex(), ev.LogIndex, err)
	}
	if !inserted {
		r.count(kind, "duplicate")
		r.logger.Debug("duplicate "+kind, slog.String("txid", ev.TxHash.Hex()))
		return false, nil
	}
	r.count(kind, "inserted")
	r.logger.Info("recorded "+kind,
		slog.String("txid", ev.TxHash.Hex()),
		slog.Uint64("logidx", uint64(ev.LogIndex)),
	)

	user := ev.User
	return true, r.enqueue(ctx, domain.ReconcileRequest{
		Origin:    kind,
		Maker:     &user,
		Tokens:    []common.Address{ev.Token},
		MinExpiry: ev.BlockNumber,
	})
}

// RecordCancel marks an order canceled, inserting it when the ledger never
// saw it. Orders already FILLED or CANCELED are not touched. It reports
// whether a row was written.
func (r *Recorder) RecordCancel(ctx context.Context, ev *domain.CancelEvent) (bool, error) {
	date, err := r.times.Timestamp(ctx, domain.AtBlock(ev.BlockNumber))
	if err != nil {
		return false, fmt.Errorf("recorder: cancel block time: %w", err)
	}
	hash, err := crypto.OrderHash(r.cfg.Contract, ev.OrderFields)
	if err != nil {
		return false, fmt.Errorf("recorder: %w", err)
	}

	source := domain.OrderSourceOnChain
	var sig *domain.Signature
	if ev.Sig.R != (common.Hash{}) {
		source = domain.OrderSourceOffChain
		s := ev.Sig
		sig = &s
	}
	o := domain.Order{
		Source:          source,
		Hash:            hash,
		OrderFields:     ev.OrderFields,
		User:            ev.User,
		State:           domain.OrderStateCanceled,
		Sig:             sig,
		AmountFill:      CanceledFill(ev.OrderFields),
		AvailableVolume: new(big.Int),
		Date:            date,
	}
	if key, ok := SortKey(ev.OrderFields, r.cfg.BaseToken, r.cfg.SortDigits); ok {
		s := key.String()
		o.SortingPrice = &s
	}

	written, err := r.orders.UpsertCancel(ctx, o, date)
	if err != nil {
		r.count("cancel", "error")
		return false, fmt.Errorf("recorder: cancel %s: %w", hash.Hex(), err)
	}
	if written {
		r.count("cancel", "inserted")
		r.logger.Debug("recorded order cancel", slog.String("sig", hash.Hex()))
	} else {
		r.count("cancel", "ignored")
	}
	return written, nil
}

// CanceledFill is the fill a cancellation leaves behind. The exchange
// contract marks a canceled order as completely filled.
func CanceledFill(f domain.OrderFields) *big.Int {
	return new(big.Int).Set(f.AmountGet)
}

// Requeue retries a request whose enqueue failed.
func (r *Recorder) Requeue(ctx context.Context, req domain.ReconcileRequest) error {
	if err := r.queue.Enqueue(ctx, req); err != nil {
		return &EnqueueError{Request: req, Err: err}
	}
	return nil
}

func (r *Recorder) enqueue(ctx context.Context, req domain.ReconcileRequest) error {
	req.ID = uuid.NewString()
	if err := r.queue.Enqueue(ctx, req); err != nil {
		r.logger.Error("enqueue reconcile request failed",
			slog.String("origin", req.Origin),
			slog.String("error", err.Error()),
		)
		return &EnqueueError{Request: req, Err: err}
	}
	return nil
}

func (r *Recorder) count(kind, outcome string) {
	if r.metrics != nil {
		r.metrics.Recorded.WithLabelValues(kind, outcome).Inc()
	}
}

// IsEnqueueError reports whether err only concerns queuing.
func IsEnqueueError(err error) (*EnqueueError, bool) {
	var ee *EnqueueError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
