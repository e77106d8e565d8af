package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/dexledger/internal/domain"
	"github.com/alanyoungcy/dexledger/internal/metrics"
)

var (
	maker = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token = common.HexToAddress("0x8f3470a7388c05ee4e7af3d01d8c722b0ff52374")
	t0    = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOrders keeps orders in memory and applies fills with the same guard as
// the SQL update.
type fakeOrders struct {
	mu       sync.Mutex
	rows     map[common.Hash]*domain.Order
	order    []common.Hash
	listErr  error
	applyErr error
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{rows: make(map[common.Hash]*domain.Order)}
}

func (f *fakeOrders) add(n int, amountGet int64) []common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []common.Hash
	for i := 0; i < n; i++ {
		h := common.BigToHash(big.NewInt(int64(len(f.order) + 1)))
		f.rows[h] = &domain.Order{
			Hash:  h,
			User:  maker,
			State: domain.OrderStateOpen,
			OrderFields: domain.OrderFields{
				TokenGet: token, AmountGet: big.NewInt(amountGet),
				AmountGive: big.NewInt(1), Expires: big.NewInt(100), Nonce: big.NewInt(int64(i)),
			},
			AmountFill:      new(big.Int),
			AvailableVolume: big.NewInt(amountGet),
		}
		f.order = append(f.order, h)
		out = append(out, h)
	}
	return out
}

func (f *fakeOrders) get(h common.Hash) domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[h]
}

func (f *fakeOrders) Insert(context.Context, domain.Order) (bool, error) { return false, nil }

func (f *fakeOrders) UpsertCancel(context.Context, domain.Order, time.Time) (bool, error) {
	return false, nil
}

func (f *fakeOrders) Get(_ context.Context, h common.Hash) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.rows[h]; ok {
		return *o, nil
	}
	return domain.Order{}, domain.ErrNotFound
}

func (f *fakeOrders) ListBySignatures(_ context.Context, hashes []common.Hash) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Order
	for _, h := range hashes {
		if o, ok := f.rows[h]; ok {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrders) ListAffected(_ context.Context, m common.Address, tokens []common.Address, minExpiry uint64) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Order
	for _, h := range f.order {
		o := f.rows[h]
		if o.User != m || o.State != domain.OrderStateOpen || o.Expires.Uint64() < minExpiry {
			continue
		}
		for _, tok := range tokens {
			if o.Involves(tok) {
				out = append(out, *o)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeOrders) ListOpenByToken(ctx context.Context, tok common.Address, minExpiry uint64) ([]domain.Order, error) {
	return f.ListAffected(ctx, maker, []common.Address{tok}, minExpiry)
}

func (f *fakeOrders) CountOpen(context.Context, common.Address, common.Address, common.Address, uint64) (int, error) {
	return 0, nil
}

func (f *fakeOrders) ApplyFill(_ context.Context, u domain.FillUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return false, f.applyErr
	}
	o, ok := f.rows[u.Hash]
	if !ok || (o.Updated != nil && o.Updated.After(u.Updated)) {
		return false, nil
	}
	if u.AmountFill.Cmp(o.AmountFill) > 0 {
		o.AmountFill = new(big.Int).Set(u.AmountFill)
	}
	o.AvailableVolume = new(big.Int).Set(u.AvailableVolume)
	if !o.State.IsTerminal() {
		o.State = domain.OrderStateOpen
		if o.AmountGet.Cmp(o.AmountFill) <= 0 {
			o.State = domain.OrderStateFilled
		}
	}
	at := u.Updated
	o.Updated = &at
	return true, nil
}

// fakeFills reports a fixed fill for every order.
type fakeFills struct {
	mu        sync.Mutex
	fill      int64
	available int64
	failures  int
	err       error
	batches   []int
}

func (f *fakeFills) FetchFills(_ context.Context, orders []domain.Order) ([]domain.FillState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	f.batches = append(f.batches, len(orders))
	out := make([]domain.FillState, len(orders))
	for i, o := range orders {
		out[i] = domain.FillState{Hash: o.Hash, AmountFill: big.NewInt(f.fill), AvailableVolume: big.NewInt(f.available)}
	}
	return out, nil
}

type fixedTime time.Time

func (f fixedTime) Timestamp(context.Context, domain.BlockRef) (time.Time, error) {
	return time.Time(f), nil
}

func newReconciler(orders *fakeOrders, fills *fakeFills, at time.Time) *Reconciler {
	return New(Config{
		BatchSize: DefaultBatchSize,
		Retry:     RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, orders, fills, fixedTime(at), metrics.NewNop(), discardLogger())
}

func TestReconcileBySignature(t *testing.T) {
	orders := newFakeOrders()
	hashes := orders.add(1, 100)
	fills := &fakeFills{fill: 40, available: 60}

	res, err := newReconciler(orders, fills, t0).Reconcile(context.Background(), domain.ReconcileRequest{Signatures: hashes})
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected != 1 || res.Applied != 1 {
		t.Fatalf("result = %+v", res)
	}
	o := orders.get(hashes[0])
	if o.AmountFill.Int64() != 40 || o.AvailableVolume.Int64() != 60 || o.State != domain.OrderStateOpen {
		t.Fatalf("order = fill %s available %s state %s", o.AmountFill, o.AvailableVolume, o.State)
	}
	if !o.Updated.Equal(t0) {
		t.Fatalf("updated = %s", o.Updated)
	}
}

func TestReconcileFullFillMarksFilled(t *testing.T) {
	orders := newFakeOrders()
	hashes := orders.add(1, 100)
	fills := &fakeFills{fill: 100}

	if _, err := newReconciler(orders, fills, t0).Reconcile(context.Background(), domain.ReconcileRequest{Signatures: hashes}); err != nil {
		t.Fatal(err)
	}
	if got := orders.get(hashes[0]).State; got != domain.OrderStateFilled {
		t.Fatalf("state = %s, want FILLED", got)
	}
}

func TestReconcileStaleUpdateSkipped(t *testing.T) {
	orders := newFakeOrders()
	hashes := orders.add(1, 100)
	ctx := context.Background()
	req := domain.ReconcileRequest{Signatures: hashes}

	if _, err := newReconciler(orders, &fakeFills{fill: 70, available: 30}, t0.Add(time.Minute)).Reconcile(ctx, req); err != nil {
		t.Fatal(err)
	}
	res, err := newReconciler(orders, &fakeFills{fill: 10, available: 90}, t0).Reconcile(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stale != 1 || res.Applied != 0 {
		t.Fatalf("result = %+v, want one stale", res)
	}
	o := orders.get(hashes[0])
	if o.AmountFill.Int64() != 70 || o.AvailableVolume.Int64() != 30 {
		t.Fatalf("stale pass overwrote newer data: fill %s available %s", o.AmountFill, o.AvailableVolume)
	}
}

func TestReconcileFillNeverDecreases(t *testing.T) {
	orders := newFakeOrders()
	hashes := orders.add(1, 100)
	ctx := context.Background()
	req := domain.ReconcileRequest{Signatures: hashes}

	if _, err := newReconciler(orders, &fakeFills{fill: 70}, t0).Reconcile(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := newReconciler(orders, &fakeFills{fill: 20}, t0.Add(time.Second)).Reconcile(ctx, req); err != nil {
		t.Fatal(err)
	}
	if got := orders.get(hashes[0]).AmountFill.Int64(); got != 70 {
		t.Fatalf("fill = %d, want 70", got)
	}
}

func TestReconcileTerminalStateKept(t *testing.T) {
	orders := newFakeOrders()
	hashes := orders.add(1, 100)
	orders.rows[hashes[0]].State = domain.OrderStateCanceled

	if _, err := newReconciler(orders, &fakeFills{fill: 0, available: 0}, t0).ReconcileToken(context.Background(), token); err != nil {
		t.Fatal(err)
	}
	// Canceled orders are not OPEN, so the token backfill does not select it.
	if got := orders.get(hashes[0]).State; got != domain.OrderStateCanceled {
		t.Fatalf("state = %s", got)
	}

	if _, err := newReconciler(orders, &fakeFills{fill: 0}, t0).Reconcile(context.Background(), domain.ReconcileRequest{Signatures: hashes}); err != nil {
		t.Fatal(err)
	}
	if got := orders.get(hashes[0]).State; got != domain.OrderStateCanceled {
		t.Fatalf("state = %s, canceled must stay terminal", got)
	}
}

func TestReconcileBatches(t *testing.T) {
	orders := newFakeOrders()
	orders.add(600, 100)
	fills := &fakeFills{fill: 1, available: 99}

	maker := maker
	res, err := newReconciler(orders, fills, t0).Reconcile(context.Background(), domain.ReconcileRequest{
		Maker: &maker, Tokens: []common.Address{token}, MinExpiry: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected != 600 || res.Applied != 600 {
		t.Fatalf("result = %+v", res)
	}
	want := []int{250, 250, 100}
	if len(fills.batches) != len(want) {
		t.Fatalf("batches = %v, want %v", fills.batches, want)
	}
	for i := range want {
		if fills.batches[i] != want[i] {
			t.Fatalf("batches = %v, want %v", fills.batches, want)
		}
	}
}

func TestReconcileMinExpiryFilter(t *testing.T) {
	orders := newFakeOrders()
	orders.add(2, 100)
	fills := &fakeFills{}

	maker := maker
	res, err := newReconciler(orders, fills, t0).Reconcile(context.Background(), domain.ReconcileRequest{
		Maker: &maker, Tokens: []common.Address{token}, MinExpiry: 101,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected != 0 || len(fills.batches) != 0 {
		t.Fatalf("expired orders selected: %+v", res)
	}
}

func TestReconcileRetriesTransientFailure(t *testing.T) {
	orders := newFakeOrders()
	hashes := orders.add(1, 100)
	fills := &fakeFills{fill: 5, failures: 2, err: domain.ErrChainCallFailed}

	res, err := newReconciler(orders, fills, t0).Reconcile(context.Background(), domain.ReconcileRequest{Signatures: hashes})
	if err != nil || res.Applied != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestReconcileExhaustsRetries(t *testing.T) {
	orders := newFakeOrders()
	hashes := orders.add(1, 100)
	fills := &fakeFills{failures: 10, err: domain.ErrChainCallFailed}

	_, err := newReconciler(orders, fills, t0).Reconcile(context.Background(), domain.ReconcileRequest{Signatures: hashes})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v", err)
	}
	if got := orders.get(hashes[0]); got.Updated != nil {
		t.Fatal("order touched despite failure")
	}
}

func TestReconcileInvalidRequest(t *testing.T) {
	_, err := newReconciler(newFakeOrders(), &fakeFills{}, t0).Reconcile(context.Background(), domain.ReconcileRequest{})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
}
