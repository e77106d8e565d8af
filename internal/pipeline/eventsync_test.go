package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alanyoungcy/dexledger/internal/domain"
	"github.com/alanyoungcy/dexledger/internal/metrics"
)

var syncContract = common.HexToAddress("0x8d12a197cb00d4747a1fe03395095ce2a5cc6819")

// chainLogs serves logs by block number.
type chainLogs struct {
	head    uint64
	byBlock map[uint64][]types.Log
	ranges  [][2]uint64
	failOn  int
}

func (c *chainLogs) BlockNumber(context.Context) (uint64, error) { return c.head, nil }

func (c *chainLogs) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	c.ranges = append(c.ranges, [2]uint64{from, to})
	if c.failOn > 0 && len(c.ranges) == c.failOn {
		return nil, domain.ErrChainCallFailed
	}
	var out []types.Log
	for b := from; b <= to; b++ {
		out = append(out, c.byBlock[b]...)
	}
	return out, nil
}

// ingestStub fails for transactions listed in failing.
type ingestStub struct {
	mu       sync.Mutex
	failing  map[common.Hash]bool
	ingested []common.Hash
}

func (i *ingestStub) Ingest(_ context.Context, lg types.Log) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.failing[lg.TxHash] {
		return fmt.Errorf("record: %w", domain.ErrStorageUnavailable)
	}
	i.ingested = append(i.ingested, lg.TxHash)
	return nil
}

type memParking struct {
	logs    []domain.ParkedLog
	seq     int
	parkErr error
}

func (p *memParking) Park(_ context.Context, lg types.Log, cause error) error {
	if p.parkErr != nil {
		return p.parkErr
	}
	p.seq++
	p.logs = append(p.logs, domain.ParkedLog{ID: fmt.Sprint(p.seq), Log: lg, Cause: cause.Error()})
	return nil
}

func (p *memParking) Parked(_ context.Context, count int64) ([]domain.ParkedLog, error) {
	n := min(int(count), len(p.logs))
	return append([]domain.ParkedLog(nil), p.logs[:n]...), nil
}

func (p *memParking) Unpark(_ context.Context, ids ...string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := p.logs[:0]
	for _, l := range p.logs {
		if !drop[l.ID] {
			kept = append(kept, l)
		}
	}
	p.logs = kept
	return nil
}

type memCursors struct {
	blocks     map[string]uint64
	advanceErr error
}

func (c *memCursors) Load(_ context.Context, name string) (uint64, bool, error) {
	b, ok := c.blocks[name]
	return b, ok, nil
}

func (c *memCursors) Advance(_ context.Context, name string, block uint64) error {
	if c.advanceErr != nil {
		return c.advanceErr
	}
	if c.blocks == nil {
		c.blocks = map[string]uint64{}
	}
	if block > c.blocks[name] {
		c.blocks[name] = block
	}
	return nil
}

func logAt(block uint64, tx byte) types.Log {
	return types.Log{Address: syncContract, BlockNumber: block, TxHash: common.Hash{tx}}
}

func newTestSync(src LogSource, in LogIngester, p domain.LogParking, c domain.CursorStore, m *metrics.Metrics) *EventSync {
	return NewEventSync(EventSyncConfig{
		Contract: syncContract,
		Topics:   []common.Hash{{0xee}},
		Step:     300,
	}, src, in, p, c, fastRetry, m, quiet)
}

func TestHandleParksFailedEvents(t *testing.T) {
	cases := []struct {
		name       string
		failing    bool
		parkErr    error
		wantErr    bool
		wantParked int
		wantCursor uint64
	}{
		{name: "recorded", wantCursor: 42},
		{name: "parked", failing: true, wantParked: 1, wantCursor: 42},
		{name: "park unavailable", failing: true, parkErr: domain.ErrQueueUnavailable, wantErr: true, wantCursor: 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lg := logAt(42, 1)
			in := &ingestStub{failing: map[common.Hash]bool{lg.TxHash: tc.failing}}
			parking := &memParking{parkErr: tc.parkErr}
			cursors := &memCursors{blocks: map[string]uint64{ContractCursor: 7}}
			m := metrics.New(prometheus.NewRegistry())
			s := newTestSync(&chainLogs{}, in, parking, cursors, m)

			err := s.Handle(context.Background(), lg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if len(parking.logs) != tc.wantParked {
				t.Fatalf("parked = %d, want %d", len(parking.logs), tc.wantParked)
			}
			if got := cursors.blocks[ContractCursor]; got != tc.wantCursor {
				t.Fatalf("cursor = %d, want %d", got, tc.wantCursor)
			}
			if got := testutil.ToFloat64(m.ParkedLogs.WithLabelValues("parked")); got != float64(tc.wantParked) {
				t.Fatalf("parked metric = %v", got)
			}
		})
	}
}

func TestCatchUpReplaysFromCursor(t *testing.T) {
	src := &chainLogs{
		head: 750,
		byBlock: map[uint64][]types.Log{
			100: {logAt(100, 1)},
			420: {logAt(420, 2), {BlockNumber: 420, TxHash: common.Hash{9}, Removed: true}},
			750: {logAt(750, 3)},
		},
	}
	in := &ingestStub{}
	cursors := &memCursors{blocks: map[string]uint64{ContractCursor: 100}}
	s := newTestSync(src, in, &memParking{}, cursors, nil)

	if err := s.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := [][2]uint64{{100, 399}, {400, 699}, {700, 750}}
	if fmt.Sprint(src.ranges) != fmt.Sprint(want) {
		t.Fatalf("ranges = %v, want %v", src.ranges, want)
	}
	if len(in.ingested) != 3 || in.ingested[0] != (common.Hash{1}) || in.ingested[2] != (common.Hash{3}) {
		t.Fatalf("ingested = %v", in.ingested)
	}
	if cursors.blocks[ContractCursor] != 750 {
		t.Fatalf("cursor = %d, want head", cursors.blocks[ContractCursor])
	}
}

func TestCatchUpWithoutCursorStartsAtHead(t *testing.T) {
	src := &chainLogs{head: 5_000_000}
	cursors := &memCursors{}
	s := newTestSync(src, &ingestStub{}, &memParking{}, cursors, nil)

	if err := s.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(src.ranges) != 0 {
		t.Fatalf("no history should be scanned, got %v", src.ranges)
	}
	if cursors.blocks[ContractCursor] != 5_000_000 {
		t.Fatalf("cursor = %d", cursors.blocks[ContractCursor])
	}
}

func TestCatchUpStopsAtFailedWindow(t *testing.T) {
	src := &chainLogs{head: 900, failOn: 2}
	cursors := &memCursors{blocks: map[string]uint64{ContractCursor: 0}}
	s := newTestSync(src, &ingestStub{}, &memParking{}, cursors, nil)
	s.retry.MaxRetries = 0

	err := s.CatchUp(context.Background())
	if !errors.Is(err, domain.ErrChainCallFailed) {
		t.Fatalf("err = %v", err)
	}
	if cursors.blocks[ContractCursor] != 299 {
		t.Fatalf("cursor = %d, want end of the last finished window", cursors.blocks[ContractCursor])
	}
}

func TestBackfillLeavesCursorAlone(t *testing.T) {
	src := &chainLogs{head: 10_000, byBlock: map[uint64][]types.Log{5: {logAt(5, 1)}, 6: {logAt(6, 2)}}}
	in := &ingestStub{failing: map[common.Hash]bool{{2}: true}}
	parking := &memParking{}
	cursors := &memCursors{blocks: map[string]uint64{ContractCursor: 3}}
	s := newTestSync(src, in, parking, cursors, nil)

	n, err := s.Backfill(context.Background(), []common.Hash{{0xaa}}, 1, 6)
	if err != nil || n != 2 {
		t.Fatalf("backfill = %d, %v", n, err)
	}
	if len(parking.logs) != 1 || parking.logs[0].Log.TxHash != (common.Hash{2}) {
		t.Fatalf("parked = %+v", parking.logs)
	}
	if cursors.blocks[ContractCursor] != 3 {
		t.Fatalf("cursor moved to %d", cursors.blocks[ContractCursor])
	}
	if _, err := s.Backfill(context.Background(), nil, 7, 6); err == nil {
		t.Fatal("inverted range should fail")
	}
}

func TestReplayParkedUnparksRecorded(t *testing.T) {
	parking := &memParking{}
	_ = parking.Park(context.Background(), logAt(1, 1), errors.New("down"))
	_ = parking.Park(context.Background(), logAt(2, 2), errors.New("down"))
	in := &ingestStub{failing: map[common.Hash]bool{{2}: true}}
	m := metrics.New(prometheus.NewRegistry())
	s := newTestSync(&chainLogs{}, in, parking, &memCursors{}, m)

	n, err := s.ReplayParked(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("replayed = %d, %v", n, err)
	}
	if len(parking.logs) != 1 || parking.logs[0].Log.TxHash != (common.Hash{2}) {
		t.Fatalf("still parked = %+v", parking.logs)
	}
	if got := testutil.ToFloat64(m.ParkedLogs.WithLabelValues("replayed")); got != 1 {
		t.Fatalf("replayed metric = %v", got)
	}
}
