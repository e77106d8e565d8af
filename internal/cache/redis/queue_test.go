package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

func newDecodeQueue(w io.Writer) *ReconcileQueue {
	return &ReconcileQueue{logger: slog.New(slog.NewTextHandler(w, nil))}
}

func TestDeliveryDecodesPayload(t *testing.T) {
	q := newDecodeQueue(io.Discard)
	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			"payload": `{"id":"r1","origin":"trade","maker":"0x00000000000000000000000000000000000000aa","tokens":["0x8f3470a7388c05ee4e7af3d01d8c722b0ff52374"],"min_expiry":42}`,
		},
	}
	d := q.delivery(context.Background(), msg, 0)
	if d.MessageID != "1-0" || d.Deliveries != 1 {
		t.Fatalf("delivery = %+v", d)
	}
	r := d.Request
	if r.ID != "r1" || r.Maker == nil || *r.Maker != common.HexToAddress("0xaa") || r.MinExpiry != 42 || len(r.Tokens) != 1 {
		t.Fatalf("request = %+v", r)
	}
}

func TestDeliveryGarbagePayload(t *testing.T) {
	var logs bytes.Buffer
	q := newDecodeQueue(&logs)
	d := q.delivery(context.Background(), redis.XMessage{ID: "2-0", Values: map[string]interface{}{"payload": "not json"}}, 4)
	if d.Deliveries != 4 {
		t.Fatalf("deliveries = %d", d.Deliveries)
	}
	if err := d.Request.Validate(); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("garbage payload should decode to an invalid request, got %v", err)
	}
	if out := logs.String(); !strings.Contains(out, "undecodable reconcile payload") || !strings.Contains(out, "id=2-0") {
		t.Fatalf("decode failure not logged with the entry id: %q", out)
	}
}

func newIntegrationClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("DEXLEDGER_TEST_REDIS")
	if os.Getenv("RUN_REDIS_INTEGRATION") == "" || addr == "" {
		t.Skip("set RUN_REDIS_INTEGRATION=1 and DEXLEDGER_TEST_REDIS to run redis tests")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestReconcileQueueIntegration(t *testing.T) {
	c := newIntegrationClient(t)
	ctx := context.Background()
	stream := "dexledger:test:" + uuid.NewString()
	t.Cleanup(func() { c.Underlying().Del(context.Background(), stream) })

	cfg := QueueConfig{Stream: stream, Group: "g", Consumer: "a", Capacity: 1000, ClaimIdle: 50 * time.Millisecond}
	a, err := NewReconcileQueue(ctx, c, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	// Creating the group twice is fine.
	cfg.Consumer = "b"
	b, err := NewReconcileQueue(ctx, c, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}

	hash := common.HexToHash("0x01")
	if err := a.Enqueue(ctx, domain.ReconcileRequest{ID: "r1", Signatures: []common.Hash{hash}}); err != nil {
		t.Fatal(err)
	}

	got, err := a.Read(ctx, 10, 100*time.Millisecond)
	if err != nil || len(got) != 1 {
		t.Fatalf("read = %v, %v", got, err)
	}
	if got[0].Request.Signatures[0] != hash || got[0].Deliveries != 1 {
		t.Fatalf("delivery = %+v", got[0])
	}

	// Unacknowledged, so b takes it over once idle.
	time.Sleep(100 * time.Millisecond)
	again, err := b.Read(ctx, 10, 100*time.Millisecond)
	if err != nil || len(again) != 1 || again[0].MessageID != got[0].MessageID {
		t.Fatalf("redelivery = %v, %v", again, err)
	}
	if again[0].Deliveries < 2 {
		t.Fatalf("deliveries = %d, want >= 2", again[0].Deliveries)
	}

	if err := b.Ack(ctx, again[0].MessageID); err != nil {
		t.Fatal(err)
	}
	if n, err := a.Pending(ctx); err != nil || n != 0 {
		t.Fatalf("pending = %d, %v", n, err)
	}
}

func TestReconcileQueueRefusesWhenFull(t *testing.T) {
	c := newIntegrationClient(t)
	ctx := context.Background()
	stream := "dexledger:test:" + uuid.NewString()
	t.Cleanup(func() { c.Underlying().Del(context.Background(), stream) })

	q, err := NewReconcileQueue(ctx, c, QueueConfig{Stream: stream, Group: "g", Consumer: "a", Capacity: 2},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	for i := range 2 {
		if err := q.Enqueue(ctx, domain.ReconcileRequest{ID: fmt.Sprint(i), Signatures: []common.Hash{{byte(i + 1)}}}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	err = q.Enqueue(ctx, domain.ReconcileRequest{ID: "overflow", Signatures: []common.Hash{{9}}})
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("err = %v, want queue full", err)
	}
	if n := c.Underlying().XLen(ctx, stream).Val(); n != 2 {
		t.Fatalf("stream length = %d, want 2 with nothing trimmed", n)
	}

	// The oldest pending entry survives and, once acked, frees a slot.
	got, err := q.Read(ctx, 1, 50*time.Millisecond)
	if err != nil || len(got) != 1 || got[0].Request.ID != "0" {
		t.Fatalf("read = %v, %v", got, err)
	}
	if err := q.Ack(ctx, got[0].MessageID); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, domain.ReconcileRequest{ID: "overflow", Signatures: []common.Hash{{9}}}); err != nil {
		t.Fatalf("enqueue after ack: %v", err)
	}
}

func TestLeasesIntegration(t *testing.T) {
	c := newIntegrationClient(t)
	ctx := context.Background()
	leases := NewLeases(c)
	key := "test:" + uuid.NewString()

	release, err := leases.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := leases.Acquire(ctx, key, time.Minute); !errors.Is(err, domain.ErrLeaseHeld) {
		t.Fatalf("second acquire err = %v", err)
	}
	release()
	release()
	again, err := leases.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}

func TestRateLimiterIntegration(t *testing.T) {
	c := newIntegrationClient(t)
	rl := NewRateLimiter(c)
	fixed := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	rl.now = func() time.Time { return fixed }
	key := "test:" + uuid.NewString()

	for i := range 3 {
		ok, err := rl.Allow(context.Background(), key, 2, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if want := i < 2; ok != want {
			t.Fatalf("request %d allowed = %v, want %v", i, ok, want)
		}
	}

	fixed = fixed.Add(time.Minute)
	ok, err := rl.Allow(context.Background(), key, 2, time.Minute)
	if err != nil || !ok {
		t.Fatalf("new window: ok=%v err=%v", ok, err)
	}
}
