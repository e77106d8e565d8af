package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// QueueConfig names the stream and consumer group of the reconcile queue.
type QueueConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Capacity bounds the backlog. Enqueue refuses with domain.ErrQueueFull
	// once the stream holds this many entries; zero means unbounded.
	Capacity int64
	// ClaimIdle is how long a delivery may stay unacknowledged before another
	// consumer takes it over.
	ClaimIdle time.Duration
}

// ReconcileQueue implements domain.ReconcileQueue and
// domain.ReconcileConsumer on a Redis stream with a consumer group.
type ReconcileQueue struct {
	rdb     *redis.Client
	cfg     QueueConfig
	bounded *redis.Script
	logger  *slog.Logger
}

// boundedAddLua appends ARGV[2] unless the stream already holds ARGV[1]
// entries. Acked entries are deleted, so the length is the backlog.
const boundedAddLua = `
if redis.call('XLEN', KEYS[1]) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('XADD', KEYS[1], '*', 'payload', ARGV[2])
return 1
`

// NewReconcileQueue creates the queue and its consumer group if needed. An
// empty consumer name gets a random one.
func NewReconcileQueue(ctx context.Context, c *Client, cfg QueueConfig, logger *slog.Logger) (*ReconcileQueue, error) {
	if cfg.Consumer == "" {
		cfg.Consumer = "reconciler-" + uuid.NewString()[:8]
	}
	q := &ReconcileQueue{
		rdb:     c.Underlying(),
		cfg:     cfg,
		bounded: redis.NewScript(boundedAddLua),
		logger:  logger.With(slog.String("component", "reconcile_queue")),
	}

	err := q.rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redis: create group %s on %s: %w: %w", cfg.Group, cfg.Stream, domain.ErrQueueUnavailable, err)
	}
	return q, nil
}

// Enqueue appends a request to the stream. A full queue returns
// domain.ErrQueueFull; nothing is ever trimmed.
func (q *ReconcileQueue) Enqueue(ctx context.Context, req domain.ReconcileRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("redis: encode request: %w", err)
	}
	if q.cfg.Capacity <= 0 {
		err := q.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: q.cfg.Stream,
			Values: map[string]interface{}{"payload": payload},
		}).Err()
		if err != nil {
			return fmt.Errorf("redis: enqueue %s: %w: %w", q.cfg.Stream, domain.ErrQueueUnavailable, err)
		}
		return nil
	}

	added, err := q.bounded.Run(ctx, q.rdb, []string{q.cfg.Stream}, q.cfg.Capacity, payload).Int64()
	if err != nil {
		return fmt.Errorf("redis: enqueue %s: %w: %w", q.cfg.Stream, domain.ErrQueueUnavailable, err)
	}
	if added == 0 {
		return fmt.Errorf("redis: enqueue %s: %w (capacity %d)", q.cfg.Stream, domain.ErrQueueFull, q.cfg.Capacity)
	}
	return nil
}

// Read returns up to count deliveries. Entries left unacknowledged by any
// consumer for longer than ClaimIdle come first, then new entries, waiting up
// to block for them.
func (q *ReconcileQueue) Read(ctx context.Context, count int, block time.Duration) ([]domain.QueueDelivery, error) {
	claimed, err := q.claimIdle(ctx, count)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read %s: %w: %w", q.cfg.Stream, domain.ErrQueueUnavailable, err)
	}

	var out []domain.QueueDelivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			out = append(out, q.delivery(ctx, msg, 1))
		}
	}
	return out, nil
}

func (q *ReconcileQueue) claimIdle(ctx context.Context, count int) ([]domain.QueueDelivery, error) {
	if q.cfg.ClaimIdle <= 0 {
		return nil, nil
	}
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: autoclaim %s: %w: %w", q.cfg.Stream, domain.ErrQueueUnavailable, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	counts := q.deliveryCounts(ctx, msgs)
	out := make([]domain.QueueDelivery, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, q.delivery(ctx, msg, counts[msg.ID]))
	}
	return out, nil
}

// deliveryCounts looks up how often each claimed entry was handed out.
func (q *ReconcileQueue) deliveryCounts(ctx context.Context, msgs []redis.XMessage) map[string]int64 {
	counts := make(map[string]int64, len(msgs))
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Start:    msgs[0].ID,
		End:      msgs[len(msgs)-1].ID,
		Count:    int64(len(msgs)),
		Consumer: q.cfg.Consumer,
	}).Result()
	if err != nil {
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

// delivery decodes one stream entry. Undecodable payloads are logged and
// returned with an empty request so the worker drops them as invalid.
func (q *ReconcileQueue) delivery(ctx context.Context, msg redis.XMessage, deliveries int64) domain.QueueDelivery {
	d := domain.QueueDelivery{MessageID: msg.ID, Deliveries: max(deliveries, 1)}

	var data []byte
	switch v := msg.Values["payload"].(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	}
	if len(data) == 0 {
		q.logger.ErrorContext(ctx, "reconcile entry without payload", slog.String("id", msg.ID))
		return d
	}
	if err := json.Unmarshal(data, &d.Request); err != nil {
		q.logger.ErrorContext(ctx, "undecodable reconcile payload",
			slog.String("id", msg.ID),
			slog.String("error", err.Error()),
		)
		d.Request = domain.ReconcileRequest{}
	}
	return d
}

// Ack acknowledges processed deliveries and removes them from the stream.
func (q *ReconcileQueue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, ids...)
	pipe.XDel(ctx, q.cfg.Stream, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: ack %s: %w: %w", q.cfg.Stream, domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Pending reports how many deliveries await acknowledgement.
func (q *ReconcileQueue) Pending(ctx context.Context) (int64, error) {
	p, err := q.rdb.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: pending %s: %w", q.cfg.Stream, err)
	}
	return p.Count, nil
}

// Compile-time interface checks.
var (
	_ domain.ReconcileQueue    = (*ReconcileQueue)(nil)
	_ domain.ReconcileConsumer = (*ReconcileQueue)(nil)
)
