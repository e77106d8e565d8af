package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// ParkedLogs implements domain.LogParking on a plain stream. Entries stay
// until Unpark deletes them; the stream is never trimmed.
type ParkedLogs struct {
	rdb    *redis.Client
	stream string
	logger *slog.Logger
}

func NewParkedLogs(c *Client, stream string, logger *slog.Logger) *ParkedLogs {
	return &ParkedLogs{
		rdb:    c.Underlying(),
		stream: stream,
		logger: logger.With(slog.String("component", "parked_logs")),
	}
}

// Park stores lg with the error that kept it out of the ledger.
func (p *ParkedLogs) Park(ctx context.Context, lg types.Log, cause error) error {
	raw, err := json.Marshal(&lg)
	if err != nil {
		return fmt.Errorf("redis: encode log: %w", err)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"log":       raw,
			"cause":     reason,
			"parked_at": time.Now().UTC().Unix(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: park log %s/%d: %w: %w", lg.TxHash.Hex(), lg.Index, domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Parked returns up to count of the oldest parked logs. Entries that no
// longer decode are logged and deleted.
func (p *ParkedLogs) Parked(ctx context.Context, count int64) ([]domain.ParkedLog, error) {
	msgs, err := p.rdb.XRangeN(ctx, p.stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: range %s: %w: %w", p.stream, domain.ErrQueueUnavailable, err)
	}

	out := make([]domain.ParkedLog, 0, len(msgs))
	var corrupt []string
	for _, msg := range msgs {
		parked, err := decodeParked(msg)
		if err != nil {
			p.logger.ErrorContext(ctx, "dropping undecodable parked log",
				slog.String("id", msg.ID),
				slog.String("error", err.Error()),
			)
			corrupt = append(corrupt, msg.ID)
			continue
		}
		out = append(out, parked)
	}
	if len(corrupt) > 0 {
		if err := p.Unpark(ctx, corrupt...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeParked(msg redis.XMessage) (domain.ParkedLog, error) {
	parked := domain.ParkedLog{ID: msg.ID}
	raw, _ := msg.Values["log"].(string)
	if raw == "" {
		return parked, fmt.Errorf("missing log")
	}
	if err := json.Unmarshal([]byte(raw), &parked.Log); err != nil {
		return parked, err
	}
	parked.Cause, _ = msg.Values["cause"].(string)
	if at, _ := msg.Values["parked_at"].(string); at != "" {
		if sec, err := strconv.ParseInt(at, 10, 64); err == nil {
			parked.ParkedAt = time.Unix(sec, 0).UTC()
		}
	}
	return parked, nil
}

// Unpark deletes replayed entries.
func (p *ParkedLogs) Unpark(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.rdb.XDel(ctx, p.stream, ids...).Err(); err != nil {
		return fmt.Errorf("redis: unpark %s: %w: %w", p.stream, domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Len reports how many logs are parked.
func (p *ParkedLogs) Len(ctx context.Context) (int64, error) {
	n, err := p.rdb.XLen(ctx, p.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: len %s: %w", p.stream, err)
	}
	return n, nil
}

var _ domain.LogParking = (*ParkedLogs)(nil)
