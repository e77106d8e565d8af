package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// Timestamps is the process-wide block timestamp cache. Entries are never
// evicted or overwritten: a block's timestamp does not change once mined.
// "latest" and unknown blocks are never cached.
type Timestamps struct {
	src     domain.ChainReader
	entries sync.Map // uint64 -> time.Time
	size    atomic.Int64
	now     func() time.Time
	logger  *slog.Logger
}

// NewTimestamps creates an empty cache over src.
func NewTimestamps(src domain.ChainReader, logger *slog.Logger) *Timestamps {
	return &Timestamps{
		src:    src,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "block_timestamps")),
	}
}

// Timestamp resolves ref. A block the node does not know yet resolves to the
// current wall-clock time; that value is not cached.
func (t *Timestamps) Timestamp(ctx context.Context, ref domain.BlockRef) (time.Time, error) {
	if !ref.Latest {
		if v, ok := t.entries.Load(ref.Number); ok {
			return v.(time.Time), nil
		}
	}

	ts, err := t.src.BlockTime(ctx, ref)
	if errors.Is(err, domain.ErrBlockNotFound) {
		now := t.now()
		t.logger.Warn("block not found, using wall clock",
			slog.String("block", ref.String()),
			slog.Time("fallback", now),
		)
		return now, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if ref.Latest {
		return ts, nil
	}

	actual, loaded := t.entries.LoadOrStore(ref.Number, ts)
	if !loaded {
		t.size.Add(1)
	}
	return actual.(time.Time), nil
}

// Len returns the number of cached blocks.
func (t *Timestamps) Len() int {
	return int(t.size.Load())
}

var _ domain.TimestampSource = (*Timestamps)(nil)
