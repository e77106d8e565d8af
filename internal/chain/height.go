package chain

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// HeightTracker keeps the most recent block number, refreshed on an
// interval. Readers never block on the node once a first value is known.
type HeightTracker struct {
	src      domain.ChainReader
	interval time.Duration
	height   atomic.Uint64
	logger   *slog.Logger
}

// NewHeightTracker creates a tracker polling src every interval.
func NewHeightTracker(src domain.ChainReader, interval time.Duration, logger *slog.Logger) *HeightTracker {
	return &HeightTracker{
		src:      src,
		interval: interval,
		logger:   logger.With(slog.String("component", "height_tracker")),
	}
}

// CurrentBlock returns the last known height, fetching it when nothing has
// been observed yet.
func (h *HeightTracker) CurrentBlock(ctx context.Context) (uint64, error) {
	if n := h.height.Load(); n > 0 {
		return n, nil
	}
	return h.refresh(ctx)
}

// Observe raises the known height when a newer block is seen elsewhere, for
// example in a subscription log.
func (h *HeightTracker) Observe(n uint64) {
	for {
		cur := h.height.Load()
		if n <= cur || h.height.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (h *HeightTracker) refresh(ctx context.Context) (uint64, error) {
	n, err := h.src.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	h.Observe(n)
	return h.height.Load(), nil
}

// Run refreshes the height until ctx is cancelled.
func (h *HeightTracker) Run(ctx context.Context) error {
	h.logger.Info("height tracker started", slog.Duration("interval", h.interval))
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if n, err := h.refresh(ctx); err != nil {
			h.logger.Warn("refresh block height failed", slog.String("error", err.Error()))
		} else {
			h.logger.Debug("block height", slog.Uint64("block", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

var _ domain.HeightSource = (*HeightTracker)(nil)
