package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

const archiveLease = "archive"

// Leaser grants exclusive, expiring leases.
type Leaser interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Archiver exports whole calendar months of trades and transfers once they
// fall out of the retention window. Rows are never deleted.
type Archiver struct {
	archive       domain.Archiver
	leases        Leaser
	retentionDays int
	leaseTTL      time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates an Archiver. leases may be nil when only one process
// archives.
func NewArchiver(archive domain.Archiver, leases Leaser, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		archive:       archive,
		leases:        leases,
		retentionDays: retentionDays,
		leaseTTL:      time.Hour,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// archiveWindow returns the last full calendar month that ends on or before
// the retention cutoff.
func archiveWindow(now time.Time, retentionDays int) (from, to time.Time) {
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	to = time.Date(cutoff.Year(), cutoff.Month(), 1, 0, 0, 0, 0, time.UTC)
	from = to.AddDate(0, -1, 0)
	return from, to
}

// Run executes a single archive run.
func (a *Archiver) Run(ctx context.Context) error {
	if a.leases != nil {
		release, err := a.leases.Acquire(ctx, archiveLease, a.leaseTTL)
		if errors.Is(err, domain.ErrLeaseHeld) {
			a.logger.InfoContext(ctx, "archive already running elsewhere")
			return nil
		}
		if err != nil {
			return fmt.Errorf("acquiring archive lease: %w", err)
		}
		defer release()
	}

	from, to := archiveWindow(a.now(), a.retentionDays)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("from", from),
		slog.Time("to", to),
		slog.Int("retention_days", a.retentionDays),
	)

	trades, err := a.archive.ArchiveTrades(ctx, from, to)
	if err != nil {
		return fmt.Errorf("archiving trades %s: %w", from.Format("2006-01"), err)
	}
	transfers, err := a.archive.ArchiveTransfers(ctx, from, to)
	if err != nil {
		return fmt.Errorf("archiving transfers %s: %w", from.Format("2006-01"), err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("trades", trades),
		slog.Int64("transfers", transfers),
	)
	return nil
}

// RunCron runs the archiver on a cron schedule until the context is
// cancelled. Example: "0 3 1 * *" runs at 03:00 UTC on the 1st of every month.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseSchedule(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("cron %q: %w", cronExpr, err)
		}

		wait := time.Until(next)
		a.logger.DebugContext(ctx, "archiver waiting", slog.Time("next_run", next), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
