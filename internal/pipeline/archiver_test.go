package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

var errBucket = errors.New("bucket unreachable")

type recordingArchive struct {
	ranges [][2]time.Time
	err    error
}

func (r *recordingArchive) ArchiveTrades(_ context.Context, from, to time.Time) (int64, error) {
	r.ranges = append(r.ranges, [2]time.Time{from, to})
	return 3, r.err
}

func (r *recordingArchive) ArchiveTransfers(_ context.Context, from, to time.Time) (int64, error) {
	r.ranges = append(r.ranges, [2]time.Time{from, to})
	return 1, nil
}

type stubLeases struct {
	held     bool
	released int
}

func (l *stubLeases) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLeaseHeld
	}
	return func() { l.released++ }, nil
}

func TestArchiveWindow(t *testing.T) {
	tests := []struct {
		now       time.Time
		retention int
		from, to  time.Time
	}{
		{
			now:       time.Date(2026, 10, 1, 3, 0, 0, 0, time.UTC),
			retention: 90,
			from:      time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
			to:        time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			now:       time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
			retention: 1,
			from:      time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
			to:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		from, to := archiveWindow(tt.now, tt.retention)
		if !from.Equal(tt.from) || !to.Equal(tt.to) {
			t.Errorf("archiveWindow(%s, %d) = [%s, %s), want [%s, %s)",
				tt.now, tt.retention, from, to, tt.from, tt.to)
		}
	}
}

func TestArchiverRun(t *testing.T) {
	archive := &recordingArchive{}
	leases := &stubLeases{}
	a := NewArchiver(archive, leases, 30, quiet)
	a.now = func() time.Time { return time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC) }

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(archive.ranges) != 2 {
		t.Fatalf("archive calls = %d, want trades and transfers", len(archive.ranges))
	}
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !archive.ranges[0][0].Equal(want) {
		t.Fatalf("window starts %s, want %s", archive.ranges[0][0], want)
	}
	if leases.released != 1 {
		t.Fatalf("lease released %d times", leases.released)
	}
}

func TestArchiverRunLeaseHeld(t *testing.T) {
	archive := &recordingArchive{}
	a := NewArchiver(archive, &stubLeases{held: true}, 30, quiet)

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("held lease should not be an error: %v", err)
	}
	if len(archive.ranges) != 0 {
		t.Fatal("archive ran without the lease")
	}
}

func TestArchiverRunError(t *testing.T) {
	archive := &recordingArchive{err: errBucket}
	a := NewArchiver(archive, nil, 30, quiet)

	err := a.Run(context.Background())
	if !errors.Is(err, errBucket) {
		t.Fatalf("err = %v", err)
	}
	if len(archive.ranges) != 1 {
		t.Fatal("transfers should not run after trades fail")
	}
}

func TestArchiverRunCronStops(t *testing.T) {
	a := NewArchiver(&recordingArchive{}, nil, 30, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.RunCron(ctx, "0 3 1 * *"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if err := a.RunCron(context.Background(), "bad"); err == nil {
		t.Fatal("invalid cron should fail")
	}
}
