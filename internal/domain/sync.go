package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// ParkedLog is a contract log that could not be recorded and waits for
// replay.
type ParkedLog struct {
	ID       string
	Log      types.Log
	Cause    string
	ParkedAt time.Time
}

// LogParking durably holds contract logs whose recording failed.
type LogParking interface {
	Park(ctx context.Context, lg types.Log, cause error) error
	Parked(ctx context.Context, count int64) ([]ParkedLog, error)
	Unpark(ctx context.Context, ids ...string) error
}

// CursorStore keeps the highest block a named follower has fully handled.
// Advance never moves a cursor backwards.
type CursorStore interface {
	Load(ctx context.Context, name string) (block uint64, ok bool, err error)
	Advance(ctx context.Context, name string, block uint64) error
}
