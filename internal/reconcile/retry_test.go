package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

func TestBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}
}

type permanentRPC struct{}

func (permanentRPC) Error() string  { return "execution reverted" }
func (permanentRPC) ErrorCode() int { return 3 }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"chain call", fmt.Errorf("x: %w", domain.ErrChainCallFailed), true},
		{"storage", domain.ErrStorageUnavailable, true},
		{"http 502", rpc.HTTPError{StatusCode: 502, Status: "502 Bad Gateway"}, true},
		{"http 400", fmt.Errorf("%w: %w", domain.ErrChainCallFailed, rpc.HTTPError{StatusCode: 400}), false},
		{"revert", fmt.Errorf("%w: %w", domain.ErrChainCallFailed, permanentRPC{}), false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryDo(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	ctx := context.Background()

	t.Run("recovers", func(t *testing.T) {
		calls, retries := 0, 0
		err := p.Do(ctx, func(context.Context) error {
			calls++
			if calls < 3 {
				return domain.ErrChainCallFailed
			}
			return nil
		}, func(int, error) { retries++ })
		if err != nil || calls != 3 || retries != 2 {
			t.Fatalf("err=%v calls=%d retries=%d", err, calls, retries)
		}
	})

	t.Run("exhausts", func(t *testing.T) {
		calls := 0
		err := p.Do(ctx, func(context.Context) error {
			calls++
			return domain.ErrChainCallFailed
		}, nil)
		if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, domain.ErrChainCallFailed) {
			t.Fatalf("err = %v", err)
		}
		if calls != 3 {
			t.Fatalf("calls = %d, want 3", calls)
		}
	})

	t.Run("permanent stops at once", func(t *testing.T) {
		calls := 0
		boom := errors.New("bad input")
		err := p.Do(ctx, func(context.Context) error {
			calls++
			return boom
		}, nil)
		if !errors.Is(err, boom) || calls != 1 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("context cancel", func(t *testing.T) {
		slow := RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
		cctx, cancel := context.WithCancel(ctx)
		err := slow.Do(cctx, func(context.Context) error {
			cancel()
			return domain.ErrChainCallFailed
		}, nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	})
}
