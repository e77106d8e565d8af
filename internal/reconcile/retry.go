package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// ErrRetriesExhausted is returned once a transient failure outlives the
// retry budget.
var ErrRetriesExhausted = errors.New("reconcile: retries exhausted")

// RetryPolicy bounds retries of chain calls with exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Backoff returns BaseDelay * 2^retry, capped at MaxDelay.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 0 {
		return p.BaseDelay
	}
	if retry > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<retry)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, fails permanently or the budget runs out.
// onRetry, if set, is called before every wait.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error, onRetry func(retry int, err error)) error {
	var err error
	for retry := 0; ; retry++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if retry >= p.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, retry+1, err)
		}
		if onRetry != nil {
			onRetry(retry, err)
		}

		t := time.NewTimer(p.Backoff(retry))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// IsTransient reports whether err is worth retrying: network failures,
// HTTP 5xx from the node, timeouts and unavailable storage. JSON-RPC errors
// such as reverts are permanent.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrChainCallFailed) ||
		errors.Is(err, domain.ErrStorageUnavailable)
}
