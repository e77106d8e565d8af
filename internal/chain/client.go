// Package chain talks to an Ethereum node: block lookups, contract calls
// against the exchange, log decoding and the live log subscription.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// Client wraps an ethclient with per-call timeouts.
type Client struct {
	rpc         *rpc.Client
	eth         *ethclient.Client
	readTimeout time.Duration
}

// Dial connects to the node at url. connectTimeout bounds the dial and
// readTimeout bounds every subsequent call.
func Dial(ctx context.Context, url string, connectTimeout, readTimeout time.Duration) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	rc, err := rpc.DialContext(dialCtx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}
	return &Client{rpc: rc, eth: ethclient.NewClient(rc), readTimeout: readTimeout}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// RPC exposes the raw client for batch calls.
func (c *Client) RPC() *rpc.Client {
	return c.rpc
}

// BlockNumber returns the current head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w: %w", domain.ErrChainCallFailed, err)
	}
	return n, nil
}

// BlockTime returns the timestamp of ref in UTC.
func (c *Client) BlockTime(ctx context.Context, ref domain.BlockRef) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	var number *big.Int
	if !ref.Latest {
		number = new(big.Int).SetUint64(ref.Number)
	}
	header, err := c.eth.HeaderByNumber(ctx, number)
	if errors.Is(err, ethereum.NotFound) || (err == nil && header == nil) {
		return time.Time{}, fmt.Errorf("chain: block %s: %w", ref, domain.ErrBlockNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("chain: header %s: %w: %w", ref, domain.ErrChainCallFailed, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// FilterLogs returns the logs matching q, oldest first.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs %v-%v: %w: %w", q.FromBlock, q.ToBlock, domain.ErrChainCallFailed, err)
	}
	return logs, nil
}

var _ domain.ChainReader = (*Client)(nil)
