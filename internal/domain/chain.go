package domain

import (
	"context"
	"strconv"
	"time"
)

// BlockRef addresses a block by number or as the current head.
type BlockRef struct {
	Number uint64
	Latest bool
}

// LatestBlock refers to the chain head at query time.
var LatestBlock = BlockRef{Latest: true}

// AtBlock refers to a specific block number.
func AtBlock(n uint64) BlockRef {
	return BlockRef{Number: n}
}

func (b BlockRef) String() string {
	if b.Latest {
		return "latest"
	}
	return strconv.FormatUint(b.Number, 10)
}

// ChainReader is the subset of node RPC the ledger needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	// BlockTime returns ErrBlockNotFound when the node does not know the block.
	BlockTime(ctx context.Context, ref BlockRef) (time.Time, error)
}

// TimestampSource resolves block timestamps, possibly from a cache.
type TimestampSource interface {
	Timestamp(ctx context.Context, ref BlockRef) (time.Time, error)
}

// HeightSource reports the most recently observed block number.
type HeightSource interface {
	CurrentBlock(ctx context.Context) (uint64, error)
}
