package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderStore persists orders. Every write is a single atomic statement.
type OrderStore interface {
	// Insert adds an order unless one with the same hash exists. It reports
	// whether a row was created.
	Insert(ctx context.Context, o Order) (bool, error)
	// UpsertCancel marks the order CANCELED, inserting it if unknown. Rows
	// already FILLED or CANCELED are left untouched. It reports whether a row
	// was written.
	UpsertCancel(ctx context.Context, o Order, at time.Time) (bool, error)
	Get(ctx context.Context, hash common.Hash) (Order, error)
	ListBySignatures(ctx context.Context, hashes []common.Hash) ([]Order, error)
	// ListAffected selects OPEN orders of maker touching any of tokens with
	// expires >= minExpiry.
	ListAffected(ctx context.Context, maker common.Address, tokens []common.Address, minExpiry uint64) ([]Order, error)
	// ListOpenByToken selects OPEN orders touching token with expires >= minExpiry.
	ListOpenByToken(ctx context.Context, token common.Address, minExpiry uint64) ([]Order, error)
	// CountOpen counts OPEN orders of user for the exact pair that expire
	// after height.
	CountOpen(ctx context.Context, tokenGive, tokenGet, user common.Address, height uint64) (int, error)
	// ApplyFill performs the guarded fill update. It reports false when the
	// row is missing or the stored update timestamp is newer.
	ApplyFill(ctx context.Context, u FillUpdate) (bool, error)
}

// TradeStore persists trades.
type TradeStore interface {
	// Insert adds the trade unless its event identifier exists.
	Insert(ctx context.Context, t Trade) (bool, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]Trade, error)
}

// TransferStore persists deposits and withdrawals.
type TransferStore interface {
	Insert(ctx context.Context, t Transfer) (bool, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]Transfer, error)
}
