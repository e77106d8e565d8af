package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Insert records a trade once per (transaction hash, log index).
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) (bool, error) {
	const query = `
		INSERT INTO trades (
			block_number, transaction_hash, log_index,
			token_give, amount_give, token_get, amount_get,
			addr_give, addr_get, date
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8, $9, $10)
		ON CONFLICT ON CONSTRAINT index_trades_on_event_identifier DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		int64(t.BlockNumber), t.TxHash.Bytes(), int32(t.LogIndex),
		t.TokenGive.Bytes(), numeric(t.AmountGive),
		t.TokenGet.Bytes(), numeric(t.AmountGet),
		t.AddrGive.Bytes(), t.AddrGet.Bytes(), t.Date,
	)
	if err != nil {
		return false, storageErr(fmt.Sprintf("insert trade %s/%d", t.TxHash.Hex(), t.LogIndex), err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListBetween returns trades dated in [from, to), oldest first.
func (s *TradeStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.Trade, error) {
	const query = `
		SELECT block_number, transaction_hash, log_index,
		       token_give, amount_give::text, token_get, amount_get::text,
		       addr_give, addr_get, date
		FROM trades
		WHERE date >= $1 AND date < $2
		ORDER BY block_number, log_index`

	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, storageErr("list trades", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var (
			t                           domain.Trade
			block                       int64
			logIndex                    int32
			txHash, tokenGive, tokenGet []byte
			addrGive, addrGet           []byte
			amountGive, amountGet       string
		)
		if err := rows.Scan(&block, &txHash, &logIndex, &tokenGive, &amountGive,
			&tokenGet, &amountGet, &addrGive, &addrGet, &t.Date); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.BlockNumber = uint64(block)
		t.EventID = domain.EventID{TxHash: common.BytesToHash(txHash), LogIndex: uint(logIndex)}
		t.TokenGive = common.BytesToAddress(tokenGive)
		t.TokenGet = common.BytesToAddress(tokenGet)
		t.AddrGive = common.BytesToAddress(addrGive)
		t.AddrGet = common.BytesToAddress(addrGet)
		if t.AmountGive, err = parseNumeric(&amountGive, "amount_give"); err != nil {
			return nil, err
		}
		if t.AmountGet, err = parseNumeric(&amountGet, "amount_get"); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list trades", err)
	}
	return trades, nil
}
