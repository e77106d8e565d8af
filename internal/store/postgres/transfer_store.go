package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// TransferStore implements domain.TransferStore using PostgreSQL.
type TransferStore struct {
	pool *pgxpool.Pool
}

// NewTransferStore creates a new TransferStore backed by the given pool.
func NewTransferStore(pool *pgxpool.Pool) *TransferStore {
	return &TransferStore{pool: pool}
}

// Insert records a deposit or withdrawal once per event identifier.
func (s *TransferStore) Insert(ctx context.Context, t domain.Transfer) (bool, error) {
	const query = `
		INSERT INTO transfers (
			block_number, transaction_hash, log_index, direction,
			token, "user", amount, balance_after, date
		) VALUES ($1, $2, $3, $4::transfertype, $5, $6, $7::numeric, $8::numeric, $9)
		ON CONFLICT ON CONSTRAINT index_transfers_on_event_identifier DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		int64(t.BlockNumber), t.TxHash.Bytes(), int32(t.LogIndex), string(t.Direction),
		t.Token.Bytes(), t.User.Bytes(), numeric(t.Amount), numeric(t.BalanceAfter), t.Date,
	)
	if err != nil {
		return false, storageErr(fmt.Sprintf("insert transfer %s/%d", t.TxHash.Hex(), t.LogIndex), err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListBetween returns transfers dated in [from, to), oldest first.
func (s *TransferStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.Transfer, error) {
	const query = `
		SELECT block_number, transaction_hash, log_index, direction::text,
		       token, "user", amount::text, balance_after::text, date
		FROM transfers
		WHERE date >= $1 AND date < $2
		ORDER BY block_number, log_index`

	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, storageErr("list transfers", err)
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		var (
			t                   domain.Transfer
			block               int64
			logIndex            int32
			direction           string
			txHash, token, user []byte
			amount, balance     string
		)
		if err := rows.Scan(&block, &txHash, &logIndex, &direction,
			&token, &user, &amount, &balance, &t.Date); err != nil {
			return nil, fmt.Errorf("postgres: scan transfer: %w", err)
		}
		t.BlockNumber = uint64(block)
		t.EventID = domain.EventID{TxHash: common.BytesToHash(txHash), LogIndex: uint(logIndex)}
		t.Direction = domain.TransferDirection(direction)
		t.Token = common.BytesToAddress(token)
		t.User = common.BytesToAddress(user)
		if t.Amount, err = parseNumeric(&amount, "amount"); err != nil {
			return nil, err
		}
		if t.BalanceAfter, err = parseNumeric(&balance, "balance_after"); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list transfers", err)
	}
	return out, nil
}
