package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

func sigColumns(o domain.Order) (*int, []byte, []byte) {
	if o.Sig == nil {
		return nil, nil, nil
	}
	v := o.Sig.V
	return &v, o.Sig.R.Bytes(), o.Sig.S.Bytes()
}

// Insert adds an OPEN order unless its signature hash is already stored.
func (s *OrderStore) Insert(ctx context.Context, o domain.Order) (bool, error) {
	const query = `
		INSERT INTO orders (
			source, signature, token_give, amount_give, token_get, amount_get,
			expires, nonce, "user", state, v, r, s, date,
			amount_fill, available_volume, sorting_price
		) VALUES (
			$1::ordersource, $2, $3, $4::numeric, $5, $6::numeric,
			$7::numeric, $8::numeric, $9, 'OPEN', $10, $11, $12, $13,
			0, $6::numeric, $14::numeric
		)
		ON CONFLICT ON CONSTRAINT index_orders_on_signature DO NOTHING`

	v, r, sv := sigColumns(o)
	tag, err := s.pool.Exec(ctx, query,
		string(o.Source), o.Hash.Bytes(),
		o.TokenGive.Bytes(), numeric(o.AmountGive),
		o.TokenGet.Bytes(), numeric(o.AmountGet),
		numeric(o.Expires), numeric(o.Nonce),
		o.User.Bytes(), v, r, sv, o.Date,
		o.SortingPrice,
	)
	if err != nil {
		return false, storageErr("insert order "+o.Hash.Hex(), err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertCancel writes a canceled order. An existing row changes only while it
// is still OPEN.
func (s *OrderStore) UpsertCancel(ctx context.Context, o domain.Order, at time.Time) (bool, error) {
	const query = `
		INSERT INTO orders (
			source, signature, token_give, amount_give, token_get, amount_get,
			expires, nonce, "user", state, v, r, s, date,
			amount_fill, updated, available_volume, sorting_price
		) VALUES (
			$1::ordersource, $2, $3, $4::numeric, $5, $6::numeric,
			$7::numeric, $8::numeric, $9, 'CANCELED', $10, $11, $12, $13,
			$14::numeric, $13, 0, $15::numeric
		)
		ON CONFLICT ON CONSTRAINT index_orders_on_signature DO UPDATE
		SET state = 'CANCELED',
		    amount_fill = EXCLUDED.amount_fill,
		    available_volume = 0,
		    updated = EXCLUDED.updated
		WHERE orders.state = 'OPEN'`

	v, r, sv := sigColumns(o)
	tag, err := s.pool.Exec(ctx, query,
		string(o.Source), o.Hash.Bytes(),
		o.TokenGive.Bytes(), numeric(o.AmountGive),
		o.TokenGet.Bytes(), numeric(o.AmountGet),
		numeric(o.Expires), numeric(o.Nonce),
		o.User.Bytes(), v, r, sv, at,
		numeric(o.AmountFill), o.SortingPrice,
	)
	if err != nil {
		return false, storageErr("cancel order "+o.Hash.Hex(), err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyFill applies a reconciled fill unless the row holds a newer one.
// Terminal states are kept; an OPEN order whose fill reaches amount_get
// becomes FILLED.
func (s *OrderStore) ApplyFill(ctx context.Context, u domain.FillUpdate) (bool, error) {
	const query = `
		UPDATE orders
		SET amount_fill = GREATEST(amount_fill, $1::numeric),
		    available_volume = $2::numeric,
		    state = (CASE
		        WHEN state IN ('FILLED', 'CANCELED') THEN state
		        WHEN amount_get <= GREATEST(amount_fill, $1::numeric) THEN 'FILLED'::orderstate
		        ELSE 'OPEN'::orderstate END),
		    updated = $3
		WHERE signature = $4 AND (updated IS NULL OR updated <= $3)`

	tag, err := s.pool.Exec(ctx, query,
		numeric(u.AmountFill), numeric(u.AvailableVolume), u.Updated, u.Hash.Bytes())
	if err != nil {
		return false, storageErr("apply fill "+u.Hash.Hex(), err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountOpen counts the user's OPEN orders on the exact pair that are still
// live after height.
func (s *OrderStore) CountOpen(ctx context.Context, tokenGive, tokenGet, user common.Address, height uint64) (int, error) {
	const query = `
		SELECT COUNT(*) FROM orders
		WHERE "user" = $1 AND token_give = $2 AND token_get = $3
		  AND state = 'OPEN' AND expires > $4::numeric`

	var n int
	err := s.pool.QueryRow(ctx, query,
		user.Bytes(), tokenGive.Bytes(), tokenGet.Bytes(), fmt.Sprint(height),
	).Scan(&n)
	if err != nil {
		return 0, storageErr("count open orders", err)
	}
	return n, nil
}

// orderSelectCols lists the columns selected when reading orders. Numerics
// are read as text to keep full precision.
const orderSelectCols = `id::text, source::text, signature, token_give, amount_give::text,
	token_get, amount_get::text, expires::text, nonce::text, "user", state::text,
	v, r, s, date, amount_fill::text, updated, available_volume::text, sorting_price::text`

func scanOrderFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var (
		o                              domain.Order
		source, state                  string
		sig, tokenGive, tokenGet, user []byte
		amountGive, amountGet          string
		expires, nonce, amountFill     string
		available                      *string
		v                              *int32
		r, sv                          []byte
	)
	err := scanner.Scan(
		&o.ID, &source, &sig, &tokenGive, &amountGive,
		&tokenGet, &amountGet, &expires, &nonce, &user, &state,
		&v, &r, &sv, &o.Date, &amountFill, &o.Updated, &available, &o.SortingPrice,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Source = domain.OrderSource(source)
	o.State = domain.OrderState(state)
	o.Hash = common.BytesToHash(sig)
	o.TokenGive = common.BytesToAddress(tokenGive)
	o.TokenGet = common.BytesToAddress(tokenGet)
	o.User = common.BytesToAddress(user)
	if v != nil {
		o.Sig = &domain.Signature{V: int(*v), R: common.BytesToHash(r), S: common.BytesToHash(sv)}
	}

	for _, f := range []struct {
		dst  **big.Int
		src  *string
		name string
	}{
		{&o.AmountGive, &amountGive, "amount_give"},
		{&o.AmountGet, &amountGet, "amount_get"},
		{&o.Expires, &expires, "expires"},
		{&o.Nonce, &nonce, "nonce"},
		{&o.AmountFill, &amountFill, "amount_fill"},
		{&o.AvailableVolume, available, "available_volume"},
	} {
		if *f.dst, err = parseNumeric(f.src, f.name); err != nil {
			return domain.Order{}, err
		}
	}
	return o, nil
}

func (s *OrderStore) query(ctx context.Context, op, where string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE `+where, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", op, err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return orders, nil
}

// Get retrieves one order by signature hash.
func (s *OrderStore) Get(ctx context.Context, hash common.Hash) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE signature = $1`, hash.Bytes())
	o, err := scanOrderFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, storageErr("get order "+hash.Hex(), err)
	}
	return o, nil
}

// ListBySignatures returns the stored orders among hashes.
func (s *OrderStore) ListBySignatures(ctx context.Context, hashes []common.Hash) ([]domain.Order, error) {
	return s.query(ctx, "list orders by signature", `signature = ANY($1)`, hashArray(hashes))
}

// ListAffected returns the maker's OPEN orders on any of tokens expiring at
// or after minExpiry.
func (s *OrderStore) ListAffected(ctx context.Context, maker common.Address, tokens []common.Address, minExpiry uint64) ([]domain.Order, error) {
	return s.query(ctx, "list affected orders",
		`"user" = $1 AND (token_give = ANY($2) OR token_get = ANY($2))
		 AND expires >= $3::numeric AND state = 'OPEN'`,
		maker.Bytes(), addressArray(tokens), fmt.Sprint(minExpiry))
}

// ListOpenByToken returns every OPEN order on token expiring at or after
// minExpiry.
func (s *OrderStore) ListOpenByToken(ctx context.Context, token common.Address, minExpiry uint64) ([]domain.Order, error) {
	return s.query(ctx, "list open orders by token",
		`(token_give = $1 OR token_get = $1) AND expires >= $2::numeric AND state = 'OPEN'
		 ORDER BY date`,
		token.Bytes(), fmt.Sprint(minExpiry))
}
