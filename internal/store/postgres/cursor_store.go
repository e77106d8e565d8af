package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// CursorStore implements domain.CursorStore on the sync_cursors table.
type CursorStore struct {
	pool *pgxpool.Pool
}

func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Load returns the stored block of name; ok is false when none was saved.
func (s *CursorStore) Load(ctx context.Context, name string) (uint64, bool, error) {
	var block int64
	err := s.pool.QueryRow(ctx, `SELECT block FROM sync_cursors WHERE name = $1`, name).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageErr("load cursor "+name, err)
	}
	return uint64(block), true, nil
}

// Advance moves name forward to block. Lower blocks leave it unchanged.
func (s *CursorStore) Advance(ctx context.Context, name string, block uint64) error {
	const query = `
		INSERT INTO sync_cursors (name, block) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE
		SET block = GREATEST(sync_cursors.block, EXCLUDED.block),
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, query, name, int64(block)); err != nil {
		return storageErr(fmt.Sprintf("advance cursor %s to %d", name, block), err)
	}
	return nil
}

var _ domain.CursorStore = (*CursorStore)(nil)
