package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader checks for existing objects.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies settled ledger history to cold storage. Rows are never
// deleted from the database.
type Archiver interface {
	ArchiveTrades(ctx context.Context, from, to time.Time) (int64, error)
	ArchiveTransfers(ctx context.Context, from, to time.Time) (int64, error)
}
