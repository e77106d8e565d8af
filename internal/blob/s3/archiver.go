package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// ndjson is the content type of archive files.
const ndjson = "application/x-ndjson"

type objectWriter interface {
	domain.BlobWriter
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archive implements domain.Archiver. It writes one JSONL file per kind and
// calendar month, named after the month the range starts in:
//
//	archive/trades/2018-01.jsonl
//	archive/transfers/2018-01.jsonl
//
// A month already present in the bucket is skipped, so reruns are no-ops.
type Archive struct {
	writer    objectWriter
	reader    domain.BlobReader
	trades    domain.TradeStore
	transfers domain.TransferStore
}

// NewArchive creates an Archive over the given stores.
func NewArchive(writer objectWriter, reader domain.BlobReader, trades domain.TradeStore, transfers domain.TransferStore) *Archive {
	return &Archive{writer: writer, reader: reader, trades: trades, transfers: transfers}
}

type tradeRecord struct {
	TxHash      string    `json:"transaction_hash"`
	LogIndex    uint      `json:"log_index"`
	BlockNumber uint64    `json:"block_number"`
	TokenGive   string    `json:"token_give"`
	AmountGive  string    `json:"amount_give"`
	TokenGet    string    `json:"token_get"`
	AmountGet   string    `json:"amount_get"`
	AddrGive    string    `json:"addr_give"`
	AddrGet     string    `json:"addr_get"`
	Date        time.Time `json:"date"`
}

type transferRecord struct {
	TxHash       string    `json:"transaction_hash"`
	LogIndex     uint      `json:"log_index"`
	BlockNumber  uint64    `json:"block_number"`
	Direction    string    `json:"direction"`
	Token        string    `json:"token"`
	User         string    `json:"user"`
	Amount       string    `json:"amount"`
	BalanceAfter string    `json:"balance_after"`
	Date         time.Time `json:"date"`
}

// ArchiveTrades exports trades dated in [from, to).
func (a *Archive) ArchiveTrades(ctx context.Context, from, to time.Time) (int64, error) {
	path := archivePath("trades", from)
	if done, err := a.reader.Exists(ctx, path); err != nil || done {
		return 0, err
	}

	trades, err := a.trades.ListBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	records := make([]tradeRecord, len(trades))
	for i, t := range trades {
		records[i] = tradeRecord{
			TxHash: t.TxHash.Hex(), LogIndex: t.LogIndex, BlockNumber: t.BlockNumber,
			TokenGive: t.TokenGive.Hex(), AmountGive: t.AmountGive.String(),
			TokenGet: t.TokenGet.Hex(), AmountGet: t.AmountGet.String(),
			AddrGive: t.AddrGive.Hex(), AddrGet: t.AddrGet.Hex(),
			Date: t.Date.UTC(),
		}
	}
	if err := uploadJSONL(ctx, a.writer, path, records); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades: %w", err)
	}
	return int64(len(records)), nil
}

// ArchiveTransfers exports deposits and withdrawals dated in [from, to).
func (a *Archive) ArchiveTransfers(ctx context.Context, from, to time.Time) (int64, error) {
	path := archivePath("transfers", from)
	if done, err := a.reader.Exists(ctx, path); err != nil || done {
		return 0, err
	}

	transfers, err := a.transfers.ListBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transfers query: %w", err)
	}
	if len(transfers) == 0 {
		return 0, nil
	}

	records := make([]transferRecord, len(transfers))
	for i, t := range transfers {
		records[i] = transferRecord{
			TxHash: t.TxHash.Hex(), LogIndex: t.LogIndex, BlockNumber: t.BlockNumber,
			Direction: string(t.Direction), Token: t.Token.Hex(), User: t.User.Hex(),
			Amount: t.Amount.String(), BalanceAfter: t.BalanceAfter.String(),
			Date: t.Date.UTC(),
		}
	}
	if err := uploadJSONL(ctx, a.writer, path, records); err != nil {
		return 0, fmt.Errorf("s3blob: archive transfers: %w", err)
	}
	return int64(len(records)), nil
}

func uploadJSONL[T any](ctx context.Context, w objectWriter, path string, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return err
	}
	if int64(len(buf)) >= minPartSize {
		return w.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	}
	return w.Put(ctx, path, bytes.NewReader(buf), ndjson)
}

// archivePath names the archive file of one kind for the month of start.
func archivePath(kind string, start time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, start.UTC().Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
