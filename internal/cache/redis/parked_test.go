package redis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func sampleLog(block uint64) types.Log {
	return types.Log{
		Address:     common.HexToAddress("0x8d12a197cb00d4747a1fe03395095ce2a5cc6819"),
		Topics:      []common.Hash{common.HexToHash("0x6effdda786735d5033bfad5f53e5131abcced9e52be6c507b62d639685fbed6d")},
		Data:        []byte{0x01},
		BlockNumber: block,
		TxHash:      common.HexToHash("0xabc"),
		Index:       3,
	}
}

func TestDecodeParked(t *testing.T) {
	lg := sampleLog(4_000_000)
	raw, err := json.Marshal(&lg)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		values  map[string]interface{}
		wantErr bool
	}{
		{"complete", map[string]interface{}{"log": string(raw), "cause": "storage unavailable", "parked_at": "1500000000"}, false},
		{"missing log", map[string]interface{}{"cause": "x"}, true},
		{"garbage", map[string]interface{}{"log": "{"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeParked(redis.XMessage{ID: "5-0", Values: tc.values})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != "5-0" || got.Log.BlockNumber != lg.BlockNumber || got.Log.TxHash != lg.TxHash || got.Log.Index != 3 {
				t.Fatalf("parked = %+v", got)
			}
			if got.Cause != "storage unavailable" || got.ParkedAt.Unix() != 1_500_000_000 {
				t.Fatalf("cause/time = %q %v", got.Cause, got.ParkedAt)
			}
		})
	}
}

func TestParkedLogsIntegration(t *testing.T) {
	c := newIntegrationClient(t)
	ctx := context.Background()
	stream := "dexledger:test:parked:" + uuid.NewString()
	t.Cleanup(func() { c.Underlying().Del(context.Background(), stream) })

	parked := NewParkedLogs(c, stream, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, block := range []uint64{10, 11} {
		if err := parked.Park(ctx, sampleLog(block), errors.New("storage unavailable")); err != nil {
			t.Fatal(err)
		}
	}
	c.Underlying().XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]interface{}{"log": "nope"}})

	got, err := parked.Parked(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Log.BlockNumber != 10 || got[1].Log.BlockNumber != 11 {
		t.Fatalf("parked = %+v", got)
	}
	if n, _ := parked.Len(ctx); n != 2 {
		t.Fatalf("len after dropping corrupt entry = %d", n)
	}

	if err := parked.Unpark(ctx, got[0].ID); err != nil {
		t.Fatal(err)
	}
	rest, err := parked.Parked(ctx, 10)
	if err != nil || len(rest) != 1 || rest[0].ID != got[1].ID {
		t.Fatalf("after unpark = %+v, %v", rest, err)
	}
}
