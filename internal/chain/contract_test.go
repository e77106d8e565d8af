package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

var exchange = common.HexToAddress("0x8d12a197cb00d4747a1fe03395095ce2a5cc6819")

func newTestContract(t *testing.T, caller BatchCaller) *Contract {
	t.Helper()
	c, err := NewContract(exchange, caller, 0)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func packEvent(t *testing.T, c *Contract, name string, args ...any) types.Log {
	t.Helper()
	data, err := c.abi.Events[name].Inputs.Pack(args...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	return types.Log{
		Address:     exchange,
		Topics:      []common.Hash{c.Topic(name)},
		Data:        data,
		BlockNumber: 5_000_000,
		TxHash:      common.HexToHash("0xabc"),
		Index:       3,
	}
}

func TestDecodeTrade(t *testing.T) {
	c := newTestContract(t, nil)
	token := common.HexToAddress("0x01")
	maker := common.HexToAddress("0x02")
	taker := common.HexToAddress("0x03")
	lg := packEvent(t, c, EventTrade, token, big.NewInt(100), common.Address{}, big.NewInt(2), maker, taker)

	got, err := c.Decode(lg)
	if err != nil {
		t.Fatal(err)
	}
	ev, ok := got.(*domain.TradeEvent)
	if !ok {
		t.Fatalf("decoded %T", got)
	}
	if ev.Get != maker || ev.Give != taker || ev.TokenGet != token {
		t.Fatalf("unexpected trade %+v", ev)
	}
	if ev.AmountGet.Int64() != 100 || ev.AmountGive.Int64() != 2 {
		t.Fatalf("amounts %s %s", ev.AmountGet, ev.AmountGive)
	}
	if ev.BlockNumber != 5_000_000 || ev.LogIndex != 3 {
		t.Fatalf("meta %+v", ev.LogMeta)
	}
}

func TestDecodeTransfersAndCancel(t *testing.T) {
	c := newTestContract(t, nil)
	token := common.HexToAddress("0x01")
	user := common.HexToAddress("0x02")

	dep, err := c.Decode(packEvent(t, c, EventDeposit, token, user, big.NewInt(7), big.NewInt(9)))
	if err != nil {
		t.Fatal(err)
	}
	if d := dep.(*domain.TransferEvent); d.Direction != domain.TransferDeposit || d.Balance.Int64() != 9 {
		t.Fatalf("deposit %+v", d)
	}
	wd, err := c.Decode(packEvent(t, c, EventWithdraw, token, user, big.NewInt(7), big.NewInt(2)))
	if err != nil {
		t.Fatal(err)
	}
	if w := wd.(*domain.TransferEvent); w.Direction != domain.TransferWithdraw {
		t.Fatalf("withdraw %+v", w)
	}

	r := [32]byte{1}
	s := [32]byte{2}
	cl, err := c.Decode(packEvent(t, c, EventCancel,
		token, big.NewInt(10), common.Address{}, big.NewInt(20),
		big.NewInt(30), big.NewInt(40), user, uint8(28), r, s))
	if err != nil {
		t.Fatal(err)
	}
	ce := cl.(*domain.CancelEvent)
	if ce.Sig.V != 28 || ce.Sig.R != common.Hash(r) || ce.Expires.Int64() != 30 || ce.User != user {
		t.Fatalf("cancel %+v", ce)
	}
}

func TestDecodeUnknownTopic(t *testing.T) {
	c := newTestContract(t, nil)
	_, err := c.Decode(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	if err == nil {
		t.Fatal("expected error for unknown topic")
	}
}

// fakeNode answers eth_call batches from fixed fill values.
type fakeNode struct {
	c     *Contract
	fills map[common.Address]int64 // keyed by order user
	avail int64
	fail  bool
	calls int
}

func (f *fakeNode) BatchCallContext(_ context.Context, elems []rpc.BatchElem) error {
	f.calls++
	if f.fail {
		return errors.New("connection refused")
	}
	for i := range elems {
		args := elems[i].Args[0].(callArgs)
		sel := args.Data[:4]
		var value int64
		switch {
		case bytes.Equal(sel, f.c.abi.Methods["amountFilled"].ID):
			in, err := f.c.abi.Methods["amountFilled"].Inputs.Unpack(args.Data[4:])
			if err != nil {
				return err
			}
			value = f.fills[in[6].(common.Address)]
		case bytes.Equal(sel, f.c.abi.Methods["availableVolume"].ID):
			value = f.avail
		default:
			elems[i].Error = fmt.Errorf("unknown selector %x", sel)
			continue
		}
		out, _ := f.c.abi.Methods["amountFilled"].Outputs.Pack(big.NewInt(value))
		*elems[i].Result.(*hexutil.Bytes) = out
	}
	return nil
}

func TestFetchFills(t *testing.T) {
	node := &fakeNode{avail: 5}
	c := newTestContract(t, node)
	node.c = c

	a := common.HexToAddress("0xa1")
	b := common.HexToAddress("0xb2")
	node.fills = map[common.Address]int64{a: 11, b: 22}

	order := func(user common.Address, hash string, sig *domain.Signature) domain.Order {
		return domain.Order{
			Hash: common.HexToHash(hash),
			OrderFields: domain.OrderFields{
				AmountGet: big.NewInt(100), AmountGive: big.NewInt(1),
				Expires: big.NewInt(10), Nonce: big.NewInt(1),
			},
			User: user,
			Sig:  sig,
		}
	}
	orders := []domain.Order{
		order(a, "0x01", &domain.Signature{V: 27, R: common.HexToHash("0x05"), S: common.HexToHash("0x06")}),
		order(b, "0x02", nil),
	}

	got, err := c.FetchFills(context.Background(), orders)
	if err != nil {
		t.Fatal(err)
	}
	if node.calls != 1 {
		t.Fatalf("batch calls = %d, want 1", node.calls)
	}
	if got[0].AmountFill.Int64() != 11 || got[1].AmountFill.Int64() != 22 {
		t.Fatalf("fills %v %v", got[0].AmountFill, got[1].AmountFill)
	}
	if got[1].AvailableVolume.Int64() != 5 || got[1].Hash != common.HexToHash("0x02") {
		t.Fatalf("state %+v", got[1])
	}

	node.fail = true
	if _, err := c.FetchFills(context.Background(), orders); !errors.Is(err, domain.ErrChainCallFailed) {
		t.Fatalf("err = %v, want ErrChainCallFailed", err)
	}
}
