package chain

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

//go:embed exchange_abi.json
var exchangeABI []byte

// Event names emitted by the exchange contract.
const (
	EventOrder    = "Order"
	EventCancel   = "Cancel"
	EventTrade    = "Trade"
	EventDeposit  = "Deposit"
	EventWithdraw = "Withdraw"
)

// Events lists every event the ledger records.
var Events = []string{EventTrade, EventDeposit, EventWithdraw, EventOrder, EventCancel}

// BatchCaller is the subset of *rpc.Client used for fill queries.
type BatchCaller interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// Contract binds the exchange ABI to a deployed address.
type Contract struct {
	address     common.Address
	abi         abi.ABI
	caller      BatchCaller
	callTimeout time.Duration
}

// NewContract parses the embedded ABI. caller may be nil when only log
// decoding is needed.
func NewContract(address common.Address, caller BatchCaller, callTimeout time.Duration) (*Contract, error) {
	parsed, err := abi.JSON(bytes.NewReader(exchangeABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse exchange abi: %w", err)
	}
	return &Contract{address: address, abi: parsed, caller: caller, callTimeout: callTimeout}, nil
}

// Address returns the exchange address.
func (c *Contract) Address() common.Address {
	return c.address
}

// Topic returns the topic0 of event name.
func (c *Contract) Topic(name string) common.Hash {
	return c.abi.Events[name].ID
}

// EventName maps topic0 back to an event name.
func (c *Contract) EventName(topic common.Hash) (string, bool) {
	ev, err := c.abi.EventByID(topic)
	if err != nil {
		return "", false
	}
	return ev.Name, true
}

func meta(lg types.Log) domain.LogMeta {
	return domain.LogMeta{BlockNumber: lg.BlockNumber, TxHash: lg.TxHash, LogIndex: lg.Index}
}

// Decode turns a raw log into one of the domain event types
// (*domain.TradeEvent, *domain.TransferEvent, *domain.OrderEvent,
// *domain.CancelEvent).
func (c *Contract) Decode(lg types.Log) (any, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("chain: log %s/%d has no topics", lg.TxHash.Hex(), lg.Index)
	}
	name, ok := c.EventName(lg.Topics[0])
	if !ok {
		return nil, fmt.Errorf("chain: unknown event topic %s", lg.Topics[0].Hex())
	}
	vals, err := c.abi.Unpack(name, lg.Data)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", name, err)
	}

	var d decoder
	d.vals = vals
	switch name {
	case EventTrade:
		ev := &domain.TradeEvent{LogMeta: meta(lg)}
		ev.TokenGet = d.address()
		ev.AmountGet = d.amount()
		ev.TokenGive = d.address()
		ev.AmountGive = d.amount()
		ev.Get = d.address()
		ev.Give = d.address()
		return ev, d.err
	case EventDeposit, EventWithdraw:
		ev := &domain.TransferEvent{LogMeta: meta(lg), Direction: domain.TransferDeposit}
		if name == EventWithdraw {
			ev.Direction = domain.TransferWithdraw
		}
		ev.Token = d.address()
		ev.User = d.address()
		ev.Amount = d.amount()
		ev.Balance = d.amount()
		return ev, d.err
	case EventOrder:
		ev := &domain.OrderEvent{LogMeta: meta(lg)}
		ev.OrderFields = d.fields()
		ev.User = d.address()
		return ev, d.err
	case EventCancel:
		ev := &domain.CancelEvent{LogMeta: meta(lg)}
		ev.OrderFields = d.fields()
		ev.User = d.address()
		ev.Sig.V = int(d.smallUint())
		ev.Sig.R = d.bytes32()
		ev.Sig.S = d.bytes32()
		return ev, d.err
	}
	return nil, fmt.Errorf("chain: event %s is not recorded", name)
}

// decoder walks unpacked ABI values in order, remembering the first type
// mismatch.
type decoder struct {
	vals []any
	pos  int
	err  error
}

func (d *decoder) next() any {
	if d.pos >= len(d.vals) {
		if d.err == nil {
			d.err = fmt.Errorf("chain: event has %d values, wanted more", len(d.vals))
		}
		return nil
	}
	v := d.vals[d.pos]
	d.pos++
	return v
}

func (d *decoder) mismatch(want string, got any) {
	if d.err == nil {
		d.err = fmt.Errorf("chain: value %d is %T, want %s", d.pos-1, got, want)
	}
}

func (d *decoder) address() common.Address {
	v := d.next()
	a, ok := v.(common.Address)
	if !ok && v != nil {
		d.mismatch("address", v)
	}
	return a
}

func (d *decoder) amount() *big.Int {
	v := d.next()
	n, ok := v.(*big.Int)
	if !ok {
		if v != nil {
			d.mismatch("uint256", v)
		}
		return new(big.Int)
	}
	return n
}

func (d *decoder) smallUint() uint8 {
	v := d.next()
	n, ok := v.(uint8)
	if !ok && v != nil {
		d.mismatch("uint8", v)
	}
	return n
}

func (d *decoder) bytes32() common.Hash {
	v := d.next()
	b, ok := v.([32]byte)
	if !ok && v != nil {
		d.mismatch("bytes32", v)
	}
	return common.Hash(b)
}

func (d *decoder) fields() domain.OrderFields {
	var f domain.OrderFields
	f.TokenGet = d.address()
	f.AmountGet = d.amount()
	f.TokenGive = d.address()
	f.AmountGive = d.amount()
	f.Expires = d.amount()
	f.Nonce = d.amount()
	return f
}

// orderArgs are the call arguments of amountFilled / availableVolume.
// On-chain orders carry no signature and are queried with v = 0 and empty
// r, s.
func orderArgs(o domain.Order) []any {
	var (
		v    uint8
		r, s [32]byte
	)
	if o.Sig != nil {
		v = uint8(o.Sig.V)
		r = [32]byte(o.Sig.R)
		s = [32]byte(o.Sig.S)
	}
	return []any{
		o.TokenGet, o.AmountGet, o.TokenGive, o.AmountGive,
		o.Expires, o.Nonce, o.User, v, r, s,
	}
}

// PackCall encodes a call to method for order o.
func (c *Contract) PackCall(method string, o domain.Order) ([]byte, error) {
	data, err := c.abi.Pack(method, orderArgs(o)...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	return data, nil
}

// UnpackUint decodes a single uint256 return value.
func (c *Contract) UnpackUint(method string, data []byte) (*big.Int, error) {
	out, err := c.abi.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("chain: %s returned %d values", method, len(out))
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s returned %T", method, out[0])
	}
	return n, nil
}

type callArgs struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// FetchFills queries amountFilled and availableVolume for every order at the
// latest block in one JSON-RPC batch. Any failed element fails the batch.
func (c *Contract) FetchFills(ctx context.Context, orders []domain.Order) ([]domain.FillState, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if c.caller == nil {
		return nil, fmt.Errorf("chain: contract has no rpc caller: %w", domain.ErrChainCallFailed)
	}

	methods := [2]string{"amountFilled", "availableVolume"}
	elems := make([]rpc.BatchElem, 0, 2*len(orders))
	results := make([]hexutil.Bytes, 2*len(orders))
	for i, o := range orders {
		for j, m := range methods {
			data, err := c.PackCall(m, o)
			if err != nil {
				return nil, err
			}
			elems = append(elems, rpc.BatchElem{
				Method: "eth_call",
				Args:   []any{callArgs{To: c.address, Data: data}, "latest"},
				Result: &results[2*i+j],
			})
		}
	}

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	if err := c.caller.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("chain: fill batch: %w: %w", domain.ErrChainCallFailed, err)
	}

	out := make([]domain.FillState, len(orders))
	for i, o := range orders {
		for j := range methods {
			if err := elems[2*i+j].Error; err != nil {
				return nil, fmt.Errorf("chain: %s %s: %w: %w", methods[j], o.Hash.Hex(), domain.ErrChainCallFailed, err)
			}
		}
		fill, err := c.UnpackUint(methods[0], results[2*i])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrChainCallFailed, err)
		}
		avail, err := c.UnpackUint(methods[1], results[2*i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrChainCallFailed, err)
		}
		out[i] = domain.FillState{Hash: o.Hash, AmountFill: fill, AvailableVolume: avail}
	}
	return out, nil
}

var _ domain.FillSource = (*Contract)(nil)
