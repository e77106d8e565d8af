package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LogMeta locates a decoded contract event on chain.
type LogMeta struct {
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// ID returns the event identifier used for idempotent inserts.
func (m LogMeta) ID() EventID {
	return EventID{TxHash: m.TxHash, LogIndex: m.LogIndex}
}

// TradeEvent is the decoded Trade log. Get is the maker, Give the taker.
type TradeEvent struct {
	LogMeta
	TokenGet   common.Address
	AmountGet  *big.Int
	TokenGive  common.Address
	AmountGive *big.Int
	Get        common.Address
	Give       common.Address
}

// TransferEvent is a decoded Deposit or Withdraw log.
type TransferEvent struct {
	LogMeta
	Direction TransferDirection
	Token     common.Address
	User      common.Address
	Amount    *big.Int
	Balance   *big.Int
}

// OrderEvent is the decoded on-chain Order log.
type OrderEvent struct {
	LogMeta
	OrderFields
	User common.Address
}

// CancelEvent is the decoded Cancel log.
type CancelEvent struct {
	LogMeta
	OrderFields
	User common.Address
	Sig  Signature
}
