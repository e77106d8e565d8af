package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventID identifies a chain log uniquely.
type EventID struct {
	TxHash   common.Hash
	LogIndex uint
}

// Trade is an immutable fill recorded from a Trade event.
type Trade struct {
	EventID
	BlockNumber uint64
	TokenGive   common.Address
	AmountGive  *big.Int
	TokenGet    common.Address
	AmountGet   *big.Int
	AddrGive    common.Address
	AddrGet     common.Address
	Date        time.Time
}

// TransferDirection distinguishes deposits from withdrawals.
type TransferDirection string

const (
	TransferDeposit  TransferDirection = "DEPOSIT"
	TransferWithdraw TransferDirection = "WITHDRAW"
)

// Transfer is an immutable deposit or withdrawal.
type Transfer struct {
	EventID
	BlockNumber  uint64
	Direction    TransferDirection
	Token        common.Address
	User         common.Address
	Amount       *big.Int
	BalanceAfter *big.Int
	Date         time.Time
}
