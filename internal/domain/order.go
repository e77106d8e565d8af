package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroAddress is the base currency token and the sentinel returned by failed
// signature recovery.
var ZeroAddress = common.Address{}

// OrderSource records where an order was first seen.
type OrderSource string

const (
	OrderSourceOnChain  OrderSource = "ONCHAIN"
	OrderSourceOffChain OrderSource = "OFFCHAIN"
)

// OrderState tracks the order lifecycle. FILLED and CANCELED are terminal.
type OrderState string

const (
	OrderStateOpen     OrderState = "OPEN"
	OrderStateFilled   OrderState = "FILLED"
	OrderStateCanceled OrderState = "CANCELED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderState) IsTerminal() bool {
	return s == OrderStateFilled || s == OrderStateCanceled
}

// OrderFields is the economic content of an order. Together with the
// exchange contract address it determines the order hash.
type OrderFields struct {
	TokenGet   common.Address
	AmountGet  *big.Int
	TokenGive  common.Address
	AmountGive *big.Int
	Expires    *big.Int
	Nonce      *big.Int
}

// Involves reports whether token is on either side of the order.
func (f OrderFields) Involves(token common.Address) bool {
	return f.TokenGet == token || f.TokenGive == token
}

// Signature is the (v, r, s) triple of an off-chain order. On-chain orders
// carry none.
type Signature struct {
	V int
	R common.Hash
	S common.Hash
}

// Order is a persisted order row.
type Order struct {
	ID     string
	Source OrderSource
	Hash   common.Hash
	OrderFields
	User            common.Address
	State           OrderState
	Sig             *Signature
	AmountFill      *big.Int
	AvailableVolume *big.Int
	// SortingPrice is a decimal string with a fixed number of significant
	// digits. Nil when no sort key could be derived.
	SortingPrice *string
	Date         time.Time
	Updated      *time.Time
}

// OrderCandidate is an order that has passed schema coercion and is ready
// for admission checks and recording.
type OrderCandidate struct {
	Contract common.Address
	OrderFields
	User common.Address
	Sig  Signature
}

// ExpiredAt reports whether an order with the given expiry is no longer
// usable at height.
func ExpiredAt(expires *big.Int, height uint64) bool {
	return expires.Cmp(new(big.Int).SetUint64(height)) <= 0
}
