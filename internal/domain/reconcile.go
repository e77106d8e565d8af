package domain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ReconcileRequest names the orders whose fill state must be refreshed from
// the chain. Either Signatures is set, or Maker together with Tokens.
type ReconcileRequest struct {
	ID         string           `json:"id"`
	Origin     string           `json:"origin"`
	Signatures []common.Hash    `json:"signatures,omitempty"`
	Maker      *common.Address  `json:"maker,omitempty"`
	Tokens     []common.Address `json:"tokens,omitempty"`
	MinExpiry  uint64           `json:"min_expiry,omitempty"`
}

// Validate checks that the request selects something.
func (r ReconcileRequest) Validate() error {
	if len(r.Signatures) > 0 {
		return nil
	}
	if r.Maker == nil || len(r.Tokens) == 0 {
		return fmt.Errorf("%w: need signatures or maker with tokens", ErrInvalidRequest)
	}
	return nil
}

// FillState is what the exchange contract reports for one order.
type FillState struct {
	Hash            common.Hash
	AmountFill      *big.Int
	AvailableVolume *big.Int
}

// FillUpdate is a FillState stamped with the chain time it was observed at.
type FillUpdate struct {
	FillState
	Updated time.Time
}

// FillSource reads authoritative fill state for a batch of orders.
type FillSource interface {
	FetchFills(ctx context.Context, orders []Order) ([]FillState, error)
}

// ReconcileQueue accepts reconciliation work. Delivery is at-least-once.
type ReconcileQueue interface {
	Enqueue(ctx context.Context, req ReconcileRequest) error
}

// QueueDelivery is one delivered request awaiting acknowledgement.
type QueueDelivery struct {
	MessageID  string
	Request    ReconcileRequest
	Deliveries int64
}

// ReconcileConsumer reads and acknowledges queued requests.
type ReconcileConsumer interface {
	Read(ctx context.Context, count int, block time.Duration) ([]QueueDelivery, error)
	Ack(ctx context.Context, messageIDs ...string) error
}
