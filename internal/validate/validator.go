package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/dexledger/internal/crypto"
	"github.com/alanyoungcy/dexledger/internal/domain"
)

// Origin tells the validator where a message came from. Direct submissions
// must name the exchange contract; relayed orders are implicitly for it.
type Origin int

const (
	OriginSubmission Origin = iota
	OriginRelay
)

func (o Origin) String() string {
	if o == OriginRelay {
		return "relay"
	}
	return "submission"
}

// Policy holds the admission parameters.
type Policy struct {
	Contract        common.Address
	BaseToken       common.Address
	SuspendedTokens []common.Address
	MaxOpenPerPair  int
}

// OpenOrderCounter counts a maker's live orders on one pair.
type OpenOrderCounter interface {
	CountOpen(ctx context.Context, tokenGive, tokenGet, user common.Address, height uint64) (int, error)
}

// Admitted is a candidate that passed every check.
type Admitted struct {
	domain.OrderCandidate
	Hash   common.Hash
	Height uint64
}

// Validator runs the admission checks in a fixed order and reports the first
// failure.
type Validator struct {
	policy    Policy
	suspended map[common.Address]struct{}
	heights   domain.HeightSource
	orders    OpenOrderCounter
	logger    *slog.Logger
}

// New creates a Validator.
func New(policy Policy, heights domain.HeightSource, orders OpenOrderCounter, logger *slog.Logger) *Validator {
	suspended := make(map[common.Address]struct{}, len(policy.SuspendedTokens))
	for _, t := range policy.SuspendedTokens {
		suspended[t] = struct{}{}
	}
	return &Validator{
		policy:    policy,
		suspended: suspended,
		heights:   heights,
		orders:    orders,
		logger:    logger.With(slog.String("component", "validator")),
	}
}

// Admit coerces msg and runs the admission checks. A refusal is returned as
// *domain.AdmissionError; any other error means a collaborator failed and the
// candidate was neither accepted nor refused.
func (v *Validator) Admit(ctx context.Context, msg Message, origin Origin) (Admitted, error) {
	c, err := Coerce(msg, origin == OriginSubmission)
	if err != nil {
		v.reject(origin, err)
		return Admitted{}, err
	}
	if origin == OriginRelay {
		c.Contract = v.policy.Contract
	}
	return v.AdmitCandidate(ctx, c, origin)
}

// AdmitCandidate runs the semantic checks on an already coerced candidate.
func (v *Validator) AdmitCandidate(ctx context.Context, c domain.OrderCandidate, origin Origin) (Admitted, error) {
	refuse := func(e *domain.AdmissionError) (Admitted, error) {
		v.reject(origin, e)
		return Admitted{}, e
	}

	if c.Contract != v.policy.Contract {
		return refuse(domain.Refuse(domain.ReasonWrongContract,
			"Cannot post an order to contract %s", strings.ToLower(c.Contract.Hex())))
	}

	getBase := c.TokenGet == v.policy.BaseToken
	giveBase := c.TokenGive == v.policy.BaseToken
	if getBase == giveBase {
		return refuse(domain.Refuse(domain.ReasonNotBasePair,
			"Cannot post order with pair %s-%s: exactly one side must be the base currency",
			lowerHex(c.TokenGet), lowerHex(c.TokenGive)))
	}

	height, err := v.heights.CurrentBlock(ctx)
	if err != nil {
		return Admitted{}, fmt.Errorf("validate: current block: %w", err)
	}
	if domain.ExpiredAt(c.Expires, height) {
		return refuse(domain.Refuse(domain.ReasonAlreadyExpired,
			"Cannot post order because it has already expired (expires %s, block %d)", c.Expires, height))
	}

	hash, err := crypto.OrderHash(c.Contract, c.OrderFields)
	if err != nil {
		return refuse(domain.Refuse(domain.ReasonInvalidOrderFields, "%v", err))
	}
	if !crypto.VerifyOrderSignature(hash, c.User, c.Sig) {
		return refuse(domain.Refuse(domain.ReasonInvalidSignature, "Cannot post order: invalid signature"))
	}

	if v.isSuspended(c.TokenGet) || v.isSuspended(c.TokenGive) {
		return refuse(domain.Refuse(domain.ReasonTradingSuspended,
			"Cannot post order with pair %s-%s: order book is stopped",
			lowerHex(c.TokenGet), lowerHex(c.TokenGive)))
	}

	open, err := v.orders.CountOpen(ctx, c.TokenGive, c.TokenGet, c.User, height)
	if err != nil {
		return Admitted{}, fmt.Errorf("validate: count open orders: %w", err)
	}
	if open >= v.policy.MaxOpenPerPair {
		return refuse(domain.Refuse(domain.ReasonQuotaExceeded,
			"Cannot post order: %d open orders on this pair, limit is %d", open, v.policy.MaxOpenPerPair))
	}

	return Admitted{OrderCandidate: c, Hash: hash, Height: height}, nil
}

func (v *Validator) isSuspended(token common.Address) bool {
	_, ok := v.suspended[token]
	return ok
}

func (v *Validator) reject(origin Origin, err error) {
	v.logger.Warn("order rejected",
		slog.String("origin", origin.String()),
		slog.String("error", err.Error()),
	)
}

func lowerHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}
