package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrChainCallFailed    = errors.New("chain call failed")
	ErrBlockNotFound      = errors.New("block not found")
	ErrQueueUnavailable   = errors.New("queue unavailable")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrInvalidRequest     = errors.New("invalid reconcile request")
	ErrLeaseHeld          = errors.New("lease held by another holder")
	ErrQueueFull          = errors.New("queue full")
)

// Reason classifies why an order candidate was refused.
type Reason string

const (
	ReasonSchema             Reason = "SchemaError"
	ReasonInvalidOrderFields Reason = "InvalidOrderFields"
	ReasonWrongContract      Reason = "WrongContract"
	ReasonNotBasePair        Reason = "NotBaseCurrencyPair"
	ReasonAlreadyExpired     Reason = "AlreadyExpired"
	ReasonInvalidSignature   Reason = "InvalidSignature"
	ReasonTradingSuspended   Reason = "TradingSuspended"
	ReasonQuotaExceeded      Reason = "QuotaExceeded"
)

// Per-reason sentinels so callers can match with errors.Is.
var (
	ErrSchema             = errors.New("schema error")
	ErrInvalidOrderFields = errors.New("invalid order fields")
	ErrWrongContract      = errors.New("wrong contract")
	ErrNotBasePair        = errors.New("not a base currency pair")
	ErrAlreadyExpired     = errors.New("already expired")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrTradingSuspended   = errors.New("trading suspended")
	ErrQuotaExceeded      = errors.New("quota exceeded")
)

var reasonSentinels = map[Reason]error{
	ReasonSchema:             ErrSchema,
	ReasonInvalidOrderFields: ErrInvalidOrderFields,
	ReasonWrongContract:      ErrWrongContract,
	ReasonNotBasePair:        ErrNotBasePair,
	ReasonAlreadyExpired:     ErrAlreadyExpired,
	ReasonInvalidSignature:   ErrInvalidSignature,
	ReasonTradingSuspended:   ErrTradingSuspended,
	ReasonQuotaExceeded:      ErrQuotaExceeded,
}

// FieldError is one schema diagnostic.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// AdmissionError reports a refused order candidate.
type AdmissionError struct {
	Reason  Reason
	Message string
	Fields  []FieldError
}

func (e *AdmissionError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Reason, e.Message, strings.Join(parts, "; "))
}

func (e *AdmissionError) Unwrap() error {
	return reasonSentinels[e.Reason]
}

// Status maps the refusal onto the submission result code: 400 for malformed
// input, 422 for well-formed but unacceptable orders.
func (e *AdmissionError) Status() int {
	if e.Reason == ReasonSchema {
		return http.StatusBadRequest
	}
	return http.StatusUnprocessableEntity
}

// Refuse builds an AdmissionError.
func Refuse(reason Reason, format string, args ...any) *AdmissionError {
	return &AdmissionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
