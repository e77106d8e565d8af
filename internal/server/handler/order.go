package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/dexledger/internal/domain"
	"github.com/alanyoungcy/dexledger/internal/validate"
)

// OrderSubmitter admits and records a submitted order.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, msg validate.Message) (validate.Admitted, error)
}

// OrderReader looks orders up by hash.
type OrderReader interface {
	Get(ctx context.Context, hash common.Hash) (domain.Order, error)
}

// OrderHandler serves order submission and lookup.
type OrderHandler struct {
	submitter OrderSubmitter
	orders    OrderReader
	logger    *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(submitter OrderSubmitter, orders OrderReader, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{submitter: submitter, orders: orders, logger: logger.With(slog.String("handler", "orders"))}
}

type submitResponse struct {
	Status string `json:"status"`
	Hash   string `json:"hash"`
	Height uint64 `json:"height"`
}

type refusalResponse struct {
	Error  string              `json:"error"`
	Reason domain.Reason       `json:"reason"`
	Fields []domain.FieldError `json:"fields,omitempty"`
}

// SubmitOrder accepts a signed off-chain order.
// POST /api/orders
//
// 202 when admitted, 400 for malformed messages, 422 for refused orders and
// 503 when the ledger cannot be written.
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var msg validate.Message
	if err := decodeBody(w, r, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, refusalResponse{Error: err.Error(), Reason: domain.ReasonSchema})
		return
	}

	adm, err := h.submitter.SubmitOrder(r.Context(), msg)
	var refused *domain.AdmissionError
	switch {
	case errors.As(err, &refused):
		writeJSON(w, refused.Status(), refusalResponse{
			Error:  refused.Message,
			Reason: refused.Reason,
			Fields: refused.Fields,
		})
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "submit order failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "order could not be recorded, retry later")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		Status: "accepted",
		Hash:   adm.Hash.Hex(),
		Height: adm.Height,
	})
}

type orderView struct {
	Hash            string  `json:"hash"`
	Source          string  `json:"source"`
	State           string  `json:"state"`
	User            string  `json:"user"`
	TokenGet        string  `json:"tokenGet"`
	AmountGet       string  `json:"amountGet"`
	TokenGive       string  `json:"tokenGive"`
	AmountGive      string  `json:"amountGive"`
	Expires         string  `json:"expires"`
	Nonce           string  `json:"nonce"`
	AmountFill      string  `json:"amountFill"`
	AvailableVolume string  `json:"availableVolume"`
	SortingPrice    *string `json:"sortingPrice"`
	Date            string  `json:"date"`
	Updated         *string `json:"updated"`
}

func newOrderView(o domain.Order) orderView {
	v := orderView{
		Hash:            o.Hash.Hex(),
		Source:          string(o.Source),
		State:           string(o.State),
		User:            o.User.Hex(),
		TokenGet:        o.TokenGet.Hex(),
		AmountGet:       o.AmountGet.String(),
		TokenGive:       o.TokenGive.Hex(),
		AmountGive:      o.AmountGive.String(),
		Expires:         o.Expires.String(),
		Nonce:           o.Nonce.String(),
		AmountFill:      o.AmountFill.String(),
		AvailableVolume: o.AvailableVolume.String(),
		SortingPrice:    o.SortingPrice,
		Date:            o.Date.UTC().Format(time.RFC3339),
	}
	if o.Updated != nil {
		u := o.Updated.UTC().Format(time.RFC3339)
		v.Updated = &u
	}
	return v
}

// GetOrder returns one order by its hash.
// GET /api/orders/{hash}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	raw, err := hexutil.Decode(r.PathValue("hash"))
	if err != nil || len(raw) != common.HashLength {
		writeError(w, http.StatusBadRequest, "hash must be 32 bytes of 0x-prefixed hex")
		return
	}

	o, err := h.orders.Get(r.Context(), common.BytesToHash(raw))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "get order failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "order lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(o))
}
