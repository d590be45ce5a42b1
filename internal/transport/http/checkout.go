package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/iliamunaev/checkout-relay/internal/apperr"
	"github.com/iliamunaev/checkout-relay/internal/docstore"
	"github.com/iliamunaev/checkout-relay/internal/fields"
	"github.com/iliamunaev/checkout-relay/internal/gateway"
	"github.com/iliamunaev/checkout-relay/internal/model"
	"github.com/iliamunaev/checkout-relay/internal/payload"
)

var errInvalidJSON = fmt.Errorf("invalid JSON: %w", apperr.ErrBadRequest)

// Checkout shapes a storefront cart into a gateway order, posts it and
// relays the gateway's answer.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	h.cors(w, "POST, OPTIONS", "Content-Type, Authorization")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
		return
	}
	if !h.gateway.Configured() {
		writeError(w, gateway.ErrMissingMerchant)
		return
	}

	body, err := decodeObject(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}

	o, err := gateway.Shape(body, h.now())
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if !gateway.IsGatewayShaped(body) && len(o.Cart.Items) > 0 {
		h.recordIntent(ctx, body, o)
	}

	resp, err := h.gateway.CreateOrder(ctx, o)
	if err != nil {
		h.log.ErrorContext(ctx, "checkout proxy failed",
			"order_number", o.OrderNumber,
			"kind", errorKind(err),
			"err", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "Proxy error",
			"body":  err.Error(),
		})
		return
	}

	status, out := resp.Reply()
	if status != http.StatusOK && status != http.StatusCreated {
		h.log.WarnContext(ctx, "gateway rejected order",
			"order_number", o.OrderNumber,
			"status", status,
		)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(out)
}

// recordIntent stores the shopper's cart so the webhook can attribute the
// payment later. Failures are logged only.
func (h *Handler) recordIntent(ctx context.Context, body fields.Map, o gateway.Order) {
	total := decimal.Zero
	for _, it := range o.Cart.Items {
		total = total.Add(decimal.NewFromInt(it.UnitPrice).Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	in := model.CheckoutIntent{
		OrderNumber: o.OrderNumber,
		Itens:       gateway.FrontItems(body),
		Total:       total.Shift(-2),
		TipoServico: fields.String(body[model.FieldTipoServico]),
		Agendamento: body[model.FieldAgendamento],
	}

	id, err := h.intents.Create(ctx, in)
	switch {
	case errors.Is(err, docstore.ErrAlreadyExists):
		h.log.DebugContext(ctx, "checkout intent exists", "order_number", o.OrderNumber, "intent_id", id)
	case err != nil:
		h.log.WarnContext(ctx, "checkout intent not recorded", "order_number", o.OrderNumber, "err", err)
	default:
		h.log.InfoContext(ctx, "checkout intent recorded", "order_number", o.OrderNumber, "intent_id", id)
	}
}

// CheckoutHealth reports the configured gateway base.
func (h *Handler) CheckoutHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", h.origin)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "base": h.gateway.Base()})
}

// decodeObject reads a JSON object. An empty body decodes to an empty map.
func decodeObject(r io.Reader) (fields.Map, error) {
	var m fields.Map
	err := json.NewDecoder(io.LimitReader(r, payload.MaxBodyBytes)).Decode(&m)
	switch {
	case errors.Is(err, io.EOF):
		return fields.Map{}, nil
	case err != nil:
		return nil, errInvalidJSON
	case m == nil:
		return fields.Map{}, nil
	}
	return m, nil
}
