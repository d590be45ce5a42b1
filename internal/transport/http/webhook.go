package httptransport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/iliamunaev/checkout-relay/internal/audit"
	"github.com/iliamunaev/checkout-relay/internal/model"
	"github.com/iliamunaev/checkout-relay/internal/payload"
)

const reasonNotPost = "not-post"

// Webhook receives payment notifications. It always answers 200 so the
// sender does not retry; failures are reported in the body.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	// Writes must finish even if the sender hangs up.
	ctx := context.WithoutCancel(r.Context())

	if r.Method != http.MethodPost {
		h.audit.Append(ctx, audit.Entry{Stage: audit.StageNotPost, Headers: r.Header})
		writeJSON(w, http.StatusOK, model.Ack{OK: true, Ignored: true, Reason: reasonNotPost})
		return
	}

	defer h.tracker.Track()()

	var n payload.Notification
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			h.log.ErrorContext(ctx, "webhook panic", "order_number", n.OrderNumber, "err", err)
			h.fail(ctx, w, n, err)
		}
	}()

	n, err := payload.Normalize(nil, r.Body)
	if err != nil {
		h.log.WarnContext(ctx, "webhook body read failed", "err", err)
	}
	n.Headers = r.Header

	ack, err := h.engine.Handle(ctx, n)
	if err != nil {
		h.log.ErrorContext(ctx, "webhook processing failed",
			"order_number", n.OrderNumber,
			"kind", errorKind(err),
			"err", err,
		)
		h.fail(ctx, w, n, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, n payload.Notification, err error) {
	e := audit.FromNotification(audit.StageException, n)
	e.Error = err.Error()
	h.audit.Append(ctx, e)
	writeJSON(w, http.StatusOK, model.Ack{OK: false, Error: err.Error()})
}
