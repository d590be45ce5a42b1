// Package reconcile decides what a payment notification means for the
// ledger: which intent it belongs to, whether an order must be written, and
// what to acknowledge to the sender.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliamunaev/checkout-relay/internal/audit"
	"github.com/iliamunaev/checkout-relay/internal/model"
	"github.com/iliamunaev/checkout-relay/internal/order"
	"github.com/iliamunaev/checkout-relay/internal/payload"
)

const instrumentationName = "github.com/iliamunaev/checkout-relay/internal/reconcile"

// Ack reasons.
const (
	ReasonNoOrderNumber      = "no-order-number"
	ReasonOrphan             = "orphan"
	ReasonUnrecognizedStatus = "unrecognized-status"
)

// IntentStore is the subset of intent.Repository the engine uses.
type IntentStore interface {
	FindByOrderNumber(ctx context.Context, orderNumber string) (model.CheckoutIntent, bool, error)
	Touch(ctx context.Context, id string, payload map[string]any) error
	SetStatus(ctx context.Context, id string, status model.IntentStatus) error
}

// OrderStore is the subset of order.Repository the engine uses.
type OrderStore interface {
	Upsert(ctx context.Context, a order.Approval) (order.Result, error)
}

// OrphanStore records paid notifications that match no intent.
type OrphanStore interface {
	Record(ctx context.Context, n payload.Notification) (string, error)
}

// Auditor receives one entry per engine stage.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry)
}

// Deps are the engine's collaborators. All are required.
type Deps struct {
	Intents IntentStore
	Orders  OrderStore
	Orphans OrphanStore
	Audit   Auditor
	Logger  *slog.Logger
}

// StageError reports which step of the reconciliation failed.
type StageError struct {
	Op  string
	Err error
}

func (e *StageError) Error() string { return fmt.Sprintf("reconcile: %s: %v", e.Op, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Kind classifies the failure for the transport layer.
func (e *StageError) Kind() string { return "reconcile_" + e.Op }

type Engine struct {
	intents IntentStore
	orders  OrderStore
	orphans OrphanStore
	audit   Auditor
	log     *slog.Logger

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

func New(d Deps) *Engine {
	if d.Intents == nil || d.Orders == nil || d.Orphans == nil || d.Audit == nil {
		panic("reconcile.New: missing dependency")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	outcomes, err := otel.Meter(instrumentationName).Int64Counter(
		"checkout_relay.webhook.outcomes",
		metric.WithDescription("Webhook notifications by final engine stage"),
	)
	if err != nil {
		d.Logger.Warn("outcome counter unavailable", "err", err)
	}

	return &Engine{
		intents:  d.Intents,
		orders:   d.Orders,
		orphans:  d.Orphans,
		audit:    d.Audit,
		log:      d.Logger.With("component", "reconcile"),
		tracer:   otel.Tracer(instrumentationName),
		outcomes: outcomes,
	}
}

// Handle reconciles one notification. A non-nil error is always a
// *StageError; writes made before the failing step are kept.
func (e *Engine) Handle(ctx context.Context, n payload.Notification) (model.Ack, error) {
	ctx, span := e.tracer.Start(ctx, "reconcile.Handle", trace.WithAttributes(
		attribute.String("order_number", n.OrderNumber),
		attribute.String("payment.reason", n.Status.Reason),
		attribute.String("payload.encoding", string(n.Encoding)),
	))
	defer span.End()

	ack, stage, err := e.handle(ctx, n)
	if err != nil {
		stage = audit.StageException
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("stage", string(stage)))
	if e.outcomes != nil {
		e.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
	}
	return ack, err
}

func (e *Engine) handle(ctx context.Context, n payload.Notification) (model.Ack, audit.Stage, error) {
	e.audit.Append(ctx, audit.FromNotification(audit.StageReceived, n))

	if n.OrderNumber == "" {
		e.audit.Append(ctx, audit.FromNotification(audit.StageNoOrderNumber, n))
		return model.Ack{OK: true, Ignored: true, Reason: ReasonNoOrderNumber}, audit.StageNoOrderNumber, nil
	}

	in, found, err := e.intents.FindByOrderNumber(ctx, n.OrderNumber)
	if err != nil {
		return model.Ack{}, "", &StageError{Op: "intent_lookup", Err: err}
	}
	if found {
		if err := e.intents.Touch(ctx, in.ID, n.Body); err != nil {
			return model.Ack{}, "", &StageError{Op: "intent_touch", Err: err}
		}
	} else {
		e.audit.Append(ctx, audit.FromNotification(audit.StageIntentNotFound, n))
	}

	switch outcome := n.Status.Outcome(); outcome {
	case payload.OutcomePending:
		if found {
			if err := e.intents.SetStatus(ctx, in.ID, model.IntentPending); err != nil {
				return model.Ack{}, "", &StageError{Op: "intent_status", Err: err}
			}
		}
		e.audit.Append(ctx, audit.FromNotification(audit.StagePending, n))
		return model.Ack{OK: true, Processed: true, Pending: true}, audit.StagePending, nil

	case payload.OutcomeDeclined, payload.OutcomeExpired, payload.OutcomeCancelled:
		if found {
			if err := e.intents.SetStatus(ctx, in.ID, model.IntentNotApproved); err != nil {
				return model.Ack{}, "", &StageError{Op: "intent_status", Err: err}
			}
		}
		e.audit.Append(ctx, audit.FromNotification(audit.StageNotApproved, n))
		return model.Ack{OK: true, Processed: true, Reason: n.Status.Reason}, audit.StageNotApproved, nil

	case payload.OutcomePaid:
		if !found {
			id, err := e.orphans.Record(ctx, n)
			if err != nil {
				return model.Ack{}, "", &StageError{Op: "orphan_record", Err: err}
			}
			e.log.WarnContext(ctx, "paid notification without intent",
				"order_number", n.OrderNumber,
				"orphan_id", id,
			)
			e.audit.Append(ctx, audit.FromNotification(audit.StageOrphan, n))
			return model.Ack{OK: true, Processed: true, Approved: true, Reason: ReasonOrphan}, audit.StageOrphan, nil
		}

		res, err := e.orders.Upsert(ctx, order.Approval{
			OrderNumber: n.OrderNumber,
			Intent:      in,
			Raw:         n.Body,
			StatusCode:  n.Status.Code,
		})
		if err != nil {
			return model.Ack{}, "", &StageError{Op: "order_upsert", Err: err}
		}
		if err := e.intents.SetStatus(ctx, in.ID, model.IntentApproved); err != nil {
			return model.Ack{}, "", &StageError{Op: "intent_status", Err: err}
		}
		e.log.InfoContext(ctx, "order approved",
			"order_number", n.OrderNumber,
			"order_id", res.ID,
			"date_key", res.DateKey,
			"created", res.Created,
		)
		e.audit.Append(ctx, audit.FromNotification(audit.StageApproved, n))
		return model.Ack{OK: true, Processed: true, Approved: true}, audit.StageApproved, nil

	default:
		e.log.InfoContext(ctx, "unrecognized payment status",
			"order_number", n.OrderNumber,
			"outcome", outcome.String(),
			"raw", n.Status.Raw,
		)
		e.audit.Append(ctx, audit.FromNotification(audit.StageUnrecognizedStatus, n))
		return model.Ack{OK: true, Ignored: true, Reason: ReasonUnrecognizedStatus}, audit.StageUnrecognizedStatus, nil
	}
}
