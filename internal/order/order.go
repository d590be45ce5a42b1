// Package order writes approved orders (pedidos) to the ledger.
//
// An order is scoped to a calendar day in the reference timezone: the same
// order number approved on two days yields two orders, while redelivery on
// the same day merges into one document whose id is derived from the order
// number and the day.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iliamunaev/checkout-relay/internal/docstore"
	"github.com/iliamunaev/checkout-relay/internal/fields"
	"github.com/iliamunaev/checkout-relay/internal/intent"
	"github.com/iliamunaev/checkout-relay/internal/model"
)

// Approval is everything needed to record a paid order.
type Approval struct {
	OrderNumber string
	Intent      model.CheckoutIntent
	Raw         map[string]any
	StatusCode  *int
}

// Result reports where the order was written.
type Result struct {
	ID      string
	DateKey string
	Created bool
}

type Repository struct {
	store docstore.Store
	loc   *time.Location
	now   func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the clock used to compute the date key.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRepository returns a Repository computing date keys in loc (UTC when
// nil).
func NewRepository(store docstore.Store, loc *time.Location, opts ...Option) *Repository {
	if store == nil {
		panic("nil store")
	}
	if loc == nil {
		loc = time.UTC
	}
	r := &Repository{store: store, loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert creates today's order for a.OrderNumber or merges into it.
// createdAt is written only on creation.
func (r *Repository) Upsert(ctx context.Context, a Approval) (Result, error) {
	if a.OrderNumber == "" {
		return Result{}, errors.New("order: missing order number")
	}

	today := intent.DateKey(r.now(), r.loc)
	doc := r.document(a, today)

	existing, found, err := r.FindToday(ctx, a.OrderNumber, today)
	if err != nil {
		return Result{}, err
	}
	if found {
		if err := r.merge(ctx, existing.ID, doc); err != nil {
			return Result{}, err
		}
		return Result{ID: existing.ID, DateKey: today}, nil
	}

	id := intent.DocumentID(a.OrderNumber, today)
	create := docstore.DeepMerge(doc, map[string]any{model.FieldCreatedAt: docstore.ServerTimestamp})
	err = r.store.Create(ctx, model.CollectionOrders, id, create)
	switch {
	case err == nil:
		return Result{ID: id, DateKey: today, Created: true}, nil
	case errors.Is(err, docstore.ErrAlreadyExists):
		// A concurrent delivery created it first.
		if err := r.merge(ctx, id, doc); err != nil {
			return Result{}, err
		}
		return Result{ID: id, DateKey: today}, nil
	default:
		return Result{}, fmt.Errorf("order: create %s: %w", id, err)
	}
}

// FindToday returns the order for orderNumber whose date key, or creation
// time in the reference timezone, falls on today. Orders from other days are
// ignored.
func (r *Repository) FindToday(ctx context.Context, orderNumber, today string) (docstore.Document, bool, error) {
	docs, err := r.store.Where(ctx, model.CollectionOrders, model.FieldPagamento+"."+model.FieldOrderNumber, orderNumber)
	if err != nil {
		return docstore.Document{}, false, fmt.Errorf("order: find %q: %w", orderNumber, err)
	}
	for _, d := range docs {
		if fields.String(d.Data[model.FieldDateKey]) == today {
			return d, true, nil
		}
		if ts, ok := docstore.AsTime(d.Data[model.FieldCreatedAt]); ok && intent.DateKey(ts, r.loc) == today {
			return d, true, nil
		}
	}
	return docstore.Document{}, false, nil
}

func (r *Repository) merge(ctx context.Context, id string, doc map[string]any) error {
	if err := r.store.Set(ctx, model.CollectionOrders, id, doc, true); err != nil {
		return fmt.Errorf("order: update %s: %w", id, err)
	}
	return nil
}

// Build assembles the order recorded for an approval on dateKey.
func Build(a Approval, dateKey string) model.Order {
	items := BuildItems(a.Intent.Itens)

	tipo := a.Intent.TipoServico
	if tipo == "" {
		tipo = model.DefaultTipoServico
	}
	raw := a.Raw
	if raw == nil {
		raw = map[string]any{}
	}

	return model.Order{
		OrderNumber: a.OrderNumber,
		DateKey:     dateKey,
		Itens:       items,
		ItensCount:  CountItems(items),
		Total:       a.Intent.Total,
		Status:      model.OrderStatusApproved,
		TipoServico: tipo,
		Agendamento: a.Intent.Agendamento,
		Payment: model.Payment{
			Provider:    model.PaymentProvider,
			Gateway:     model.PaymentGateway,
			OrderNumber: a.OrderNumber,
			Raw:         raw,
			StatusCode:  a.StatusCode,
		},
	}
}

// document renders every order field except createdAt.
func (r *Repository) document(a Approval, today string) map[string]any {
	o := Build(a, today)

	itens := make([]any, 0, len(o.Itens))
	for _, it := range o.Itens {
		itens = append(itens, itemDocument(it))
	}
	var status any
	if o.Payment.StatusCode != nil {
		status = *o.Payment.StatusCode
	}

	doc := map[string]any{
		model.FieldOrderNumber: o.OrderNumber,
		model.FieldDateKey:     o.DateKey,
		model.FieldItens:       itens,
		model.FieldItensCount:  o.ItensCount,
		model.FieldTotal:       o.Total.InexactFloat64(),
		model.FieldStatus:      o.Status,
		model.FieldTipoServico: o.TipoServico,
		model.FieldUpdatedAt:   docstore.ServerTimestamp,
		model.FieldPagamento: map[string]any{
			"provedor":                  o.Payment.Provider,
			"gateway":                   o.Payment.Gateway,
			model.FieldOrderNumber:      o.Payment.OrderNumber,
			"raw":                       docstore.Replace(o.Payment.Raw),
			model.FieldStatus:           status,
			model.FieldLastNotification: docstore.ServerTimestamp,
		},
	}
	if o.Agendamento != nil {
		doc[model.FieldAgendamento] = o.Agendamento
	}
	return doc
}
