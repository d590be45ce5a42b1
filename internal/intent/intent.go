// Package intent reads and updates checkout intents, the pre-payment records
// the storefront writes before redirecting a shopper to the gateway.
//
// Order numbers are unique within a calendar day in the reference timezone,
// so intents, like orders, are keyed by order number and day.
package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliamunaev/checkout-relay/internal/docstore"
	"github.com/iliamunaev/checkout-relay/internal/fields"
	"github.com/iliamunaev/checkout-relay/internal/model"
)

const dateKeyLayout = "2006-01-02"

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

// DateKey formats t as a calendar date in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dateKeyLayout)
}

// DocumentID is the deterministic id for orderNumber on dateKey. Slashes are
// not valid in document ids.
func DocumentID(orderNumber, dateKey string) string {
	return strings.ReplaceAll(strings.TrimSpace(orderNumber), "/", "-") + "_" + dateKey
}

// FindByOrderNumber returns today's intent for orderNumber. Without one, it
// falls back to the newest intent carrying that number, which covers
// payments confirmed after midnight and intents written under other ids.
// found is false when no intent exists; that is not an error.
func (r *Repository) FindByOrderNumber(ctx context.Context, orderNumber string) (in model.CheckoutIntent, found bool, err error) {
	today := DateKey(r.now(), r.loc)

	doc, err := r.store.Get(ctx, model.CollectionIntents, DocumentID(orderNumber, today))
	switch {
	case err == nil:
		return fromDocument(doc), true, nil
	case !errors.Is(err, docstore.ErrNotFound):
		return model.CheckoutIntent{}, false, fmt.Errorf("intent: get %q: %w", orderNumber, err)
	}

	docs, err := r.store.Where(ctx, model.CollectionIntents, model.FieldOrderNumber, orderNumber)
	if err != nil {
		return model.CheckoutIntent{}, false, fmt.Errorf("intent: find %q: %w", orderNumber, err)
	}
	if len(docs) == 0 {
		return model.CheckoutIntent{}, false, nil
	}
	return fromDocument(r.pick(docs, today)), true, nil
}

// pick prefers a document dated today, then the newest by createdAt. Among
// undated documents the first wins.
func (r *Repository) pick(docs []docstore.Document, today string) docstore.Document {
	best := docs[0]
	var bestAt time.Time
	for _, d := range docs {
		if fields.String(d.Data[model.FieldDateKey]) == today {
			return d
		}
		at, ok := docstore.AsTime(d.Data[model.FieldCreatedAt])
		if !ok {
			continue
		}
		if DateKey(at, r.loc) == today {
			return d
		}
		if at.After(bestAt) {
			best, bestAt = d, at
		}
	}
	return best
}

// Touch records that a notification arrived for the intent, keeping the
// decoded payload for forensic replay. The previous payload is replaced, not
// merged.
func (r *Repository) Touch(ctx context.Context, id string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	err := r.store.Set(ctx, model.CollectionIntents, id, map[string]any{
		model.FieldLastNotification: docstore.ServerTimestamp,
		model.FieldLastPayload:      docstore.Replace(payload),
	}, true)
	if err != nil {
		return fmt.Errorf("intent: touch %s: %w", id, err)
	}
	return nil
}

// SetStatus merges a new lifecycle status into the intent.
func (r *Repository) SetStatus(ctx context.Context, id string, status model.IntentStatus) error {
	err := r.store.Set(ctx, model.CollectionIntents, id, map[string]any{
		model.FieldStatus:    string(status),
		model.FieldUpdatedAt: docstore.ServerTimestamp,
	}, true)
	if err != nil {
		return fmt.Errorf("intent: set status %s=%s: %w", id, status, err)
	}
	return nil
}

// Create stores a new intent in the criado state under its order number and
// today's date key. It returns docstore.ErrAlreadyExists when the number was
// already used today.
func (r *Repository) Create(ctx context.Context, in model.CheckoutIntent) (string, error) {
	if strings.TrimSpace(in.OrderNumber) == "" {
		return "", errors.New("intent: missing order number")
	}

	itens := make([]any, 0, len(in.Itens))
	for _, it := range in.Itens {
		itens = append(itens, it)
	}
	tipo := in.TipoServico
	if tipo == "" {
		tipo = model.DefaultTipoServico
	}

	today := DateKey(r.now(), r.loc)
	data := map[string]any{
		model.FieldOrderNumber: in.OrderNumber,
		model.FieldDateKey:     today,
		model.FieldItens:       itens,
		model.FieldTotal:       in.Total.InexactFloat64(),
		model.FieldTipoServico: tipo,
		model.FieldStatus:      string(model.IntentCreated),
		model.FieldCreatedAt:   docstore.ServerTimestamp,
	}
	if in.Agendamento != nil {
		data[model.FieldAgendamento] = in.Agendamento
	}

	id := DocumentID(in.OrderNumber, today)
	if err := r.store.Create(ctx, model.CollectionIntents, id, data); err != nil {
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return id, err
		}
		return "", fmt.Errorf("intent: create %s: %w", id, err)
	}
	return id, nil
}

func fromDocument(doc docstore.Document) model.CheckoutIntent {
	d := doc.Data
	in := model.CheckoutIntent{
		ID:          doc.ID,
		OrderNumber: fields.String(d[model.FieldOrderNumber]),
		TipoServico: fields.String(d[model.FieldTipoServico]),
		Agendamento: d[model.FieldAgendamento],
		Status:      model.IntentStatus(fields.String(d[model.FieldStatus])),
	}
	if total, ok := fields.Decimal(d[model.FieldTotal]); ok {
		in.Total = total
	}
	for _, raw := range fields.Slice(d[model.FieldItens]) {
		if m, ok := fields.AsMap(raw); ok {
			in.Itens = append(in.Itens, m)
		}
	}
	return in
}
