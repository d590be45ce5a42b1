package reconcile

import (
	"context"
	"fmt"

	"github.com/iliamunaev/checkout-relay/internal/docstore"
	"github.com/iliamunaev/checkout-relay/internal/model"
	"github.com/iliamunaev/checkout-relay/internal/payload"
)

// Orphans stores paid notifications that match no intent in webhookOrphans,
// for manual follow-up.
type Orphans struct {
	store docstore.Store
}

func NewOrphans(store docstore.Store) *Orphans {
	if store == nil {
		panic("nil store")
	}
	return &Orphans{store: store}
}

func (o *Orphans) Record(ctx context.Context, n payload.Notification) (string, error) {
	body := n.Body
	if body == nil {
		body = map[string]any{}
	}
	id, err := o.store.Add(ctx, model.CollectionOrphans, map[string]any{
		model.FieldOrderNumber: n.OrderNumber,
		"classification":       n.Status.Fields(),
		"payload":              body,
		model.FieldCreatedAt:   docstore.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("orphan %q: %w", n.OrderNumber, err)
	}
	return id, nil
}
