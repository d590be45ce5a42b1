package reconcile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/checkout-relay/internal/audit"
	"github.com/iliamunaev/checkout-relay/internal/docstore"
	"github.com/iliamunaev/checkout-relay/internal/intent"
	"github.com/iliamunaev/checkout-relay/internal/model"
	"github.com/iliamunaev/checkout-relay/internal/order"
	"github.com/iliamunaev/checkout-relay/internal/payload"
)

var fixedNow = time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)

// spyStore counts accesses per collection and can fail writes to one.
type spyStore struct {
	*docstore.Memory

	mu       sync.Mutex
	access   map[string]int
	failColl string
}

func newSpyStore() *spyStore {
	return &spyStore{
		Memory: docstore.NewMemory(docstore.WithClock(func() time.Time { return fixedNow })),
		access: map[string]int{},
	}
}

func (s *spyStore) touch(coll string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access[coll]++
	if coll == s.failColl {
		return errors.New("unavailable")
	}
	return nil
}

func (s *spyStore) accesses(coll string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access[coll]
}

func (s *spyStore) Get(ctx context.Context, coll, id string) (docstore.Document, error) {
	if err := s.touch(coll); err != nil {
		return docstore.Document{}, err
	}
	return s.Memory.Get(ctx, coll, id)
}

func (s *spyStore) Where(ctx context.Context, coll, field string, v any) ([]docstore.Document, error) {
	if err := s.touch(coll); err != nil {
		return nil, err
	}
	return s.Memory.Where(ctx, coll, field, v)
}

func (s *spyStore) Set(ctx context.Context, coll, id string, data map[string]any, merge bool) error {
	if err := s.touch(coll); err != nil {
		return err
	}
	return s.Memory.Set(ctx, coll, id, data, merge)
}

func (s *spyStore) Create(ctx context.Context, coll, id string, data map[string]any) error {
	if err := s.touch(coll); err != nil {
		return err
	}
	return s.Memory.Create(ctx, coll, id, data)
}

func (s *spyStore) Add(ctx context.Context, coll string, data map[string]any) (string, error) {
	if err := s.touch(coll); err != nil {
		return "", err
	}
	return s.Memory.Add(ctx, coll, data)
}

type fixture struct {
	store  *spyStore
	engine *Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.FixedZone("BRT", -3*60*60)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newSpyStore()

	e := New(Deps{
		Intents: intent.NewRepository(store, loc, intent.WithClock(func() time.Time { return fixedNow })),
		Orders:  order.NewRepository(store, loc, order.WithClock(func() time.Time { return fixedNow })),
		Orphans: NewOrphans(store),
		Audit:   audit.New(store, log),
		Logger:  log,
	})
	return fixture{store: store, engine: e}
}

func (f fixture) seedIntent(t *testing.T, orderNumber string, itens ...map[string]any) {
	t.Helper()

	list := make([]any, 0, len(itens))
	for _, it := range itens {
		list = append(list, it)
	}
	require.NoError(t, f.store.Memory.Create(context.Background(), model.CollectionIntents, orderNumber, map[string]any{
		"orderNumber": orderNumber,
		"itens":       list,
		"total":       10.0,
		"status":      "criado",
	}))
}

func (f fixture) intent(t *testing.T, id string) map[string]any {
	t.Helper()

	doc, err := f.store.Memory.Get(context.Background(), model.CollectionIntents, id)
	require.NoError(t, err)
	return doc.Data
}

var allStages = []audit.Stage{
	audit.StageReceived,
	audit.StageNoOrderNumber,
	audit.StagePending,
	audit.StageNotApproved,
	audit.StageApproved,
	audit.StageOrphan,
	audit.StageUnrecognizedStatus,
	audit.StageIntentNotFound,
	audit.StageException,
	audit.StageNotPost,
}

func (f fixture) find(t *testing.T, coll, field string, value any) []docstore.Document {
	t.Helper()

	docs, err := f.store.Memory.Where(context.Background(), coll, field, value)
	require.NoError(t, err)
	return docs
}

// stages lists the audit stages recorded so far, in no particular order.
func (f fixture) stages(t *testing.T) []string {
	t.Helper()

	var out []string
	for _, st := range allStages {
		for range f.find(t, model.CollectionLogs, "stage", string(st)) {
			out = append(out, string(st))
		}
	}
	return out
}

func notify(t *testing.T, body string) payload.Notification {
	t.Helper()

	n, err := payload.Normalize(nil, strings.NewReader(body))
	require.NoError(t, err)
	return n
}

func TestHandlePaidCreatesOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedIntent(t, "PED123", map[string]any{"nome": "X", "quantidade": 2.0, "UnitPrice": 500.0})

	ack, err := f.engine.Handle(context.Background(), notify(t, `{"OrderNumber":"PED123","payment_status":"2"}`))
	require.NoError(t, err)
	assert.Equal(t, model.Ack{OK: true, Processed: true, Approved: true}, ack)

	orders := f.find(t, model.CollectionOrders, "status", "aprovado")
	require.Len(t, orders, 1)
	o := orders[0].Data
	assert.Equal(t, "aprovado", o["status"])
	assert.Equal(t, 2, o["itensCount"])
	assert.Equal(t, "PED123", o["pagamento"].(map[string]any)["orderNumber"])

	item := o["itens"].([]any)[0].(map[string]any)
	assert.Equal(t, "X", item["nome"])
	assert.Equal(t, 5.0, item["preco"])

	in := f.intent(t, "PED123")
	assert.Equal(t, "aprovado", in["status"])
	assert.Equal(t, fixedNow, in["lastNotification"])
	assert.Equal(t, "PED123", in["lastPayload"].(map[string]any)["OrderNumber"])

	assert.ElementsMatch(t, []string{"received", "status-aprovado"}, f.stages(t))
}

func TestHandlePaidIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedIntent(t, "PED1", map[string]any{"nome": "X"})

	body := `{"order_number":"PED1","payment_status":2}`
	for i := 0; i < 3; i++ {
		ack, err := f.engine.Handle(context.Background(), notify(t, body))
		require.NoError(t, err)
		assert.True(t, ack.Approved)
	}
	assert.Equal(t, 1, f.store.Len(model.CollectionOrders))
}

func TestHandleNotApproved(t *testing.T) {
	t.Parallel()

	for code, reason := range map[string]string{"3": "negado", "4": "expirado", "5": "cancelado"} {
		code, reason := code, reason
		t.Run(reason, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.seedIntent(t, "PED2")

			ack, err := f.engine.Handle(context.Background(), notify(t, "order_number=PED2&payment_status="+code))
			require.NoError(t, err)
			assert.Equal(t, model.Ack{OK: true, Processed: true, Reason: reason}, ack)
			assert.Equal(t, "nao_aprovado", f.intent(t, "PED2")["status"])
			assert.Equal(t, 0, f.store.Len(model.CollectionOrders))
		})
	}
}

func TestHandlePending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedIntent(t, "PED3")

	ack, err := f.engine.Handle(context.Background(), notify(t, `{"OrderNumber":"PED3","Payment":{"Status":1}}`))
	require.NoError(t, err)
	assert.Equal(t, model.Ack{OK: true, Processed: true, Pending: true}, ack)
	assert.Equal(t, "pendente", f.intent(t, "PED3")["status"])
	assert.Equal(t, 0, f.store.Len(model.CollectionOrders))
}

func TestHandleNoOrderNumberTouchesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	ack, err := f.engine.Handle(context.Background(), notify(t, `{"payment_status":2}`))
	require.NoError(t, err)
	assert.Equal(t, model.Ack{OK: true, Ignored: true, Reason: ReasonNoOrderNumber}, ack)

	assert.Zero(t, f.store.accesses(model.CollectionIntents))
	assert.Zero(t, f.store.accesses(model.CollectionOrders))
	assert.Contains(t, f.stages(t), "no-order-number")
}

func TestHandleMalformedBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	ack, err := f.engine.Handle(context.Background(), notify(t, "%%%not-valid"))
	require.NoError(t, err)
	assert.Equal(t, model.Ack{OK: true, Ignored: true, Reason: ReasonNoOrderNumber}, ack)
}

func TestHandlePaidOrphan(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	ack, err := f.engine.Handle(context.Background(), notify(t, `{"OrderNumber":"GHOST","payment_status":2}`))
	require.NoError(t, err)
	assert.Equal(t, model.Ack{OK: true, Processed: true, Approved: true, Reason: ReasonOrphan}, ack)

	assert.Equal(t, 0, f.store.Len(model.CollectionOrders))
	orphans := f.find(t, model.CollectionOrphans, "orderNumber", "GHOST")
	require.Len(t, orphans, 1)
	assert.Equal(t, "GHOST", orphans[0].Data["orderNumber"])
	assert.Equal(t, true, orphans[0].Data["classification"].(map[string]any)["paid"])

	stages := f.stages(t)
	assert.Contains(t, stages, "intent-not-found")
	assert.Contains(t, stages, "orphan")
}

func TestHandleUnrecognizedStatus(t *testing.T) {
	t.Parallel()

	for _, body := range []string{
		`{"OrderNumber":"PED4","payment_status":9}`,
		`{"OrderNumber":"PED4","Status":"Authorized"}`,
		`{"OrderNumber":"PED4"}`,
	} {
		f := newFixture(t)
		f.seedIntent(t, "PED4")

		ack, err := f.engine.Handle(context.Background(), notify(t, body))
		require.NoError(t, err, body)
		assert.Equal(t, model.Ack{OK: true, Ignored: true, Reason: ReasonUnrecognizedStatus}, ack, body)

		in := f.intent(t, "PED4")
		assert.Equal(t, "criado", in["status"], body)
		assert.NotNil(t, in["lastPayload"], body)
		assert.Equal(t, 0, f.store.Len(model.CollectionOrders), body)
	}
}

func TestHandleTextualPaid(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedIntent(t, "PED5")

	ack, err := f.engine.Handle(context.Background(), notify(t, `{"OrderNumber":"PED5","Status":"Captured"}`))
	require.NoError(t, err)
	assert.True(t, ack.Approved)

	orders := f.find(t, model.CollectionOrders, "orderNumber", "PED5")
	require.Len(t, orders, 1)
	o := orders[0].Data
	assert.Nil(t, o["pagamento"].(map[string]any)["status"])
}

func TestHandleOrderFailureKeepsForensicTrail(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedIntent(t, "PED6")
	f.store.failColl = model.CollectionOrders

	_, err := f.engine.Handle(context.Background(), notify(t, `{"OrderNumber":"PED6","payment_status":2}`))
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "order_upsert", se.Op)
	assert.Equal(t, "reconcile_order_upsert", se.Kind())

	in := f.intent(t, "PED6")
	assert.NotNil(t, in["lastPayload"])
	assert.Equal(t, "criado", in["status"])
}

func TestHandleIntentLookupFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.failColl = model.CollectionIntents

	_, err := f.engine.Handle(context.Background(), notify(t, `{"OrderNumber":"PED7","payment_status":1}`))
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "intent_lookup", se.Op)
}

func TestHandleSurvivesAuditFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedIntent(t, "PED8")
	f.store.failColl = model.CollectionLogs

	ack, err := f.engine.Handle(context.Background(), notify(t, `{"OrderNumber":"PED8","payment_status":2}`))
	require.NoError(t, err)
	assert.True(t, ack.Approved)
	assert.Equal(t, 1, f.store.Len(model.CollectionOrders))
}

func TestNewPanicsOnMissingDeps(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	New(Deps{})
}

func TestEngineLogsApproval(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	store := newSpyStore()
	e := New(Deps{
		Intents: intent.NewRepository(store, time.UTC, intent.WithClock(func() time.Time { return fixedNow })),
		Orders:  order.NewRepository(store, time.UTC, order.WithClock(func() time.Time { return fixedNow })),
		Orphans: NewOrphans(store),
		Audit:   audit.New(store, log),
		Logger:  log,
	})
	require.NoError(t, store.Memory.Create(context.Background(), model.CollectionIntents, "PED9", map[string]any{"orderNumber": "PED9"}))

	_, err := e.Handle(context.Background(), notify(t, `{"OrderNumber":"PED9","payment_status":2}`))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "order approved")
	assert.Contains(t, buf.String(), "order_id=PED9_2024-05-01")
}

func TestHandleOrderNumberReusedNextDay(t *testing.T) {
	t.Parallel()

	now := fixedNow
	clock := func() time.Time { return now }
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := docstore.NewMemory(docstore.WithClock(clock))
	intents := intent.NewRepository(store, time.UTC, intent.WithClock(clock))
	e := New(Deps{
		Intents: intents,
		Orders:  order.NewRepository(store, time.UTC, order.WithClock(clock)),
		Orphans: NewOrphans(store),
		Audit:   audit.New(store, log),
		Logger:  log,
	})
	ctx := context.Background()

	approve := func(nome string, preco float64) map[string]any {
		t.Helper()

		_, err := intents.Create(ctx, model.CheckoutIntent{
			OrderNumber: "MESA1",
			Itens:       []map[string]any{{"nome": nome, "preco": preco}},
		})
		require.NoError(t, err)

		ack, err := e.Handle(ctx, notify(t, "order_number=MESA1&payment_status=2"))
		require.NoError(t, err)
		require.True(t, ack.Approved)

		docs, err := store.Where(ctx, model.CollectionOrders, "dateKey", intent.DateKey(now, time.UTC))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		return docs[0].Data
	}

	first := approve("Old", 1)
	assert.Equal(t, "Old", first["itens"].([]any)[0].(map[string]any)["nome"])

	now = now.Add(24 * time.Hour)
	second := approve("New", 9)
	item := second["itens"].([]any)[0].(map[string]any)
	assert.Equal(t, "New", item["nome"])
	assert.Equal(t, 9.0, item["preco"])
	assert.Equal(t, 2, store.Len(model.CollectionOrders))
	assert.Equal(t, 2, store.Len(model.CollectionIntents))
}
