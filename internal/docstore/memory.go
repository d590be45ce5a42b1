package docstore

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Documents are deep-copied on the way in and
// out, so callers never share maps with the store.
type Memory struct {
	mu    sync.RWMutex
	now   func() time.Time
	colls map[string]map[string]map[string]any
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the clock used to resolve ServerTimestamp.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:   time.Now,
		colls: make(map[string]map[string]map[string]any),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.colls[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: resolve(data, time.Time{})}, nil
}

func (m *Memory) Where(ctx context.Context, collection, field string, value any) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []Document
	for id, data := range m.colls[collection] {
		if v, ok := lookup(data, field); ok && reflect.DeepEqual(v, value) {
			docs = append(docs, Document{ID: id, Data: resolve(data, time.Time{})})
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := resolve(data, m.now().UTC())
	coll := m.collection(collection)
	if prev, ok := coll[id]; ok && merge {
		coll[id] = DeepMerge(prev, doc)
	} else {
		coll[id] = plain(doc)
	}
	return nil
}

func (m *Memory) Create(ctx context.Context, collection, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collection(collection)
	if _, ok := coll[id]; ok {
		return ErrAlreadyExists
	}
	coll[id] = plain(resolve(data, m.now().UTC()))
	return nil
}

func (m *Memory) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.NewString()
	if err := m.Create(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// Len returns the number of documents in a collection.
func (m *Memory) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.colls[collection])
}

// collection must be called with mu held for writing.
func (m *Memory) collection(name string) map[string]map[string]any {
	coll, ok := m.colls[name]
	if !ok {
		coll = make(map[string]map[string]any)
		m.colls[name] = coll
	}
	return coll
}
