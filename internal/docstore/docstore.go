// Package docstore is a small document-database abstraction shaped after
// Firestore: collections of schemaless documents keyed by id, with equality
// queries, merge writes and atomic create-if-absent.
//
// Three backends implement Store: an in-process Memory store used by tests
// and local runs, Firestore, and Postgres (one JSONB table).
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when the document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("docstore: document already exists")
)

type serverTimestamp struct{}

// ServerTimestamp, used as a field value, is replaced by the backend's
// current time when the document is written.
var ServerTimestamp any = serverTimestamp{}

type replaced struct{ v any }

// Replace, used as a field value in a merge write, overwrites the field as a
// whole instead of merging nested maps into it. Outside merge writes it is
// the plain value.
func Replace(v any) any { return replaced{v: v} }

// Document is a stored document.
type Document struct {
	ID   string
	Data map[string]any
}

// Store is implemented by every backend. All methods are safe for concurrent
// use.
type Store interface {
	// Get returns ErrNotFound for a missing document.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Where returns every document whose field equals value. Nested fields
	// are addressed with a dotted path such as "pagamento.orderNumber".
	Where(ctx context.Context, collection, field string, value any) ([]Document, error)
	// Set writes data to the document, creating it if needed. With merge,
	// nested maps are merged into the existing document and other fields,
	// including those wrapped in Replace, are overwritten; without merge the
	// document is replaced.
	Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	// Create writes a new document and returns ErrAlreadyExists when the id
	// is taken. It is atomic with respect to concurrent Create calls.
	Create(ctx context.Context, collection, id string, data map[string]any) error
	// Add creates a document under a generated id.
	Add(ctx context.Context, collection string, data map[string]any) (string, error)

	Ping(ctx context.Context) error
	Name() string
	Close() error
}

// DeepMerge returns a new map holding dst with src merged in. Maps present on
// both sides are merged recursively unless src wraps its value in Replace;
// any other src value replaces dst's. Replace markers do not survive the
// merge.
func DeepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := out[k].(map[string]any); ok {
				out[k] = DeepMerge(dm, sm)
				continue
			}
		}
		out[k] = unwrap(v)
	}
	return out
}

// plain strips Replace markers from data.
func plain(data map[string]any) map[string]any { return DeepMerge(nil, data) }

func unwrap(v any) any {
	switch t := v.(type) {
	case replaced:
		return unwrap(t.v)
	case map[string]any:
		return plain(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = unwrap(t[i])
		}
		return out
	default:
		return v
	}
}

// AsTime reads a timestamp field. Backends return time.Time, Postgres JSON
// returns an RFC 3339 string.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		return ts, err == nil
	default:
		return time.Time{}, false
	}
}

// lookup reads a possibly dotted field path.
func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// resolve returns a deep copy of data with ServerTimestamp replaced by now.
// Replace markers are kept for DeepMerge.
func resolve(data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = resolveValue(v, now)
	}
	return out
}

func resolveValue(v any, now time.Time) any {
	switch t := v.(type) {
	case serverTimestamp:
		return now
	case replaced:
		return replaced{v: resolveValue(t.v, now)}
	case map[string]any:
		return resolve(t, now)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = resolveValue(t[i], now)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = resolve(t[i], now)
		}
		return out
	default:
		return v
	}
}
