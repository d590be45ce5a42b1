// Package fields provides alias-tolerant accessors over decoded JSON or form
// payloads whose field naming is not under our control.
//
// Senders and storefront clients name the same datum in several ways
// (order_number, OrderNumber, order.number, ...). Instead of probing them
// inline, callers declare an ordered []Accessor and ask for the first
// non-empty match.
package fields

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Map is the generic key-value shape produced by JSON and form decoding.
type Map = map[string]any

// Accessor reads one candidate field from a Map.
type Accessor struct {
	Name string
	Get  func(Map) (any, bool)
}

// Key returns an accessor for a top-level key.
func Key(name string) Accessor {
	return Accessor{
		Name: name,
		Get: func(m Map) (any, bool) {
			v, ok := m[name]
			return v, ok
		},
	}
}

// Path returns an accessor for a nested key, e.g. Path("Payment", "Status").
// Form-encoded senders flatten nesting into a literal dotted key, so when the
// nested lookup misses, "Payment.Status" is tried as a top-level key.
func Path(segments ...string) Accessor {
	flat := strings.Join(segments, ".")
	return Accessor{
		Name: flat,
		Get: func(m Map) (any, bool) {
			if v, ok := walk(m, segments); ok {
				return v, true
			}
			v, ok := m[flat]
			return v, ok
		},
	}
}

func walk(m Map, segments []string) (any, bool) {
	var cur any = m
	for _, s := range segments {
		mm, ok := AsMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = mm[s]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// First returns the value and accessor name of the first accessor whose value
// is not empty (see IsEmpty). ok is false when every candidate is empty.
func First(m Map, accessors []Accessor) (v any, name string, ok bool) {
	if m == nil {
		return nil, "", false
	}
	for _, a := range accessors {
		if v, found := a.Get(m); found && !IsEmpty(v) {
			return v, a.Name, true
		}
	}
	return nil, "", false
}

// IsEmpty reports whether v carries no usable value.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	default:
		return false
	}
}

// Head returns the first element when v is a sequence, v otherwise.
func Head(v any) any {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return nil
		}
		return t[0]
	case []string:
		if len(t) == 0 {
			return nil
		}
		return t[0]
	default:
		return v
	}
}

// AsMap returns v as a Map when it is one.
func AsMap(v any) (Map, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[string]string:
		out := make(Map, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// Slice returns the elements of a decoded sequence. Non-sequences yield nil.
func Slice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	default:
		return nil
	}
}

// String coerces a scalar to a trimmed string. Integral floats print without
// a fractional part so 123.0 from a JSON decoder becomes "123".
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Int coerces numbers and numeric strings to an int. Fractional values are
// rejected.
func Int(v any) (int, bool) {
	f, ok := Float(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// Float coerces numbers and numeric strings to a float64.
func Float(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Decimal coerces numbers and numeric strings to an exact decimal.
func Decimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, err == nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	default:
		f, ok := Float(v)
		if !ok {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(f), true
	}
}
