// Package payload turns an inbound payment notification of unknown encoding
// and field naming into a canonical mapping, and extracts the two fields the
// reconciliation engine acts on: the order identifier and the payment status.
//
// The gateway posts JSON for some notification types and form-encoded text
// for others, regardless of the Content-Type it announces, so decoding is
// always JSON first with a form-encoded fallback.
package payload

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/iliamunaev/checkout-relay/internal/fields"
)

// MaxBodyBytes caps how much of a notification body is read.
const MaxBodyBytes = 1 << 20

// Encoding records how a body was decoded.
type Encoding string

const (
	EncodingParsed      Encoding = "parsed"
	EncodingJSON        Encoding = "json"
	EncodingJSONText    Encoding = "json-text"
	EncodingForm        Encoding = "form"
	EncodingEmpty       Encoding = "empty"
	EncodingUndecodable Encoding = "undecodable"
)

// embeddedJSONKeys are form fields that some senders fill with a JSON document.
var embeddedJSONKeys = []string{"Payment", "payment", "payload", "data"}

// OrderNumberAccessors lists, in priority order, where the order identifier
// may appear.
var OrderNumberAccessors = []fields.Accessor{
	fields.Key("order_number"),
	fields.Key("OrderNumber"),
	fields.Key("orderNumber"),
	fields.Key("OrderNumberId"),
	fields.Key("orderNumberId"),
	fields.Path("order", "number"),
}

// Notification is a decoded inbound notification.
type Notification struct {
	Body        fields.Map
	Raw         string
	Encoding    Encoding
	OrderNumber string
	Status      Classification

	// Headers are the inbound request headers. Set by the transport layer.
	Headers http.Header
}

// Normalize decodes a notification. A non-nil parsed mapping (a body already
// decoded upstream) is used as is; otherwise body is read to completion and
// decoded with Decode.
//
// A read failure still yields a usable Notification built from whatever was
// read; the error is returned alongside it for logging.
func Normalize(parsed fields.Map, body io.Reader) (Notification, error) {
	var (
		n   Notification
		err error
	)

	if parsed != nil {
		n.Body = parsed
		n.Encoding = EncodingParsed
		if raw, mErr := json.Marshal(parsed); mErr == nil {
			n.Raw = string(raw)
		}
	} else {
		var raw []byte
		if body != nil {
			raw, err = io.ReadAll(io.LimitReader(body, MaxBodyBytes))
			if err != nil {
				err = fmt.Errorf("payload: read body: %w", err)
			}
		}
		n.Raw = string(raw)
		n.Body, n.Encoding = Decode(raw)
	}

	n.OrderNumber = OrderNumber(n.Body)
	n.Status = Classify(n.Body)
	return n, err
}

// Decode parses raw as a JSON object, a JSON string holding an encoded body,
// or URL-encoded form text, in that order. Anything else decodes to an empty
// mapping.
func Decode(raw []byte) (fields.Map, Encoding) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return fields.Map{}, EncodingEmpty
	}
	return decodeText(s, true)
}

func decodeText(s string, unwrap bool) (fields.Map, Encoding) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		switch t := v.(type) {
		case map[string]any:
			return t, EncodingJSON
		case string:
			if inner := strings.TrimSpace(t); unwrap && inner != "" {
				if m, enc := decodeText(inner, false); enc == EncodingJSON || enc == EncodingForm {
					return m, EncodingJSONText
				}
			}
		}
	}

	if m, ok := decodeForm(s); ok {
		return m, EncodingForm
	}
	return fields.Map{}, EncodingUndecodable
}

func decodeForm(s string) (fields.Map, bool) {
	values, err := url.ParseQuery(s)
	if err != nil || len(values) == 0 {
		return nil, false
	}

	m := make(fields.Map, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			m[k] = vs[0]
			continue
		}
		seq := make([]any, len(vs))
		for i, v := range vs {
			seq[i] = v
		}
		m[k] = seq
	}

	for _, k := range embeddedJSONKeys {
		s, ok := m[k].(string)
		if !ok {
			continue
		}
		t := strings.TrimSpace(s)
		if !strings.HasPrefix(t, "{") && !strings.HasPrefix(t, "[") {
			continue
		}
		var j any
		if err := json.Unmarshal([]byte(t), &j); err == nil {
			m[k] = j
		}
	}
	return m, true
}

// OrderNumber returns the first non-empty order identifier alias as a trimmed
// string. An empty result means the notification cannot be attributed.
func OrderNumber(m fields.Map) string {
	v, _, ok := fields.First(m, OrderNumberAccessors)
	if !ok {
		return ""
	}
	return fields.String(fields.Head(v))
}
