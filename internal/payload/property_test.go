package payload

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var statusTexts = []string{"paid", "captured", "authorized", "", "pendente"}

// Only code 2 is paid, whatever the text fields say.
func TestNumericStatusPrecedence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("paid iff payment_status is 2", prop.ForAll(
		func(code, textIdx int) bool {
			text := statusTexts[textIdx]
			body, err := json.Marshal(map[string]any{
				"OrderNumber":    "PED1",
				"payment_status": code,
				"Status":         text,
			})
			if err != nil {
				return false
			}
			m, _ := Decode(body)
			c := Classify(m)
			return c.Code != nil && *c.Code == code && c.Paid == (code == CodePaid)
		},
		gen.IntRange(-3, 12),
		gen.IntRange(0, len(statusTexts)-1),
	))

	properties.TestingRun(t)
}

// The same notification decodes to the same order number and status whether
// it arrives as JSON or as a form.
func TestEncodingIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("json and form agree", prop.ForAll(
		func(order string, code int) bool {
			js, err := json.Marshal(map[string]any{"order_number": order, "payment_status": code})
			if err != nil {
				return false
			}
			form := url.Values{"order_number": {order}, "payment_status": {strconv.Itoa(code)}}.Encode()

			a, _ := Normalize(nil, bytesReader(js))
			b, _ := Normalize(nil, bytesReader([]byte(form)))

			return a.OrderNumber == order &&
				b.OrderNumber == order &&
				a.Status.Outcome() == b.Status.Outcome() &&
				a.Status.Paid == b.Status.Paid
		},
		gen.Identifier(),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }
