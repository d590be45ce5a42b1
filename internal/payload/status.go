package payload

import (
	"strings"

	"github.com/iliamunaev/checkout-relay/internal/fields"
)

// Reason tags attached to a Classification.
const (
	ReasonPending   = "pendente"
	ReasonPaid      = "pago"
	ReasonDeclined  = "negado"
	ReasonExpired   = "expirado"
	ReasonCancelled = "cancelado"
	ReasonUnknown   = "unknown"
	ReasonMissing   = "missing"

	textReasonPrefix = "text:"
)

// Gateway payment_status codes.
const (
	CodePending   = 1
	CodePaid      = 2
	CodeDeclined  = 3
	CodeExpired   = 4
	CodeCancelled = 5
)

// StatusAccessors lists where a numeric payment status may appear.
var StatusAccessors = []fields.Accessor{
	fields.Key("payment_status"),
	fields.Key("PaymentStatus"),
	fields.Path("Payment", "Status"),
	fields.Path("payment", "status"),
}

// TextStatusAccessors are consulted for a textual status when no status alias
// carries a value.
var TextStatusAccessors = []fields.Accessor{
	fields.Key("Status"),
	fields.Key("status"),
}

var (
	paidMarkers       = []string{"paid", "captur", "confirm", "pago", "aprovad"}
	authorizedMarkers = []string{"authoriz", "autoriz"}
	negationMarkers   = []string{"unpaid", "not ", "nao ", "não ", "non-", "un-"}
)

// Outcome is the decision-relevant reading of a Classification.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomePending
	OutcomePaid
	OutcomeDeclined
	OutcomeExpired
	OutcomeCancelled
	OutcomeAuthorized
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomePaid:
		return "paid"
	case OutcomeDeclined:
		return "declined"
	case OutcomeExpired:
		return "expired"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Classification is the payment status read from a notification.
// Code is nil when the sender supplied no numeric status.
type Classification struct {
	Code   *int   `json:"code"`
	Raw    string `json:"raw"`
	Paid   bool   `json:"paid"`
	Reason string `json:"reason"`
}

// Outcome maps the classification onto the engine's decision space. Numeric
// codes win over text.
func (c Classification) Outcome() Outcome {
	if c.Code != nil {
		switch *c.Code {
		case CodePending:
			return OutcomePending
		case CodePaid:
			return OutcomePaid
		case CodeDeclined:
			return OutcomeDeclined
		case CodeExpired:
			return OutcomeExpired
		case CodeCancelled:
			return OutcomeCancelled
		default:
			return OutcomeUnknown
		}
	}
	if c.Paid {
		return OutcomePaid
	}
	if strings.HasPrefix(c.Reason, textReasonPrefix) && containsAny(c.Reason, authorizedMarkers) {
		return OutcomeAuthorized
	}
	return OutcomeUnknown
}

// Fields renders the classification for storage.
func (c Classification) Fields() map[string]any {
	var code any
	if c.Code != nil {
		code = *c.Code
	}
	return map[string]any{
		"code":   code,
		"raw":    c.Raw,
		"paid":   c.Paid,
		"reason": c.Reason,
	}
}

// Classify reads the payment status of a decoded notification.
func Classify(m fields.Map) Classification {
	var c Classification

	if v, _, ok := fields.First(m, StatusAccessors); ok {
		v = fields.Head(v)
		c.Raw = fields.String(v)
		if code, ok := fields.Int(v); ok {
			c.Code = &code
			c.Reason, c.Paid = codeReason(code)
			return c
		}
	}

	if c.Raw == "" {
		if v, _, ok := fields.First(m, TextStatusAccessors); ok {
			c.Raw = fields.String(fields.Head(v))
		}
	}
	if c.Raw == "" {
		c.Reason = ReasonMissing
		return c
	}

	lower := strings.ToLower(c.Raw)
	switch {
	case containsAny(lower, negationMarkers):
		c.Reason = textReasonPrefix + lower
	case containsAny(lower, paidMarkers):
		c.Paid = true
		c.Reason = textReasonPrefix + lower
	case containsAny(lower, authorizedMarkers):
		c.Reason = textReasonPrefix + lower
	default:
		c.Reason = ReasonUnknown
	}
	return c
}

func codeReason(code int) (reason string, paid bool) {
	switch code {
	case CodePending:
		return ReasonPending, false
	case CodePaid:
		return ReasonPaid, true
	case CodeDeclined:
		return ReasonDeclined, false
	case CodeExpired:
		return ReasonExpired, false
	case CodeCancelled:
		return ReasonCancelled, false
	default:
		return ReasonUnknown, false
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
