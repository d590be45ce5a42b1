package gateway

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliamunaev/checkout-relay/internal/apperr"
	"github.com/iliamunaev/checkout-relay/internal/fields"
)

// DefaultSoftDescriptor is shown on the shopper's card statement when the
// storefront sends none.
const DefaultSoftDescriptor = "Nomefantasia"

const maxSoftDescriptor = 20

// ErrInvalidUnitPrice rejects carts with an item priced below one cent.
var ErrInvalidUnitPrice = fmt.Errorf("invalid UnitPrice (cents >= 1): %w", apperr.ErrBadRequest)

var (
	whitespace = regexp.MustCompile(`\s+`)
	nonAlnum   = regexp.MustCompile(`[^a-zA-Z0-9]`)
	hundred    = decimal.NewFromInt(100)
)

// Order is the gateway's order creation request.
type Order struct {
	OrderNumber    string   `json:"OrderNumber"`
	SoftDescriptor string   `json:"SoftDescriptor"`
	Cart           Cart     `json:"Cart"`
	Shipping       Shipping `json:"Shipping"`
	Customer       any      `json:"Customer,omitempty"`
}

type Cart struct {
	Discount Discount `json:"Discount"`
	Items    []Item   `json:"Items"`
}

type Discount struct {
	Type  string  `json:"Type"`
	Value float64 `json:"Value"`
}

// Item prices are in cents.
type Item struct {
	Name        string  `json:"Name"`
	Description string  `json:"Description"`
	UnitPrice   int64   `json:"UnitPrice"`
	Quantity    int     `json:"Quantity"`
	Type        string  `json:"Type"`
	Sku         string  `json:"Sku"`
	Weight      float64 `json:"Weight"`
}

type Shipping struct {
	Type          string `json:"Type"`
	Price         int64  `json:"Price"`
	SourceZipCode any    `json:"SourceZipCode,omitempty"`
	TargetZipCode any    `json:"TargetZipCode,omitempty"`
	Services      any    `json:"Services,omitempty"`
	Address       any    `json:"Address,omitempty"`
}

var (
	frontNameAccessors  = []fields.Accessor{fields.Key("nome"), fields.Key("name")}
	frontDescAccessors  = []fields.Accessor{fields.Key("descricao"), fields.Key("description")}
	frontPriceAccessors = []fields.Accessor{fields.Key("preco"), fields.Key("price")}
	frontQtyAccessors   = []fields.Accessor{fields.Key("quantidade"), fields.Key("quantity")}
	frontSkuAccessors   = []fields.Accessor{fields.Key("id"), fields.Key("sku")}
	frontWeightAccessor = []fields.Accessor{fields.Key("peso"), fields.Key("weight")}
	frontItemsAccessors = []fields.Accessor{fields.Path("cart", "items"), fields.Key("items"), fields.Key("itens")}
)

// ToCents converts a price to cents. Strings use the Brazilian format
// ("1.234,56"). Integers of 100 or more are taken to be cents already; other
// numbers are major units.
func ToCents(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ".", "")
		s = strings.Replace(s, ",", ".", 1)
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0
		}
		return d.Mul(hundred).Round(0).IntPart()
	case bool:
		return 0
	default:
		d, ok := fields.Decimal(v)
		if !ok {
			return 0
		}
		if d.IsInteger() && d.GreaterThanOrEqual(hundred) {
			return d.IntPart()
		}
		return d.Mul(hundred).Round(0).IntPart()
	}
}

// EnsureOrderNumber returns v without whitespace, or PED<unix millis> when v
// is not a non-empty string.
func EnsureOrderNumber(v any, now time.Time) string {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		s = "PED" + strconv.FormatInt(now.UnixMilli(), 10)
	}
	return whitespace.ReplaceAllString(s, "")
}

// EnsureSoftDescriptor keeps ASCII letters and digits, at most 20 of them.
func EnsureSoftDescriptor(v any) string {
	s, _ := v.(string)
	if s == "" {
		s = DefaultSoftDescriptor
	}
	s = nonAlnum.ReplaceAllString(s, "")
	if len(s) > maxSoftDescriptor {
		s = s[:maxSoftDescriptor]
	}
	if s == "" {
		return DefaultSoftDescriptor
	}
	return s
}

// IsGatewayShaped reports whether body is already in the gateway's schema,
// judged by a named first cart item.
func IsGatewayShaped(body fields.Map) bool {
	cart, ok := fields.AsMap(body["Cart"])
	if !ok {
		return false
	}
	items, ok := cart["Items"].([]any)
	if !ok || len(items) == 0 {
		return false
	}
	first, ok := fields.AsMap(items[0])
	return ok && !fields.IsEmpty(first["Name"])
}

// FrontItems returns the storefront's line items, if any.
func FrontItems(body fields.Map) []map[string]any {
	v, _, ok := fields.First(body, frontItemsAccessors)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, raw := range fields.Slice(v) {
		if m, ok := fields.AsMap(raw); ok {
			out = append(out, m)
		}
	}
	return out
}

// Shape builds the gateway request from either a gateway-shaped body or a
// storefront body. It fails with ErrInvalidUnitPrice when any item costs
// less than one cent.
func Shape(body fields.Map, now time.Time) (Order, error) {
	var o Order
	if IsGatewayShaped(body) {
		o = shapeGateway(body, now)
	} else {
		o = shapeFront(body, now)
	}

	for _, it := range o.Cart.Items {
		if it.UnitPrice < 1 {
			return Order{}, fmt.Errorf("item %q: %w", it.Name, ErrInvalidUnitPrice)
		}
	}
	return o, nil
}

func shapeGateway(b fields.Map, now time.Time) Order {
	cart, _ := fields.AsMap(b["Cart"])
	discount, _ := fields.AsMap(cart["Discount"])

	o := Order{
		OrderNumber:    EnsureOrderNumber(b["OrderNumber"], now),
		SoftDescriptor: EnsureSoftDescriptor(b["SoftDescriptor"]),
		Cart: Cart{
			Discount: Discount{
				Type:  orDefault(fields.String(discount["Type"]), "Percent"),
				Value: number(discount["Value"]),
			},
		},
		Shipping: shapeShipping(b["Shipping"]),
		Customer: b["Customer"],
	}

	for _, raw := range fields.Slice(cart["Items"]) {
		it, _ := fields.AsMap(raw)
		qty, ok := fields.Int(it["Quantity"])
		if !ok || qty == 0 {
			qty = 1
		}
		o.Cart.Items = append(o.Cart.Items, Item{
			Name:        fields.String(it["Name"]),
			Description: fields.String(it["Description"]),
			UnitPrice:   ToCents(it["UnitPrice"]),
			Quantity:    qty,
			Type:        orDefault(fields.String(it["Type"]), "Asset"),
			Sku:         orDefault(fields.String(it["Sku"]), "SKU"),
			Weight:      number(it["Weight"]),
		})
	}
	return o
}

func shapeFront(b fields.Map, now time.Time) Order {
	o := Order{
		OrderNumber:    EnsureOrderNumber(b["orderNumber"], now),
		SoftDescriptor: EnsureSoftDescriptor(b["softDescriptor"]),
		Cart: Cart{
			Discount: Discount{Type: "Percent"},
			Items:    []Item{},
		},
		Shipping: shapeShipping(b["shipping"]),
	}
	if c, ok := b["customer"]; ok && !fields.IsEmpty(c) {
		o.Customer = c
	}

	for _, it := range FrontItems(b) {
		o.Cart.Items = append(o.Cart.Items, frontItem(it))
	}
	return o
}

func frontItem(it map[string]any) Item {
	item := Item{
		Name:        "Produto",
		Description: "Item",
		Quantity:    1,
		Type:        "Asset",
		Sku:         "SKU",
	}
	if v, _, ok := fields.First(it, frontNameAccessors); ok {
		item.Name = fields.String(v)
	}
	if v, _, ok := fields.First(it, frontDescAccessors); ok {
		item.Description = fields.String(v)
	}
	if v, _, ok := fields.First(it, frontPriceAccessors); ok {
		item.UnitPrice = ToCents(v)
	}
	if v, _, ok := fields.First(it, frontQtyAccessors); ok {
		if q, ok := fields.Int(v); ok && q != 0 {
			item.Quantity = q
		}
	}
	if v, _, ok := fields.First(it, frontSkuAccessors); ok {
		item.Sku = fields.String(v)
	}
	if t := fields.String(it["type"]); t != "" {
		item.Type = t
	}
	if v, _, ok := fields.First(it, frontWeightAccessor); ok {
		item.Weight = number(v)
	}
	return item
}

func shapeShipping(v any) Shipping {
	s, _ := fields.AsMap(v)
	return Shipping{
		Type:          orDefault(fields.String(s["Type"]), "FixedAmount"),
		Price:         ToCents(s["Price"]),
		SourceZipCode: s["SourceZipCode"],
		TargetZipCode: s["TargetZipCode"],
		Services:      s["Services"],
		Address:       s["Address"],
	}
}

func number(v any) float64 {
	f, _ := fields.Float(v)
	return f
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
