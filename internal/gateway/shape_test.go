package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/checkout-relay/internal/apperr"
	"github.com/iliamunaev/checkout-relay/internal/fields"
)

var fixedNow = time.UnixMilli(1700000000123)

func TestToCents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want int64
	}{
		{name: "nil", in: nil, want: 0},
		{name: "major_float", in: 1.5, want: 150},
		{name: "float_rounds", in: 10.005, want: 1001},
		{name: "small_integer_is_major", in: 99.0, want: 9900},
		{name: "large_integer_is_cents", in: 150.0, want: 150},
		{name: "go_int", in: 250, want: 250},
		{name: "br_string", in: "1.234,56", want: 123456},
		{name: "comma_decimal", in: "12,50", want: 1250},
		{name: "plain_string_is_major", in: "150", want: 15000},
		{name: "garbage", in: "abc", want: 0},
		{name: "bool", in: true, want: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ToCents(tt.in); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestEnsureOrderNumber(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "PED42", EnsureOrderNumber(" PED 42 ", fixedNow))
	assert.Equal(t, "PED1700000000123", EnsureOrderNumber("", fixedNow))
	assert.Equal(t, "PED1700000000123", EnsureOrderNumber(42.0, fixedNow))
	assert.Equal(t, "PED1700000000123", EnsureOrderNumber(nil, fixedNow))
}

func TestEnsureSoftDescriptor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Nomefantasia", EnsureSoftDescriptor(nil))
	assert.Equal(t, "Nomefantasia", EnsureSoftDescriptor("***"))
	assert.Equal(t, "LojadoJoo", EnsureSoftDescriptor("Loja do João"))
	assert.Equal(t, "ABCDEFGHIJKLMNOPQRST", EnsureSoftDescriptor("ABCDEFGHIJKLMNOPQRSTUVWXYZ"))
}

func TestShapeFrontBody(t *testing.T) {
	t.Parallel()

	body := fields.Map{
		"orderNumber":    "PED7",
		"softDescriptor": "Pizzaria Bella!",
		"cart": map[string]any{
			"items": []any{
				map[string]any{"nome": "Pizza", "preco": "42,90", "quantidade": 2.0, "id": "p1"},
				map[string]any{"price": 5.0},
			},
		},
		"shipping": map[string]any{"Price": 7.5},
		"customer": map[string]any{"FullName": "Ana"},
	}

	o, err := Shape(body, fixedNow)
	require.NoError(t, err)

	assert.Equal(t, "PED7", o.OrderNumber)
	assert.Equal(t, "PizzariaBella", o.SoftDescriptor)
	assert.Equal(t, Discount{Type: "Percent"}, o.Cart.Discount)
	require.Len(t, o.Cart.Items, 2)

	assert.Equal(t, Item{Name: "Pizza", Description: "Item", UnitPrice: 4290, Quantity: 2, Type: "Asset", Sku: "p1"}, o.Cart.Items[0])
	assert.Equal(t, Item{Name: "Produto", Description: "Item", UnitPrice: 500, Quantity: 1, Type: "Asset", Sku: "SKU"}, o.Cart.Items[1])

	assert.Equal(t, "FixedAmount", o.Shipping.Type)
	assert.Equal(t, int64(750), o.Shipping.Price)
	assert.NotNil(t, o.Customer)
}

func TestShapeGatewayBody(t *testing.T) {
	t.Parallel()

	body := fields.Map{
		"OrderNumber": "PED9",
		"Cart": map[string]any{
			"Discount": map[string]any{"Type": "Amount", "Value": 100.0},
			"Items": []any{
				map[string]any{"Name": "Esfiha", "UnitPrice": 350.0, "Quantity": 3.0},
			},
		},
		"Shipping": map[string]any{"Type": "Free"},
	}

	require.True(t, IsGatewayShaped(body))

	o, err := Shape(body, fixedNow)
	require.NoError(t, err)

	assert.Equal(t, "PED9", o.OrderNumber)
	assert.Equal(t, DefaultSoftDescriptor, o.SoftDescriptor)
	assert.Equal(t, Discount{Type: "Amount", Value: 100}, o.Cart.Discount)
	require.Len(t, o.Cart.Items, 1)
	assert.Equal(t, int64(350), o.Cart.Items[0].UnitPrice)
	assert.Equal(t, 3, o.Cart.Items[0].Quantity)
	assert.Equal(t, "SKU", o.Cart.Items[0].Sku)
	assert.Equal(t, "Free", o.Shipping.Type)
}

func TestShapeRejectsZeroPrice(t *testing.T) {
	t.Parallel()

	body := fields.Map{"items": []any{map[string]any{"nome": "Brinde", "preco": 0.0}}}

	_, err := Shape(body, fixedNow)
	if !errors.Is(err, ErrInvalidUnitPrice) {
		t.Fatalf("expected ErrInvalidUnitPrice, got %v", err)
	}
	if apperr.Kind(err) != "bad_request" {
		t.Fatalf("expected %q, got %q", "bad_request", apperr.Kind(err))
	}
}

func TestShapeWithoutItems(t *testing.T) {
	t.Parallel()

	o, err := Shape(fields.Map{}, fixedNow)
	require.NoError(t, err)
	assert.Empty(t, o.Cart.Items)
	assert.NotNil(t, o.Cart.Items)
	assert.Equal(t, "PED1700000000123", o.OrderNumber)
}

func TestFrontItemsAliases(t *testing.T) {
	t.Parallel()

	assert.Len(t, FrontItems(fields.Map{"itens": []any{map[string]any{}, "skip"}}), 1)
	assert.Nil(t, FrontItems(fields.Map{"items": "nope"}))
	assert.False(t, IsGatewayShaped(fields.Map{"Cart": map[string]any{"Items": []any{map[string]any{"Name": ""}}}}))
}
