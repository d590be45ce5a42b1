package order

import (
	"github.com/shopspring/decimal"

	"github.com/iliamunaev/checkout-relay/internal/fields"
	"github.com/iliamunaev/checkout-relay/internal/model"
)

// Fallbacks for optional line item fields.
const (
	DefaultNome    = "Produto"
	DefaultTamanho = "unico"
)

var (
	// MajorPriceAccessors hold a unit price in major currency units.
	MajorPriceAccessors = []fields.Accessor{
		fields.Key("preco"),
		fields.Key("price"),
		fields.Key("valor"),
	}
	// MinorPriceAccessors hold a unit price in cents.
	MinorPriceAccessors = []fields.Accessor{
		fields.Key("UnitPrice"),
		fields.Key("unitPrice"),
		fields.Key("precoCentavos"),
		fields.Key("priceCents"),
	}

	nomeAccessors       = []fields.Accessor{fields.Key("nome"), fields.Key("name"), fields.Key("Name")}
	quantidadeAccessors = []fields.Accessor{fields.Key("quantidade"), fields.Key("quantity"), fields.Key("Quantity"), fields.Key("qtd")}
	tamanhoAccessors    = []fields.Accessor{fields.Key("tamanho"), fields.Key("size")}
	observacaoAccessors = []fields.Accessor{fields.Key("observacao"), fields.Key("obs"), fields.Key("note")}
	adicionaisAccessors = []fields.Accessor{fields.Key("adicionais"), fields.Key("extras")}

	hundred = decimal.NewFromInt(100)
)

// BuildItems maps intent line items onto the order item shape.
func BuildItems(itens []map[string]any) []model.OrderItem {
	out := make([]model.OrderItem, 0, len(itens))
	for _, it := range itens {
		out = append(out, BuildItem(it))
	}
	return out
}

// BuildItem maps one intent line item, applying defaults.
func BuildItem(it map[string]any) model.OrderItem {
	item := model.OrderItem{
		Nome:       DefaultNome,
		Quantidade: Quantity(it),
		Preco:      UnitPrice(it),
		Tamanho:    DefaultTamanho,
		Adicionais: []any{},
	}
	if v, _, ok := fields.First(it, nomeAccessors); ok {
		item.Nome = fields.String(v)
	}
	if v, _, ok := fields.First(it, tamanhoAccessors); ok {
		item.Tamanho = fields.String(v)
	}
	if v, _, ok := fields.First(it, observacaoAccessors); ok {
		item.Observacao = fields.String(v)
	}
	if v, _, ok := fields.First(it, adicionaisAccessors); ok {
		if s := fields.Slice(v); s != nil {
			item.Adicionais = s
		}
	}
	return item
}

// UnitPrice resolves a line item's price in major units. A positive
// major-unit price wins; otherwise a minor-unit price is divided by 100.
// Items with neither are priced at zero.
func UnitPrice(it map[string]any) decimal.Decimal {
	for _, a := range MajorPriceAccessors {
		v, ok := a.Get(it)
		if !ok {
			continue
		}
		if d, ok := fields.Decimal(v); ok && d.IsPositive() {
			return d
		}
	}
	for _, a := range MinorPriceAccessors {
		v, ok := a.Get(it)
		if !ok {
			continue
		}
		if d, ok := fields.Decimal(v); ok {
			return d.Div(hundred)
		}
	}
	return decimal.Zero
}

// Quantity reads a line item's quantity. Missing, non-numeric and
// non-positive quantities count as 1.
func Quantity(it map[string]any) int {
	v, _, ok := fields.First(it, quantidadeAccessors)
	if !ok {
		return 1
	}
	q, ok := fields.Int(v)
	if !ok || q <= 0 {
		return 1
	}
	return q
}

// CountItems sums item quantities.
func CountItems(items []model.OrderItem) int {
	n := 0
	for _, it := range items {
		n += it.Quantidade
	}
	return n
}

func itemDocument(it model.OrderItem) map[string]any {
	adicionais := it.Adicionais
	if adicionais == nil {
		adicionais = []any{}
	}
	return map[string]any{
		"nome":       it.Nome,
		"quantidade": it.Quantidade,
		"preco":      it.Preco.InexactFloat64(),
		"tamanho":    it.Tamanho,
		"observacao": it.Observacao,
		"adicionais": adicionais,
	}
}
