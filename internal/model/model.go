// Package model defines the ledger documents and the acknowledgement payload
// returned to the notification sender. It keeps domain types in one place for
// reuse across the repositories, the engine and the transport layer.
package model

import "github.com/shopspring/decimal"

// Collections of the document store.
const (
	CollectionIntents = "checkoutIntents"
	CollectionOrders  = "pedidos"
	CollectionOrphans = "webhookOrphans"
	CollectionLogs    = "webhookLogs"
)

// Document field names shared by more than one package.
const (
	FieldOrderNumber      = "orderNumber"
	FieldItens            = "itens"
	FieldTotal            = "total"
	FieldTipoServico      = "tipoServico"
	FieldAgendamento      = "agendamento"
	FieldStatus           = "status"
	FieldLastNotification = "lastNotification"
	FieldLastPayload      = "lastPayload"
	FieldCreatedAt        = "createdAt"
	FieldUpdatedAt        = "updatedAt"
	FieldDateKey          = "dateKey"
	FieldItensCount       = "itensCount"
	FieldPagamento        = "pagamento"
)

// IntentStatus is the lifecycle state of a CheckoutIntent.
type IntentStatus string

const (
	IntentCreated     IntentStatus = "criado"
	IntentPending     IntentStatus = "pendente"
	IntentNotApproved IntentStatus = "nao_aprovado"
	IntentApproved    IntentStatus = "aprovado"
)

// OrderStatusApproved is the only order status the reconciliation engine writes.
const OrderStatusApproved = "aprovado"

// Defaults recorded on orders paid through the online gateway.
const (
	DefaultTipoServico = "Online"
	PaymentProvider    = "online"
	PaymentGateway     = "cielo"
)

// CheckoutIntent is a shopper's declared order, stored before the redirect to
// the payment gateway.
type CheckoutIntent struct {
	ID          string
	OrderNumber string
	Itens       []map[string]any
	Total       decimal.Decimal
	TipoServico string
	Agendamento any
	Status      IntentStatus
}

// OrderItem is one denormalized line of an Order. Preco is in major currency
// units.
type OrderItem struct {
	Nome       string
	Quantidade int
	Preco      decimal.Decimal
	Tamanho    string
	Observacao string
	Adicionais []any
}

// Payment is the pagamento sub-record of an Order.
type Payment struct {
	Provider    string
	Gateway     string
	OrderNumber string
	Raw         map[string]any
	StatusCode  *int
}

// Order (pedido) is the durable record of an approved transaction.
type Order struct {
	OrderNumber string
	DateKey     string
	Itens       []OrderItem
	ItensCount  int
	Total       decimal.Decimal
	Status      string
	TipoServico string
	Agendamento any
	Payment     Payment
}

// Ack is the body returned to the notification sender. It is always served
// with HTTP 200.
type Ack struct {
	OK        bool   `json:"ok"`
	Processed bool   `json:"processed,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}
