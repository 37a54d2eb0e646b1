package domain

import (
	sharedBus "github.com/davicafu/orderflow/internal/shared/infra/platform/bus"
)

// Tipos de evento y topic por defecto.
const (
	OrderCreated   = "order.created"
	OrderAggregate = "order"
	OrderTopic     = "orders.created"
)

type Customer struct {
	ID string `json:"id"`
}

// OrderCreatedEvent es el contrato de integración OrderCreatedMessage.
// Los consumidores dependen de esta forma: no cambiar de manera incompatible.
type OrderCreatedEvent struct {
	OrderID  string   `json:"orderId"`
	Amount   float64  `json:"amount"`
	Customer Customer `json:"customer"`
}

func (e OrderCreatedEvent) PartitionKey() string {
	return e.OrderID
}

func (e OrderCreatedEvent) EventType() string {
	return OrderCreated
}

var (
	_ sharedBus.Keyer = OrderCreatedEvent{}
	_ sharedBus.Typed = OrderCreatedEvent{}
)
