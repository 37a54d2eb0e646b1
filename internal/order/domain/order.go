package domain

import (
	"fmt"
	"math"
	"time"

	sharedBus "github.com/davicafu/orderflow/internal/shared/infra/platform/bus"
	"github.com/google/uuid"
)

// OrderStatus indica si el evento de creación ya fue emitido.
type OrderStatus string

const (
	StatusPendingPublish OrderStatus = "pending_publish"
	StatusPublished      OrderStatus = "published"
	StatusPublishFailed  OrderStatus = "publish_failed"
)

// Unpublished devuelve true para los estados que el reconciliador debe reintentar.
func (s OrderStatus) Unpublished() bool {
	return s == StatusPendingPublish || s == StatusPublishFailed
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPendingPublish, StatusPublished, StatusPublishFailed:
		return true
	}
	return false
}

// Order es el registro durable de una compra. ID, CustomerID y Amount son inmutables.
type Order struct {
	ID         uuid.UUID   `json:"id"`
	CustomerID string      `json:"customerId"`
	Amount     float64     `json:"amount"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// NewOrder construye una orden nueva en estado PendingPublish.
func NewOrder(id uuid.UUID, customerID string, amount float64, now time.Time) (*Order, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidOrder)
	}
	if customerID == "" {
		return nil, fmt.Errorf("%w: empty customer id", ErrInvalidOrder)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return nil, fmt.Errorf("%w: amount must be a non-negative number", ErrInvalidOrder)
	}

	return &Order{
		ID:         id,
		CustomerID: customerID,
		Amount:     amount,
		Status:     StatusPendingPublish,
		CreatedAt:  now.UTC().Truncate(time.Millisecond), // precisión común a todos los stores
	}, nil
}

func (o *Order) PartitionKey() string {
	return o.ID.String()
}

// SameContent compara los campos inmutables. El estado lo gestiona el coordinador
// y no forma parte de la identidad del registro.
func (o *Order) SameContent(other *Order) bool {
	if other == nil {
		return false
	}
	return o.ID == other.ID && o.CustomerID == other.CustomerID && o.Amount == other.Amount
}

// Snapshot congela los valores del evento en el momento de la creación.
func (o *Order) Snapshot() OrderCreatedEvent {
	return OrderCreatedEvent{
		OrderID:  o.ID.String(),
		Amount:   o.Amount,
		Customer: Customer{ID: o.CustomerID},
	}
}

// Verificación estática
var _ sharedBus.Keyer = (*Order)(nil)
