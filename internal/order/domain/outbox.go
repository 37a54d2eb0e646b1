package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent es la instantánea durable del evento de una orden.
// Se guarda junto a la orden y el reconciliador la publica tal cual, sin recalcularla.
type OutboxEvent struct {
	ID            uuid.UUID `json:"id"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"` // id de la orden
	EventType     string    `json:"event_type"`
	Payload       []byte    `json:"payload"` // JSON del OrderCreatedEvent
	CreatedAt     time.Time `json:"created_at"`
	Processed     bool      `json:"processed"` // publicado y confirmado
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	Parked        bool      `json:"parked"` // no se reintenta más
}

// NewOrderCreatedOutbox serializa la instantánea de la orden.
func NewOrderCreatedOutbox(id uuid.UUID, o *Order) (OutboxEvent, error) {
	payload, err := json.Marshal(o.Snapshot())
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	return OutboxEvent{
		ID:            id,
		AggregateType: OrderAggregate,
		AggregateID:   o.ID.String(),
		EventType:     OrderCreated,
		Payload:       payload,
		CreatedAt:     o.CreatedAt,
	}, nil
}

// OrderID parsea el AggregateID.
func (e OutboxEvent) OrderID() (uuid.UUID, error) {
	id, err := uuid.Parse(e.AggregateID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid order id in outbox row %s: %w", e.ID, err)
	}
	return id, nil
}

// DecodeOrderCreated reconstruye el evento exactamente como se guardó.
func (e OutboxEvent) DecodeOrderCreated() (OrderCreatedEvent, error) {
	if e.EventType != OrderCreated {
		return OrderCreatedEvent{}, fmt.Errorf("unexpected event type %q in outbox row %s", e.EventType, e.ID)
	}

	var evt OrderCreatedEvent
	if err := json.Unmarshal(e.Payload, &evt); err != nil {
		return OrderCreatedEvent{}, fmt.Errorf("invalid JSON payload in outbox row %s: %w", e.ID, err)
	}
	if evt.OrderID != e.AggregateID {
		return OrderCreatedEvent{}, fmt.Errorf("outbox row %s: payload order id %q does not match aggregate %q", e.ID, evt.OrderID, e.AggregateID)
	}
	return evt, nil
}
