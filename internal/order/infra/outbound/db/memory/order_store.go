package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davicafu/orderflow/internal/order/domain"
)

// OrderStoreMemory implementa domain.OrderStore en memoria.
// Útil para despliegue local y tests; no sobrevive a reinicios.
type OrderStoreMemory struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]domain.Order
	outbox map[uuid.UUID]domain.OutboxEvent // por id de orden: una instantánea por orden
}

func NewOrderStoreMemory() *OrderStoreMemory {
	return &OrderStoreMemory{
		orders: make(map[uuid.UUID]domain.Order),
		outbox: make(map[uuid.UUID]domain.OutboxEvent),
	}
}

// Put guarda orden e instantánea bajo el mismo lock (equivalente a la transacción).
func (s *OrderStoreMemory) Put(ctx context.Context, o *domain.Order, evt domain.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return domain.StoreError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orders[o.ID]; ok {
		if existing.SameContent(o) {
			return nil
		}
		return domain.ErrOrderConflict
	}

	s.orders[o.ID] = *o
	s.outbox[o.ID] = evt
	return nil
}

func (s *OrderStoreMemory) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.StoreError(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

func (s *OrderStoreMemory) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return domain.StoreError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.Status = domain.StatusPublished
	s.orders[id] = o

	if evt, ok := s.outbox[id]; ok {
		evt.Processed = true
		s.outbox[id] = evt
	}
	return nil
}

func (s *OrderStoreMemory) MarkPublishFailed(ctx context.Context, id uuid.UUID, reason string, park bool) error {
	if err := ctx.Err(); err != nil {
		return domain.StoreError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status == domain.StatusPublished {
		return nil
	}
	o.Status = domain.StatusPublishFailed
	s.orders[id] = o

	if evt, ok := s.outbox[id]; ok && !evt.Processed {
		evt.Attempts++
		evt.LastError = reason
		evt.Parked = evt.Parked || park
		s.outbox[id] = evt
	}
	return nil
}

func (s *OrderStoreMemory) FetchPendingOutbox(ctx context.Context, cutoff time.Time, limit int) ([]domain.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.StoreError(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []domain.OutboxEvent
	for orderID, evt := range s.outbox {
		if evt.Processed || evt.Parked || !evt.CreatedAt.Before(cutoff) {
			continue
		}
		if o, ok := s.orders[orderID]; !ok || !o.Status.Unpublished() {
			continue
		}
		events = append(events, evt)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Verificación en tiempo de compilación.
var _ domain.OrderStore = (*OrderStoreMemory)(nil)
