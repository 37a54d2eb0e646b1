package mocks

import (
	"context"
	"sync"

	"github.com/davicafu/orderflow/internal/order/domain"
)

// MemoryDeadLetter guarda las instantáneas aparcadas.
type MemoryDeadLetter struct {
	mu     sync.Mutex
	Events []domain.OutboxEvent
}

func (d *MemoryDeadLetter) Save(ctx context.Context, evt domain.OutboxEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Events = append(d.Events, evt)
	return nil
}

func (d *MemoryDeadLetter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Events)
}

// MemoryAnalytics guarda los lotes recibidos.
type MemoryAnalytics struct {
	mu     sync.Mutex
	Events []domain.OrderCreatedEvent
}

func (a *MemoryAnalytics) LogBatch(ctx context.Context, events []domain.OrderCreatedEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Events = append(a.Events, events...)
	return nil
}

func (a *MemoryAnalytics) All() []domain.OrderCreatedEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.OrderCreatedEvent(nil), a.Events...)
}

func (a *MemoryAnalytics) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Events)
}

var (
	_ domain.DeadLetterSink      = (*MemoryDeadLetter)(nil)
	_ domain.AnalyticsRepository = (*MemoryAnalytics)(nil)
)
