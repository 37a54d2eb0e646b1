package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/davicafu/orderflow/internal/order/domain"
	sharedBus "github.com/davicafu/orderflow/internal/shared/infra/platform/bus"
)

// InMemoryEventBus implementa un bus de eventos para UN solo topic.
// Entrega el JSON del evento a cada suscriptor. Con el buffer de un suscriptor lleno, Publish espera
// hasta que haya hueco o ctx termine; en ese caso devuelve un error transitorio.
type InMemoryEventBus struct {
	subscribers []chan interface{}
	mu          sync.RWMutex
	topic       string
}

// Verifica en tiempo de compilación que cumple la interfaz
var _ sharedBus.EventPublisher = (*InMemoryEventBus)(nil)

// NewInMemoryEventBus crea un bus de eventos para un topic específico.
func NewInMemoryEventBus(topic string) *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make([]chan interface{}, 0),
		topic:       topic,
	}
}

// Publish envía el evento serializado a todos los suscriptores de este bus.
func (b *InMemoryEventBus) Publish(ctx context.Context, event interface{}) error {
	if err := ctx.Err(); err != nil {
		return domain.TransientPublishError(err)
	}

	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return domain.PermanentPublishError(err)
	}

	b.mu.RLock()
	subscribers := append([]chan interface{}(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, subChan := range subscribers {
		select {
		case subChan <- payloadBytes:
		case <-ctx.Done():
			return domain.TransientPublishError(fmt.Errorf("topic %s: subscriber buffer full: %w", b.topic, ctx.Err()))
		}
	}
	return nil
}

// Subscribe suscribe un nuevo oyente a este bus.
func (b *InMemoryEventBus) Subscribe(bufferSize int) <-chan interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	subChan := make(chan interface{}, bufferSize)
	b.subscribers = append(b.subscribers, subChan)
	return subChan
}
