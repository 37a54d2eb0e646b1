package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/davicafu/orderflow/internal/order/domain"
	sharedBus "github.com/davicafu/orderflow/internal/shared/infra/platform/bus"
)

// MockPublisher simula un publisher con testify/mock.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event interface{}) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// FlakyPublisher falla las primeras FailFirst llamadas y luego delega en Next.
type FlakyPublisher struct {
	Next      sharedBus.EventPublisher
	FailFirst int
	Err       error

	mu    sync.Mutex
	calls int
}

func (p *FlakyPublisher) Publish(ctx context.Context, event interface{}) error {
	p.mu.Lock()
	p.calls++
	fail := p.calls <= p.FailFirst
	p.mu.Unlock()

	if fail {
		if p.Err != nil {
			return p.Err
		}
		return domain.TransientPublishError(errors.New("broker unavailable"))
	}
	return p.Next.Publish(ctx, event)
}

func (p *FlakyPublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// RecordingPublisher guarda cada evento aceptado.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func (p *RecordingPublisher) Publish(ctx context.Context, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *RecordingPublisher) Events() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]interface{}, len(p.events))
	copy(out, p.events)
	return out
}

// Verificación estática
var (
	_ sharedBus.EventPublisher = (*MockPublisher)(nil)
	_ sharedBus.EventPublisher = (*FlakyPublisher)(nil)
	_ sharedBus.EventPublisher = (*RecordingPublisher)(nil)
)
