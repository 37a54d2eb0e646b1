package mocks

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/davicafu/orderflow/internal/order/domain"
)

// MockOrderStore simula el store con testify/mock.
type MockOrderStore struct {
	mock.Mock
}

func (m *MockOrderStore) Put(ctx context.Context, o *domain.Order, evt domain.OutboxEvent) error {
	args := m.Called(ctx, o, evt)
	return args.Error(0)
}

func (m *MockOrderStore) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	args := m.Called(ctx, id)
	o, _ := args.Get(0).(*domain.Order)
	return o, args.Error(1)
}

func (m *MockOrderStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOrderStore) MarkPublishFailed(ctx context.Context, id uuid.UUID, reason string, park bool) error {
	args := m.Called(ctx, id, reason, park)
	return args.Error(0)
}

func (m *MockOrderStore) FetchPendingOutbox(ctx context.Context, cutoff time.Time, limit int) ([]domain.OutboxEvent, error) {
	args := m.Called(ctx, cutoff, limit)
	events, _ := args.Get(0).([]domain.OutboxEvent)
	return events, args.Error(1)
}

// FlakyStore envuelve un store real y simula una caída mientras Down está activo.
// FailMarkPublished hace fallar ese número de llamadas a MarkPublished.
type FlakyStore struct {
	domain.OrderStore
	Down              atomic.Bool
	FailMarkPublished atomic.Int32
}

func NewFlakyStore(next domain.OrderStore) *FlakyStore {
	return &FlakyStore{OrderStore: next}
}

func (s *FlakyStore) unavailable() error {
	if s.Down.Load() {
		return domain.StoreError(context.DeadlineExceeded)
	}
	return nil
}

func (s *FlakyStore) Put(ctx context.Context, o *domain.Order, evt domain.OutboxEvent) error {
	if err := s.unavailable(); err != nil {
		return err
	}
	return s.OrderStore.Put(ctx, o, evt)
}

func (s *FlakyStore) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	if err := s.unavailable(); err != nil {
		return nil, err
	}
	return s.OrderStore.Get(ctx, id)
}

func (s *FlakyStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if err := s.unavailable(); err != nil {
		return err
	}
	if s.FailMarkPublished.Add(-1) >= 0 {
		return domain.StoreError(context.DeadlineExceeded)
	}
	return s.OrderStore.MarkPublished(ctx, id)
}

func (s *FlakyStore) MarkPublishFailed(ctx context.Context, id uuid.UUID, reason string, park bool) error {
	if err := s.unavailable(); err != nil {
		return err
	}
	return s.OrderStore.MarkPublishFailed(ctx, id, reason, park)
}

func (s *FlakyStore) FetchPendingOutbox(ctx context.Context, cutoff time.Time, limit int) ([]domain.OutboxEvent, error) {
	if err := s.unavailable(); err != nil {
		return nil, err
	}
	return s.OrderStore.FetchPendingOutbox(ctx, cutoff, limit)
}

var (
	_ domain.OrderStore = (*MockOrderStore)(nil)
	_ domain.OrderStore = (*FlakyStore)(nil)
)
