package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/orderflow/internal/mocks"
	"github.com/davicafu/orderflow/internal/order/domain"
	"github.com/davicafu/orderflow/internal/order/infra/outbound/db/memory"
	"github.com/davicafu/orderflow/internal/shared/infra/events"
)

func TestReconciler_RepublishesSnapshotAfterFirstFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOrderStoreMemory()
	bus := events.NewInMemoryEventBus(domain.OrderTopic)
	sub := bus.Subscribe(10)
	clk := mocks.NewManualClock(testStart)
	flaky := &mocks.FlakyPublisher{Next: bus, FailFirst: 1}

	coord := NewOrderCoordinator(store, flaky, zap.NewNop(), WithClock(clk))
	rec := NewReconciler(store, flaky, nil, nil, clk, ReconcilerConfig{Grace: 10 * time.Second}, zap.NewNop())

	order, err := coord.CreateOrder(ctx, testCustomer, 49.99)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPublishFailed, order.Status)

	// dentro de la gracia no se toca
	clk.Advance(5 * time.Second)
	assert.Equal(t, BatchResult{}, rec.ProcessBatch(ctx))

	clk.Advance(10 * time.Second)
	res := rec.ProcessBatch(ctx)
	assert.Equal(t, BatchResult{Fetched: 1, Published: 1}, res)

	stored, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPublished, stored.Status)
	assert.Equal(t, 49.99, stored.Amount)

	got := drain(t, sub)
	require.Len(t, got, 1)
	assert.Equal(t, order.Snapshot(), got[0])

	clk.Advance(time.Minute)
	assert.Equal(t, 0, rec.ProcessBatch(ctx).Fetched)
	assert.Equal(t, 2, flaky.Calls())
}

func TestReconciler_UsesStoredSnapshotNotCurrentState(t *testing.T) {
	ctx := context.Background()
	store := new(mocks.MockOrderStore)
	publisher := new(mocks.MockPublisher)
	clk := mocks.NewManualClock(testStart)

	order, err := domain.NewOrder(uuid.New(), testCustomer, 80, testStart.Add(-time.Hour))
	require.NoError(t, err)
	evt, err := domain.NewOrderCreatedOutbox(uuid.New(), order)
	require.NoError(t, err)

	store.On("FetchPendingOutbox", mock.Anything, testStart.Add(-10*time.Second), 50).
		Return([]domain.OutboxEvent{evt}, nil).Once()
	publisher.On("Publish", mock.Anything, order.Snapshot()).Return(nil).Once()
	store.On("MarkPublished", mock.Anything, order.ID).Return(nil).Once()

	rec := NewReconciler(store, publisher, nil, nil, clk, ReconcilerConfig{}, zap.NewNop())
	res := rec.ProcessBatch(ctx)

	assert.Equal(t, 1, res.Published)
	store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	store.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestReconciler_PermanentErrorParksAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOrderStoreMemory()
	clk := mocks.NewManualClock(testStart)
	dlq := &mocks.MemoryDeadLetter{}
	publisher := &mocks.FlakyPublisher{FailFirst: 100, Err: domain.PermanentPublishError(errors.New("message too large"))}

	coord := NewOrderCoordinator(store, publisher, zap.NewNop(), WithClock(clk))
	rec := NewReconciler(store, publisher, dlq, nil, clk, ReconcilerConfig{}, zap.NewNop())

	order, err := coord.CreateOrder(ctx, testCustomer, 5)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	res := rec.ProcessBatch(ctx)
	assert.Equal(t, BatchResult{Fetched: 1, Parked: 1}, res)

	require.Equal(t, 1, dlq.Len())
	parked := dlq.Events[0]
	assert.Equal(t, order.ID.String(), parked.AggregateID)
	assert.True(t, parked.Parked)
	assert.Equal(t, 2, parked.Attempts)
	assert.Contains(t, parked.LastError, "message too large")

	stored, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPublishFailed, stored.Status)

	clk.Advance(time.Minute)
	assert.Equal(t, 0, rec.ProcessBatch(ctx).Fetched)
	assert.Equal(t, 2, publisher.Calls())
}

func TestReconciler_LongOutageIsRetriedUntilBrokerRecovers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOrderStoreMemory()
	bus := events.NewInMemoryEventBus(domain.OrderTopic)
	sub := bus.Subscribe(10)
	clk := mocks.NewManualClock(testStart)
	dlq := &mocks.MemoryDeadLetter{}
	// el broker cae durante más intentos que el umbral de alerta
	publisher := &mocks.FlakyPublisher{Next: bus, FailFirst: 10}

	coord := NewOrderCoordinator(store, publisher, zap.NewNop(), WithClock(clk))
	rec := NewReconciler(store, publisher, dlq, nil, clk, ReconcilerConfig{AlertAttempts: 3}, zap.NewNop())

	order, err := coord.CreateOrder(ctx, testCustomer, 5)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		clk.Advance(time.Minute)
		rec.ProcessBatch(ctx)
	}

	assert.Equal(t, 11, publisher.Calls())
	assert.Equal(t, 0, dlq.Len())

	stored, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPublished, stored.Status)

	got := drain(t, sub)
	require.Len(t, got, 1)
	assert.Equal(t, order.Snapshot(), got[0])
}

func TestReconciler_UndecodableSnapshotIsParked(t *testing.T) {
	ctx := context.Background()
	store := new(mocks.MockOrderStore)
	publisher := new(mocks.MockPublisher)
	dlq := &mocks.MemoryDeadLetter{}
	orderID := uuid.New()

	evt := domain.OutboxEvent{
		ID:          uuid.New(),
		AggregateID: orderID.String(),
		EventType:   domain.OrderCreated,
		Payload:     []byte(`{not json`),
	}
	store.On("FetchPendingOutbox", mock.Anything, mock.Anything, mock.Anything).Return([]domain.OutboxEvent{evt}, nil).Once()
	store.On("MarkPublishFailed", mock.Anything, orderID, mock.AnythingOfType("string"), true).Return(nil).Once()

	rec := NewReconciler(store, publisher, dlq, nil, mocks.NewManualClock(testStart), ReconcilerConfig{}, zap.NewNop())
	res := rec.ProcessBatch(ctx)

	assert.Equal(t, 1, res.Parked)
	assert.Equal(t, 1, dlq.Len())
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestReconciler_FetchErrorIsLoggedOnly(t *testing.T) {
	store := new(mocks.MockOrderStore)
	publisher := new(mocks.MockPublisher)

	store.On("FetchPendingOutbox", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, domain.StoreError(errors.New("db down"))).Once()

	rec := NewReconciler(store, publisher, nil, nil, nil, ReconcilerConfig{}, zap.NewNop())
	res := rec.ProcessBatch(context.Background())

	assert.Equal(t, BatchResult{}, res)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestReconciler_InvalidatesCachedOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOrderStoreMemory()
	cache := mocks.NewDummyCache()
	clk := mocks.NewManualClock(testStart)
	flaky := &mocks.FlakyPublisher{Next: &mocks.RecordingPublisher{}, FailFirst: 1}

	coord := NewOrderCoordinator(store, flaky, zap.NewNop(), WithClock(clk), WithCache(cache))
	rec := NewReconciler(store, flaky, nil, cache, clk, ReconcilerConfig{}, zap.NewNop())

	order, err := coord.CreateOrder(ctx, testCustomer, 7)
	require.NoError(t, err)
	key := domain.CacheKeyByID(order.ID)
	require.Eventually(t, func() bool { return cache.Has(key) }, time.Second, 5*time.Millisecond)

	clk.Advance(time.Minute)
	require.Equal(t, 1, rec.ProcessBatch(ctx).Published)

	assert.Eventually(t, func() bool { return !cache.Has(key) }, time.Second, 5*time.Millisecond)

	got, err := coord.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPublished, got.Status)
}

func TestReconciler_StartStopsOnCancel(t *testing.T) {
	swept := make(chan struct{}, 1)
	store := new(mocks.MockOrderStore)
	store.On("FetchPendingOutbox", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case swept <- struct{}{}:
			default:
			}
		}).
		Return([]domain.OutboxEvent{}, nil)

	rec := NewReconciler(store, new(mocks.MockPublisher), nil, nil, nil,
		ReconcilerConfig{Interval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Start(ctx)
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("reconciler never swept")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
