package http

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/orderflow/internal/mocks"
	"github.com/davicafu/orderflow/internal/order/application"
	"github.com/davicafu/orderflow/internal/order/domain"
	orderEvents "github.com/davicafu/orderflow/internal/order/infra/inbound/events"
	"github.com/davicafu/orderflow/internal/order/infra/outbound/db/sqlite"
	sharedEvents "github.com/davicafu/orderflow/internal/shared/infra/events"
)

type flowEnv struct {
	router     *gin.Engine
	reconciler *application.Reconciler
	clock      *mocks.ManualClock
	analytics  *mocks.MemoryAnalytics
	store      *mocks.FlakyStore
	tap        <-chan interface{}
	closeDB    func() error
}

func setupFlow(t *testing.T, failFirst int) *flowEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := mocks.NewFlakyStore(sqlite.NewOrderStoreSQLite(db))

	bus := sharedEvents.NewInMemoryEventBus(domain.OrderTopic)
	tap := bus.Subscribe(10)
	publisher := &mocks.FlakyPublisher{Next: bus, FailFirst: failFirst}
	clk := mocks.NewManualClock(time.Now())
	analytics := &mocks.MemoryAnalytics{}

	consumer := orderEvents.NewOrderCreatedConsumer(mocks.NewDummyCache(), analytics, nil, zap.NewNop())
	orderEvents.BackgroundConsumerChan(ctx, bus.Subscribe(10), consumer)

	coordinator := application.NewOrderCoordinator(store, publisher, zap.NewNop(), application.WithClock(clk))
	reconciler := application.NewReconciler(store, publisher, &mocks.MemoryDeadLetter{}, nil, clk,
		application.ReconcilerConfig{Grace: 10 * time.Second}, zap.NewNop())

	gin.SetMode(gin.TestMode)
	return &flowEnv{
		router:     NewRouter(NewOrderHandler(coordinator, defaultCustomer, zap.NewNop()), zap.NewNop()),
		reconciler: reconciler,
		clock:      clk,
		analytics:  analytics,
		store:      store,
		tap:        tap,
		closeDB:    db.Close,
	}
}

func decodeOrder(t *testing.T, body []byte) domain.Order {
	t.Helper()
	var resp struct {
		Data domain.Order `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Data
}

func TestFlow_PublishRecoveredByReconciler(t *testing.T) {
	env := setupFlow(t, 1)

	w := doRequest(env.router, http.MethodPost, "/orders", `{"amount": 49.99}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeOrder(t, w.Body.Bytes())
	assert.Equal(t, domain.StatusPublishFailed, created.Status)
	assert.Equal(t, 49.99, created.Amount)

	env.clock.Advance(11 * time.Second)
	res := env.reconciler.ProcessBatch(context.Background())
	assert.Equal(t, 1, res.Published)

	require.Eventually(t, func() bool { return env.analytics.Len() == 1 }, time.Second, 5*time.Millisecond)
	got := env.analytics.All()[0]
	assert.Equal(t, created.ID.String(), got.OrderID)
	assert.Equal(t, 49.99, got.Amount)
	assert.Equal(t, defaultCustomer, got.Customer.ID)

	w = doRequest(env.router, http.MethodGet, "/orders/"+created.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stored := decodeOrder(t, w.Body.Bytes())
	assert.Equal(t, domain.StatusPublished, stored.Status)
	assert.Equal(t, 49.99, stored.Amount)

	env.clock.Advance(time.Minute)
	assert.Equal(t, 0, env.reconciler.ProcessBatch(context.Background()).Fetched)
}

func TestFlow_StoreFailureReturns500AndNothingIsPublished(t *testing.T) {
	env := setupFlow(t, 0)
	require.NoError(t, env.closeDB())

	w := doRequest(env.router, http.MethodPost, "/orders", `{"amount": 100}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	env.clock.Advance(time.Hour)
	env.reconciler.ProcessBatch(context.Background())

	assert.Never(t, func() bool { return env.analytics.Len() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestFlow_DuplicateAfterLostMarkIsAbsorbedDownstream(t *testing.T) {
	env := setupFlow(t, 0)
	env.store.FailMarkPublished.Store(1)

	w := doRequest(env.router, http.MethodPost, "/orders", `{"amount": 49.99}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeOrder(t, w.Body.Bytes())
	assert.Equal(t, domain.StatusPendingPublish, created.Status)

	require.Eventually(t, func() bool { return env.analytics.Len() == 1 }, time.Second, 5*time.Millisecond)

	env.clock.Advance(11 * time.Second)
	assert.Equal(t, 1, env.reconciler.ProcessBatch(context.Background()).Published)

	// el broker vio dos entregas idénticas
	var delivered []domain.OrderCreatedEvent
	for len(delivered) < 2 {
		select {
		case msg := <-env.tap:
			var evt domain.OrderCreatedEvent
			require.NoError(t, json.Unmarshal(msg.([]byte), &evt))
			delivered = append(delivered, evt)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 deliveries, got %d", len(delivered))
		}
	}
	assert.Equal(t, delivered[0], delivered[1])
	assert.Equal(t, created.ID.String(), delivered[0].OrderID)

	// el consumidor descarta el duplicado
	assert.Never(t, func() bool { return env.analytics.Len() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, delivered[0], env.analytics.All()[0])

	w = doRequest(env.router, http.MethodGet, "/orders/"+created.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusPublished, decodeOrder(t, w.Body.Bytes()).Status)
}
