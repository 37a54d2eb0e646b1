package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/orderflow/internal/order/domain"
	"github.com/davicafu/orderflow/internal/shared/infra/clock"
	sharedBus "github.com/davicafu/orderflow/internal/shared/infra/platform/bus"
	sharedCache "github.com/davicafu/orderflow/internal/shared/infra/platform/cache"
	"github.com/davicafu/orderflow/internal/shared/infra/utils"
)

const (
	defaultStoreTimeout   = 2 * time.Second
	defaultPublishTimeout = 3 * time.Second
	orderCacheTTL         = 60
)

// OrderCoordinator ejecuta la creación de órdenes: primero el store, después la publicación.
type OrderCoordinator struct {
	store     domain.OrderStore
	publisher sharedBus.EventPublisher
	cache     sharedCache.Cache
	clock     clock.Clock
	newID     func() uuid.UUID

	storeTimeout   time.Duration
	publishTimeout time.Duration
	log            *zap.Logger
}

type CoordinatorOption func(*OrderCoordinator)

func WithCache(c sharedCache.Cache) CoordinatorOption {
	return func(oc *OrderCoordinator) { oc.cache = c }
}

func WithClock(c clock.Clock) CoordinatorOption {
	return func(oc *OrderCoordinator) { oc.clock = c }
}

// WithIDGenerator sustituye uuid.New (solo tests).
func WithIDGenerator(fn func() uuid.UUID) CoordinatorOption {
	return func(oc *OrderCoordinator) { oc.newID = fn }
}

func WithTimeouts(store, publish time.Duration) CoordinatorOption {
	return func(oc *OrderCoordinator) {
		if store > 0 {
			oc.storeTimeout = store
		}
		if publish > 0 {
			oc.publishTimeout = publish
		}
	}
}

func NewOrderCoordinator(store domain.OrderStore, publisher sharedBus.EventPublisher, log *zap.Logger, opts ...CoordinatorOption) *OrderCoordinator {
	c := &OrderCoordinator{
		store:          store,
		publisher:      publisher,
		clock:          clock.NewSystem(),
		newID:          uuid.New,
		storeTimeout:   defaultStoreTimeout,
		publishTimeout: defaultPublishTimeout,
		log:            log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateOrder registra la orden y después intenta notificarla.
// Solo los fallos del store llegan al llamante; los de publicación quedan para el reconciliador.
func (c *OrderCoordinator) CreateOrder(ctx context.Context, customerID string, amount float64) (*domain.Order, error) {
	order, err := domain.NewOrder(c.newID(), customerID, amount, c.clock.Now())
	if err != nil {
		return nil, err
	}

	evt, err := domain.NewOrderCreatedOutbox(c.newID(), order)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIngestionFailed, err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	err = c.store.Put(storeCtx, order, evt)
	cancel()
	if err != nil {
		c.log.Error("❌ No se pudo registrar la orden",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", domain.ErrIngestionFailed, err)
	}

	// La orden ya existe: la publicación sigue aunque el llamante cancele.
	c.publish(context.WithoutCancel(ctx), order)

	c.cacheOrder(order)

	return order, nil
}

// publish hace el primer intento y actualiza order.Status solo si el store lo confirma.
func (c *OrderCoordinator) publish(ctx context.Context, order *domain.Order) {
	pubCtx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	pubErr := c.publisher.Publish(pubCtx, order.Snapshot())
	cancel()

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	if pubErr == nil {
		if err := c.store.MarkPublished(storeCtx, order.ID); err != nil {
			// El reconciliador volverá a publicar: duplicado con los mismos valores.
			c.log.Warn("⚠️ Evento publicado pero no se pudo marcar la orden",
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
			return
		}
		order.Status = domain.StatusPublished
		c.log.Info("✅ Orden registrada y publicada", zap.String("order_id", order.ID.String()))
		return
	}

	c.log.Warn("⚠️ No se pudo publicar la orden, queda para reintento",
		zap.String("order_id", order.ID.String()),
		zap.Bool("permanent", domain.IsPermanent(pubErr)),
		zap.Error(pubErr))

	if err := c.store.MarkPublishFailed(storeCtx, order.ID, pubErr.Error(), false); err != nil {
		c.log.Warn("⚠️ No se pudo marcar la orden como PublishFailed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
		return
	}
	order.Status = domain.StatusPublishFailed
}

// GetOrder consulta primero la caché y después el store con reintentos.
func (c *OrderCoordinator) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	if c.cache != nil {
		var cached domain.Order
		if ok, _ := c.cache.Get(ctx, domain.CacheKeyByID(id), &cached); ok {
			return &cached, nil
		}
	}

	var order *domain.Order
	err := utils.Retry(ctx, 3, 100*time.Millisecond, func() error {
		storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
		defer cancel()

		var err error
		order, err = c.store.Get(storeCtx, id)
		if errors.Is(err, domain.ErrOrderNotFound) {
			return utils.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	c.cacheOrder(order)
	return order, nil
}

// cacheOrder solo guarda órdenes Published: es el único estado que ya no cambia,
// así una escritura asíncrona tardía no puede dejar un estado viejo en caché.
func (c *OrderCoordinator) cacheOrder(order *domain.Order) {
	if order.Status != domain.StatusPublished {
		return
	}
	sharedCache.AsyncCacheSet(c.cache, domain.CacheKeyByID(order.ID), order, orderCacheTTL, c.log)
}
