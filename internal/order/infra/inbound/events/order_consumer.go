package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/orderflow/internal/order/domain"
	sharedEvents "github.com/davicafu/orderflow/internal/shared/infra/events"
	sharedCache "github.com/davicafu/orderflow/internal/shared/infra/platform/cache"
	sharedUtils "github.com/davicafu/orderflow/internal/shared/infra/utils"
)

const (
	handleTimeout = 500 * time.Millisecond
	dedupTTLSecs  = 24 * 60 * 60

	chanRetryDelay = 200 * time.Millisecond
)

// OrderCreatedConsumer es un consumidor downstream que tolera entregas repetidas del mismo orderId.
type OrderCreatedConsumer struct {
	dedup     sharedCache.Cache
	analytics domain.AnalyticsRepository
	onEvent   func(ctx context.Context, evt domain.OrderCreatedEvent)
	log       *zap.Logger
}

// NewOrderCreatedConsumer acepta analytics y onEvent nil.
func NewOrderCreatedConsumer(
	dedup sharedCache.Cache,
	analytics domain.AnalyticsRepository,
	onEvent func(ctx context.Context, evt domain.OrderCreatedEvent),
	logger *zap.Logger,
) *OrderCreatedConsumer {
	return &OrderCreatedConsumer{
		dedup:     dedup,
		analytics: analytics,
		onEvent:   onEvent,
		log:       logger,
	}
}

// HandleMessage es el punto de entrada para un mensaje del topic de órdenes.
// Devuelve error solo cuando el mensaje debe volver a entregarse; los payloads inválidos se descartan.
func (c *OrderCreatedConsumer) HandleMessage(ctx context.Context, key string, payload []byte) error {
	var handleErr error
	sharedUtils.UnmarshalAndHandle[domain.OrderCreatedEvent](c.log, payload, func(evt domain.OrderCreatedEvent) {
		if evt.OrderID == "" {
			c.log.Warn("OrderCreatedMessage sin orderId descartado", zap.String("key", key))
			return
		}
		if key != "" && key != evt.OrderID {
			c.log.Warn("La key del mensaje no coincide con orderId",
				zap.String("key", key),
				zap.String("order_id", evt.OrderID))
		}

		ctxEvt, cancel := context.WithTimeout(ctx, handleTimeout)
		defer cancel()
		handleErr = c.handle(ctxEvt, evt)
	})
	return handleErr
}

func (c *OrderCreatedConsumer) handle(ctx context.Context, evt domain.OrderCreatedEvent) error {
	marker := domain.DeliveryKey(evt.OrderID)

	first, err := c.dedup.SetNX(ctx, marker, evt, dedupTTLSecs)
	if err != nil {
		// Sin marca se procesa igualmente: mejor un duplicado que perder la entrega.
		c.log.Warn("No se pudo comprobar duplicado", zap.String("order_id", evt.OrderID), zap.Error(err))
		first = true
	}

	if !first {
		var seen domain.OrderCreatedEvent
		if ok, _ := c.dedup.Get(ctx, marker, &seen); ok && seen != evt {
			c.log.Error("❌ Evento 'OrderCreated' duplicado con valores distintos",
				zap.String("order_id", evt.OrderID),
				zap.Any("first", seen),
				zap.Any("duplicate", evt))
			return nil
		}
		c.log.Info("Evento 'OrderCreated' duplicado ignorado", zap.String("order_id", evt.OrderID))
		return nil
	}

	if c.analytics != nil {
		if err := c.analytics.LogBatch(ctx, []domain.OrderCreatedEvent{evt}); err != nil {
			// Se libera la marca para que la reentrega no se tome por duplicado.
			_ = c.dedup.Delete(ctx, marker)
			c.log.Warn("Failed to log order event in analytics",
				zap.String("order_id", evt.OrderID),
				zap.Error(err))
			return fmt.Errorf("analytics order %s: %w", evt.OrderID, err)
		}
	}

	if c.onEvent != nil {
		c.onEvent(ctx, evt)
	}

	c.log.Info("📦 Orden recibida via evento",
		zap.String("order_id", evt.OrderID),
		zap.Float64("amount", evt.Amount),
		zap.String("customer_id", evt.Customer.ID))
	return nil
}

// BackgroundConsumerChan consume el bus en memoria en una goroutine.
// El bus no reentrega, así que un mensaje fallido se reintenta aquí hasta que se procese o ctx termine.
func BackgroundConsumerChan(ctx context.Context, ch <-chan interface{}, consumer *OrderCreatedConsumer) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				consumer.log.Info("OrderCreatedConsumer stopped")
				return
			case msg := <-ch:
				payload, ok := msg.([]byte)
				if !ok {
					continue
				}
				// el bus en memoria no tiene key
				for consumer.HandleMessage(ctx, "", payload) != nil {
					select {
					case <-ctx.Done():
						consumer.log.Info("OrderCreatedConsumer stopped")
						return
					case <-time.After(chanRetryDelay):
					}
				}
			}
		}
	}()
}

var _ sharedEvents.MessageHandler = (*OrderCreatedConsumer)(nil)
