package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	minRetryDelay = 100 * time.Millisecond
	maxRetryDelay = 5 * time.Second
)

// MessageHandler define la interfaz que debe cumplir cualquier consumidor de eventos (como OrderCreatedConsumer).
// Un error indica que el mensaje debe volver a entregarse; un payload inválido no es un error.
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, payload []byte) error
}

// MessageReader es la parte de *kafka.Reader que usa el adaptador.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Config() kafka.ReaderConfig
}

// ConsumerAdapter es el "oído" que escucha en Kafka.
type ConsumerAdapter struct {
	reader  MessageReader
	handler MessageHandler
	log     *zap.Logger

	minDelay time.Duration
	maxDelay time.Duration
}

func NewConsumerAdapter(reader MessageReader, handler MessageHandler, log *zap.Logger) *ConsumerAdapter {
	return &ConsumerAdapter{
		reader:   reader,
		handler:  handler,
		log:      log,
		minDelay: minRetryDelay,
		maxDelay: maxRetryDelay,
	}
}

// NewOrderReader crea un reader con grupo de consumo para el topic de órdenes.
func NewOrderReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
}

// Start inicia el bucle de consumo de mensajes en una goroutine.
func (c *ConsumerAdapter) Start(ctx context.Context) {
	c.log.Info("🎧 Iniciando consumidor de Kafka...",
		zap.String("topic", c.reader.Config().Topic),
		zap.Strings("brokers", c.reader.Config().Brokers),
	)
	go c.run(ctx)
}

// run confirma el offset solo cuando el handler tuvo éxito. Un fallo se reintenta en el sitio:
// confirmar un offset posterior daría por consumido también el mensaje fallido.
func (c *ConsumerAdapter) run(ctx context.Context) {
	topic := c.reader.Config().Topic
	fetchDelay := c.minDelay
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Consumidor de Kafka detenido.", zap.String("topic", topic))
				return
			}
			c.log.Error("Error al leer mensaje de Kafka", zap.Error(err), zap.Duration("retry_in", fetchDelay))
			if !sleepCtx(ctx, fetchDelay) {
				return
			}
			fetchDelay = nextDelay(fetchDelay, c.maxDelay)
			continue
		}
		fetchDelay = c.minDelay

		if !c.handleWithRetry(ctx, msg) {
			c.log.Info("Consumidor de Kafka detenido sin confirmar", zap.Int64("offset", msg.Offset))
			return
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Warn("Error al confirmar offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *ConsumerAdapter) handleWithRetry(ctx context.Context, msg kafka.Message) bool {
	delay := c.minDelay
	for attempt := 1; ; attempt++ {
		err := c.handler.HandleMessage(ctx, string(msg.Key), msg.Value)
		if err == nil {
			return true
		}
		c.log.Warn("⚠️ Fallo al procesar mensaje, se reintenta",
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = nextDelay(delay, c.maxDelay)
	}
}

func nextDelay(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}

// sleepCtx devuelve false si ctx se cancela antes de que pase d.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
