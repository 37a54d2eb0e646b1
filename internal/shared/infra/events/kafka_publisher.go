package events

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/segmentio/kafka-go"

	"github.com/davicafu/orderflow/internal/order/domain"
	sharedBus "github.com/davicafu/orderflow/internal/shared/infra/platform/bus"
)

// MessageWriter es la parte de *kafka.Writer que usa el publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type KafkaPublisher struct {
	writer MessageWriter
	log    *zap.Logger
}

func NewKafkaPublisher(writer MessageWriter, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, log: log}
}

// NewKafkaWriter crea un writer que espera el ack de todas las réplicas:
// un nil de WriteMessages significa "aceptado por el broker".
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return domain.PermanentPublishError(err)
	}

	var key []byte
	if keyer, ok := event.(sharedBus.Keyer); ok {
		key = []byte(keyer.PartitionKey())
	}

	msg := kafka.Message{
		Key:   key,
		Value: data,
	}
	if typed, ok := event.(sharedBus.Typed); ok {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "event_type", Value: []byte(typed.EventType())})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("Error publishing to Kafka", zap.ByteString("key", key), zap.Error(err))
		if errors.Is(err, kafka.MessageSizeTooLarge) {
			return domain.PermanentPublishError(err)
		}
		return domain.TransientPublishError(err)
	}

	p.log.Debug("Event published successfully", zap.ByteString("key", key))
	return nil
}

// Verificación estática
var _ sharedBus.EventPublisher = (*KafkaPublisher)(nil)
