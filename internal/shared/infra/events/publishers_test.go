package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/orderflow/internal/order/domain"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

type fakeStanConn struct {
	subject string
	data    []byte
	err     error
	delay   time.Duration
}

func (c *fakeStanConn) Publish(subject string, data []byte) error {
	time.Sleep(c.delay)
	c.subject = subject
	c.data = data
	return c.err
}

func sampleEvent() domain.OrderCreatedEvent {
	return domain.OrderCreatedEvent{
		OrderID:  "3f1d2a4e-8d8b-4b53-9b7a-9d5c7c2f0a11",
		Amount:   49.99,
		Customer: domain.Customer{ID: "customer-1"},
	}
}

func TestKafkaPublisher_WritesKeyHeaderAndContract(t *testing.T) {
	writer := &fakeWriter{}
	publisher := NewKafkaPublisher(writer, zap.NewNop())

	err := publisher.Publish(context.Background(), sampleEvent())
	require.NoError(t, err)
	require.Len(t, writer.msgs, 1)

	msg := writer.msgs[0]
	assert.Equal(t, "3f1d2a4e-8d8b-4b53-9b7a-9d5c7c2f0a11", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, domain.OrderCreated, string(msg.Headers[0].Value))
	assert.JSONEq(t,
		`{"orderId":"3f1d2a4e-8d8b-4b53-9b7a-9d5c7c2f0a11","amount":49.99,"customer":{"id":"customer-1"}}`,
		string(msg.Value))
}

func TestKafkaPublisher_BrokerFailureIsTransient(t *testing.T) {
	publisher := NewKafkaPublisher(&fakeWriter{err: errors.New("broker down")}, zap.NewNop())

	err := publisher.Publish(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, domain.ErrPublishFailed)
	assert.False(t, domain.IsPermanent(err))
}

func TestKafkaPublisher_OversizedMessageIsPermanent(t *testing.T) {
	publisher := NewKafkaPublisher(&fakeWriter{err: kafka.MessageSizeTooLarge}, zap.NewNop())

	err := publisher.Publish(context.Background(), sampleEvent())
	assert.True(t, domain.IsPermanent(err))
}

func TestKafkaPublisher_UnmarshalablePayloadIsPermanent(t *testing.T) {
	writer := &fakeWriter{}
	publisher := NewKafkaPublisher(writer, zap.NewNop())

	err := publisher.Publish(context.Background(), map[string]interface{}{"bad": make(chan int)})
	assert.True(t, domain.IsPermanent(err))
	assert.Empty(t, writer.msgs)
}

func TestStanPublisher_Publishes(t *testing.T) {
	conn := &fakeStanConn{}
	publisher := NewStanPublisher(conn, "orders", zap.NewNop())

	require.NoError(t, publisher.Publish(context.Background(), sampleEvent()))
	assert.Equal(t, "orders", conn.subject)

	var got domain.OrderCreatedEvent
	require.NoError(t, json.Unmarshal(conn.data, &got))
	assert.Equal(t, sampleEvent(), got)
}

func TestStanPublisher_TimeoutIsTransient(t *testing.T) {
	conn := &fakeStanConn{delay: 200 * time.Millisecond}
	publisher := NewStanPublisher(conn, "orders", zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := publisher.Publish(ctx, sampleEvent())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, domain.IsPermanent(err))
}

func TestInMemoryEventBus_DeliversToEverySubscriber(t *testing.T) {
	bus := NewInMemoryEventBus(domain.OrderTopic)
	first := bus.Subscribe(1)
	second := bus.Subscribe(1)

	require.NoError(t, bus.Publish(context.Background(), sampleEvent()))

	for _, ch := range []<-chan interface{}{first, second} {
		select {
		case msg := <-ch:
			var got domain.OrderCreatedEvent
			require.NoError(t, json.Unmarshal(msg.([]byte), &got))
			assert.Equal(t, sampleEvent(), got)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestInMemoryEventBus_CancelledContext(t *testing.T) {
	bus := NewInMemoryEventBus(domain.OrderTopic)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.Publish(ctx, sampleEvent())
	assert.ErrorIs(t, err, domain.ErrPublishFailed)
}

func TestInMemoryEventBus_FullBufferIsTransientFailure(t *testing.T) {
	bus := NewInMemoryEventBus(domain.OrderTopic)
	sub := bus.Subscribe(1)

	require.NoError(t, bus.Publish(context.Background(), sampleEvent()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, sampleEvent())
	assert.ErrorIs(t, err, domain.ErrPublishFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, domain.IsPermanent(err))
	assert.Len(t, sub, 1)
}

func TestInMemoryEventBus_WaitsForSlowSubscriber(t *testing.T) {
	bus := NewInMemoryEventBus(domain.OrderTopic)
	sub := bus.Subscribe(1)
	require.NoError(t, bus.Publish(context.Background(), sampleEvent()))

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-sub
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Publish(ctx, sampleEvent()))
	assert.Len(t, sub, 1)
}
