package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	stan "github.com/nats-io/stan.go"
	"github.com/nats-io/stan.go/pb"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeReader entrega los mensajes en orden y luego devuelve fetchErr o bloquea hasta ctx.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	fetchErr  error
	fetches   int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	r.fetches++
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	err := r.fetchErr
	r.mu.Unlock()
	if err != nil {
		return kafka.Message{}, err
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Config() kafka.ReaderConfig {
	return kafka.ReaderConfig{Topic: "orders.created", Brokers: []string{"fake:9092"}}
}

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func (r *fakeReader) Fetches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

// failingHandler falla las primeras failFirst llamadas.
type failingHandler struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	keys      []string
}

func (h *failingHandler) HandleMessage(ctx context.Context, key string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.keys = append(h.keys, key)
	if h.calls <= h.failFirst {
		return errors.New("analytics down")
	}
	return nil
}

func (h *failingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func newTestAdapter(reader MessageReader, handler MessageHandler) *ConsumerAdapter {
	c := NewConsumerAdapter(reader, handler, zap.NewNop())
	c.minDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

func runAdapter(t *testing.T, c *ConsumerAdapter) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.run(ctx)
	}()
	return cancel, done
}

func TestConsumerAdapter_RetriesFailedMessageBeforeCommitting(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Key: []byte("a"), Value: []byte(`{}`), Offset: 1},
		{Key: []byte("b"), Value: []byte(`{}`), Offset: 2},
	}}
	handler := &failingHandler{failFirst: 2}

	cancel, done := runAdapter(t, newTestAdapter(reader, handler))
	defer func() { cancel(); <-done }()

	require.Eventually(t, func() bool { return len(reader.Committed()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{1, 2}, reader.Committed())
	assert.Equal(t, 4, handler.Calls())

	handler.mu.Lock()
	assert.Equal(t, []string{"a", "a", "a", "b"}, handler.keys)
	handler.mu.Unlock()
}

func TestConsumerAdapter_StopsWithoutCommittingOnCancel(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{{Key: []byte("a"), Offset: 7}}}
	handler := &failingHandler{failFirst: 1 << 30}

	cancel, done := runAdapter(t, newTestAdapter(reader, handler))
	require.Eventually(t, func() bool { return handler.Calls() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Empty(t, reader.Committed())
}

func TestConsumerAdapter_BacksOffOnFetchErrors(t *testing.T) {
	reader := &fakeReader{fetchErr: errors.New("coordinator not available")}
	c := NewConsumerAdapter(reader, &failingHandler{}, zap.NewNop())
	c.minDelay = 20 * time.Millisecond
	c.maxDelay = 20 * time.Millisecond

	cancel, done := runAdapter(t, c)
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	assert.LessOrEqual(t, reader.Fetches(), 10)
}

func TestNextDelay_IsCapped(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, nextDelay(100*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, nextDelay(800*time.Millisecond, time.Second))
}

func TestStanMsgHandler_AcksOnlyHandledMessages(t *testing.T) {
	handler := &failingHandler{failFirst: 1}
	var acked []uint64
	ack := func(m *stan.Msg) error {
		acked = append(acked, m.Sequence)
		return nil
	}
	cb := stanMsgHandler(context.Background(), handler, ack, zap.NewNop())

	msg := &stan.Msg{MsgProto: pb.MsgProto{Sequence: 3, Data: []byte(`{}`)}}
	cb(msg)
	assert.Empty(t, acked)

	// reentrega tras AckWait
	msg.Redelivered = true
	msg.RedeliveryCount = 1
	cb(msg)
	assert.Equal(t, []uint64{3}, acked)
	assert.Equal(t, 2, handler.Calls())
}
