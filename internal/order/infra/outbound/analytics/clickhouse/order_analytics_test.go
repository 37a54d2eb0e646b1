package clickhouse

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davicafu/orderflow/internal/order/domain"
)

func TestOrderAnalyticsRepo_LogBatch(t *testing.T) {
	addr := os.Getenv("CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("CLICKHOUSE_ADDR not set")
	}

	ctx := context.Background()
	repo, err := NewOrderAnalyticsRepo(addr, "default")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, repo.InitSchema(ctx))

	customer := "analytics-" + uuid.NewString()
	events := []domain.OrderCreatedEvent{
		{OrderID: uuid.NewString(), Amount: 10, Customer: domain.Customer{ID: customer}},
		{OrderID: uuid.NewString(), Amount: 2.5, Customer: domain.Customer{ID: customer}},
	}
	require.NoError(t, repo.LogBatch(ctx, events))
	// reentrega del primer evento
	require.NoError(t, repo.LogBatch(ctx, events[:1]))

	var rows uint64
	var total float64
	err = repo.db.QueryRowContext(ctx, `
		SELECT count(), sum(amount)
		FROM orders_created_log FINAL
		WHERE customer_id = ?
	`, customer).Scan(&rows, &total)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rows)
	assert.InDelta(t, 12.5, total, 0.0001)
}

func TestOrderAnalyticsRepo_EmptyBatchIsNoop(t *testing.T) {
	repo := &OrderAnalyticsRepo{}
	assert.NoError(t, repo.LogBatch(context.Background(), nil))
}
