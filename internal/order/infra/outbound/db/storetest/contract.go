// Package storetest contiene la batería de contrato que todo domain.OrderStore debe pasar.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davicafu/orderflow/internal/order/domain"
)

// Factory devuelve un store vacío para cada subtest.
type Factory func(t *testing.T) domain.OrderStore

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newOrder(t *testing.T, amount float64, createdAt time.Time) (*domain.Order, domain.OutboxEvent) {
	t.Helper()
	o, err := domain.NewOrder(uuid.New(), "093e12d3-2e9f-441e-9dbf-8c4f1b23b2a5", amount, createdAt)
	require.NoError(t, err)
	evt, err := domain.NewOrderCreatedOutbox(uuid.New(), o)
	require.NoError(t, err)
	return o, evt
}

// Run ejecuta el contrato completo.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("put then get returns the persisted order", func(t *testing.T) {
		store := factory(t)
		o, evt := newOrder(t, 49.99, base)

		require.NoError(t, store.Put(ctx, o, evt))

		got, err := store.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.ID, got.ID)
		assert.Equal(t, o.CustomerID, got.CustomerID)
		assert.Equal(t, 49.99, got.Amount)
		assert.Equal(t, domain.StatusPendingPublish, got.Status)
		assert.True(t, o.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("repeated put with identical fields is a no-op", func(t *testing.T) {
		store := factory(t)
		o, evt := newOrder(t, 10, base)
		require.NoError(t, store.Put(ctx, o, evt))

		retry, err := domain.NewOrderCreatedOutbox(uuid.New(), o)
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, o, retry))

		pending, err := store.FetchPendingOutbox(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, evt.ID, pending[0].ID)
	})

	t.Run("repeated put with different amount conflicts", func(t *testing.T) {
		store := factory(t)
		o, evt := newOrder(t, 10, base)
		require.NoError(t, store.Put(ctx, o, evt))

		changed := *o
		changed.Amount = 11
		changedEvt, err := domain.NewOrderCreatedOutbox(uuid.New(), &changed)
		require.NoError(t, err)

		err = store.Put(ctx, &changed, changedEvt)
		assert.ErrorIs(t, err, domain.ErrOrderConflict)

		got, err := store.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, float64(10), got.Amount)
	})

	t.Run("get unknown id is not found", func(t *testing.T) {
		store := factory(t)
		_, err := store.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})

	t.Run("mark published closes the outbox row", func(t *testing.T) {
		store := factory(t)
		o, evt := newOrder(t, 1, base)
		require.NoError(t, store.Put(ctx, o, evt))

		require.NoError(t, store.MarkPublished(ctx, o.ID))
		require.NoError(t, store.MarkPublished(ctx, o.ID))

		got, err := store.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPublished, got.Status)

		pending, err := store.FetchPendingOutbox(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("mark publish failed keeps the snapshot pending and counts attempts", func(t *testing.T) {
		store := factory(t)
		o, evt := newOrder(t, 2, base)
		require.NoError(t, store.Put(ctx, o, evt))

		require.NoError(t, store.MarkPublishFailed(ctx, o.ID, "broker down", false))
		require.NoError(t, store.MarkPublishFailed(ctx, o.ID, "still down", false))

		got, err := store.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPublishFailed, got.Status)

		pending, err := store.FetchPendingOutbox(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 2, pending[0].Attempts)
		assert.Equal(t, "still down", pending[0].LastError)
		assert.Equal(t, evt.Payload, pending[0].Payload)
	})

	t.Run("parked snapshots are not offered again", func(t *testing.T) {
		store := factory(t)
		o, evt := newOrder(t, 3, base)
		require.NoError(t, store.Put(ctx, o, evt))

		require.NoError(t, store.MarkPublishFailed(ctx, o.ID, "malformed", true))

		pending, err := store.FetchPendingOutbox(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		got, err := store.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPublishFailed, got.Status)
	})

	t.Run("publish failed never downgrades a published order", func(t *testing.T) {
		store := factory(t)
		o, evt := newOrder(t, 4, base)
		require.NoError(t, store.Put(ctx, o, evt))
		require.NoError(t, store.MarkPublished(ctx, o.ID))

		require.NoError(t, store.MarkPublishFailed(ctx, o.ID, "late failure", false))

		got, err := store.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPublished, got.Status)
	})

	t.Run("transitions on unknown id are not found", func(t *testing.T) {
		store := factory(t)
		assert.ErrorIs(t, store.MarkPublished(ctx, uuid.New()), domain.ErrOrderNotFound)
		assert.ErrorIs(t, store.MarkPublishFailed(ctx, uuid.New(), "x", false), domain.ErrOrderNotFound)
	})

	t.Run("fetch honours cutoff, order and limit", func(t *testing.T) {
		store := factory(t)
		older, olderEvt := newOrder(t, 5, base)
		newer, newerEvt := newOrder(t, 6, base.Add(time.Minute))
		recent, recentEvt := newOrder(t, 7, base.Add(10*time.Minute))
		require.NoError(t, store.Put(ctx, newer, newerEvt))
		require.NoError(t, store.Put(ctx, older, olderEvt))
		require.NoError(t, store.Put(ctx, recent, recentEvt))

		cutoff := base.Add(5 * time.Minute)
		pending, err := store.FetchPendingOutbox(ctx, cutoff, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, older.ID.String(), pending[0].AggregateID)
		assert.Equal(t, newer.ID.String(), pending[1].AggregateID)

		limited, err := store.FetchPendingOutbox(ctx, cutoff, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, older.ID.String(), limited[0].AggregateID)
	})
}
