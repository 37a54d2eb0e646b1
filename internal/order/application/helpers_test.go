package application

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davicafu/orderflow/internal/order/domain"
)

const testCustomer = "093e12d3-2e9f-441e-9dbf-8c4f1b23b2a5"

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// drain lee sin bloquear todo lo entregado al suscriptor.
func drain(t *testing.T, ch <-chan interface{}) []domain.OrderCreatedEvent {
	t.Helper()
	var out []domain.OrderCreatedEvent
	for {
		select {
		case msg := <-ch:
			data, ok := msg.([]byte)
			require.True(t, ok, "unexpected message type %T", msg)
			var evt domain.OrderCreatedEvent
			require.NoError(t, json.Unmarshal(data, &evt))
			out = append(out, evt)
		default:
			return out
		}
	}
}
