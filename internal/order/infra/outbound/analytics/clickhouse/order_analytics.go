package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/davicafu/orderflow/internal/order/domain"
	"github.com/davicafu/orderflow/internal/shared/infra/clock"
)

// OrderAnalyticsRepo registra en ClickHouse cada OrderCreatedEvent entregado.
type OrderAnalyticsRepo struct {
	db    *sql.DB
	clock clock.Clock
}

func NewOrderAnalyticsRepo(addr string, dbName string) (*OrderAnalyticsRepo, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: dbName,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	})

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("could not ping clickhouse: %w", err)
	}

	return &OrderAnalyticsRepo{db: conn, clock: clock.NewSystem()}, nil
}

// LogBatch inserta el lote en una sola transacción; si una fila falla se descarta todo.
func (r *OrderAnalyticsRepo) LogBatch(ctx context.Context, events []domain.OrderCreatedEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO orders_created_log (order_id, customer_id, amount, event_time)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	eventTime := r.clock.Now()
	for _, evt := range events {
		if _, err := stmt.ExecContext(ctx, evt.OrderID, evt.Customer.ID, evt.Amount, eventTime); err != nil {
			return fmt.Errorf("failed to exec statement for order %s: %w", evt.OrderID, err)
		}
	}

	return tx.Commit()
}

// InitSchema crea la tabla si no existe. ReplacingMergeTree absorbe los duplicados
// de la entrega at-least-once al fusionar partes.
func (r *OrderAnalyticsRepo) InitSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders_created_log (
			order_id    String,
			customer_id String,
			amount      Float64,
			event_time  DateTime64(3)
		) ENGINE = ReplacingMergeTree()
		PARTITION BY toYYYYMM(event_time)
		ORDER BY (customer_id, order_id)
	`)
	return err
}

func (r *OrderAnalyticsRepo) Close() error {
	return r.db.Close()
}

// Verificación estática de la interfaz.
var _ domain.AnalyticsRepository = (*OrderAnalyticsRepo)(nil)
