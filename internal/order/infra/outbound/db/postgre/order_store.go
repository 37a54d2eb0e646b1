package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/davicafu/orderflow/internal/order/domain"
)

type OrderStorePostgres struct {
	db *sql.DB
}

func NewOrderStorePostgres(db *sql.DB) *OrderStorePostgres {
	return &OrderStorePostgres{db: db}
}

// ------------------ Helpers ------------------

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func insertOutboxTx(ctx context.Context, tx *sql.Tx, evt domain.OutboxEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.ID, evt.AggregateType, evt.AggregateID, evt.EventType, string(evt.Payload), evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ------------------ Métodos ------------------

// Put inserta orden y outbox en transacción. Ante violación de clave primaria
// la transacción se aborta y se compara con la fila ya existente.
func (r *OrderStorePostgres) Put(ctx context.Context, o *domain.Order, evt domain.OutboxEvent) error {
	err := r.insert(ctx, o, evt)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return domain.StoreError(err)
	}

	existing, getErr := r.Get(ctx, o.ID)
	if getErr != nil {
		return getErr
	}
	if existing.SameContent(o) {
		return nil
	}
	return domain.ErrOrderConflict
}

func (r *OrderStorePostgres) insert(ctx context.Context, o *domain.Order, evt domain.OutboxEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, customer_id, amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		o.ID, o.CustomerID, o.Amount, string(o.Status), o.CreatedAt,
	); err != nil {
		return err
	}

	if err := insertOutboxTx(ctx, tx, evt); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *OrderStorePostgres) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var o domain.Order
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, customer_id, amount, status, created_at FROM orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.CustomerID, &o.Amount, &status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, domain.StoreError(err)
	}
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	return &o, nil
}

func (r *OrderStorePostgres) MarkPublished(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE id = $2`,
		string(domain.StatusPublished), id)
	if err != nil {
		return domain.StoreError(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return domain.ErrOrderNotFound
	}

	if _, err := tx.ExecContext(ctx, `UPDATE outbox SET processed = true WHERE aggregate_id = $1`, id.String()); err != nil {
		return domain.StoreError(err)
	}

	if err := tx.Commit(); err != nil {
		return domain.StoreError(err)
	}
	return nil
}

func (r *OrderStorePostgres) MarkPublishFailed(ctx context.Context, id uuid.UUID, reason string, park bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE id = $2 AND status <> $3`,
		string(domain.StatusPublishFailed), id, string(domain.StatusPublished))
	if err != nil {
		return domain.StoreError(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		var exists bool
		err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists)
		if err != nil {
			return domain.StoreError(err)
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = $1, parked = (parked OR $2)
		 WHERE aggregate_id = $3 AND processed = false`,
		reason, park, id.String(),
	); err != nil {
		return domain.StoreError(err)
	}

	if err := tx.Commit(); err != nil {
		return domain.StoreError(err)
	}
	return nil
}

func (r *OrderStorePostgres) FetchPendingOutbox(ctx context.Context, cutoff time.Time, limit int) ([]domain.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ob.id, ob.aggregate_type, ob.aggregate_id, ob.event_type, ob.payload, ob.created_at,
		        ob.attempts, ob.last_error
		 FROM outbox ob
		 JOIN orders o ON o.id::text = ob.aggregate_id
		 WHERE ob.processed = false AND ob.parked = false AND ob.created_at < $1
		   AND o.status IN ($2, $3)
		 ORDER BY ob.created_at
		 LIMIT $4`,
		cutoff, string(domain.StatusPendingPublish), string(domain.StatusPublishFailed), limit,
	)
	if err != nil {
		return nil, domain.StoreError(err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var evt domain.OutboxEvent
		var payload string
		if err := rows.Scan(&evt.ID, &evt.AggregateType, &evt.AggregateID, &evt.EventType, &payload, &evt.CreatedAt,
			&evt.Attempts, &evt.LastError); err != nil {
			return nil, domain.StoreError(err)
		}
		evt.Payload = []byte(payload)
		evt.CreatedAt = evt.CreatedAt.UTC()
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError(err)
	}
	return events, nil
}

// ------------------ Inicialización de DB ------------------

// InitPostgres crea el esquema. El payload es JSON (no JSONB) para conservar los bytes tal cual.
func InitPostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
            id UUID PRIMARY KEY,
            customer_id TEXT NOT NULL,
            amount DOUBLE PRECISION NOT NULL,
            status TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS outbox (
            id UUID PRIMARY KEY,
            aggregate_type TEXT NOT NULL,
            aggregate_id TEXT NOT NULL UNIQUE,
            event_type TEXT NOT NULL,
            payload JSON NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            processed BOOLEAN NOT NULL DEFAULT false,
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            parked BOOLEAN NOT NULL DEFAULT false
        )`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (created_at) WHERE processed = false AND parked = false`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init postgres schema: %w", err)
		}
	}
	return nil
}

// Open conecta vía pgx/stdlib y aplica el esquema.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := InitPostgres(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Verificación en tiempo de compilación.
var _ domain.OrderStore = (*OrderStorePostgres)(nil)
