package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	// _ "github.com/mattn/go-sqlite3" // better performance but requires gcc
	_ "modernc.org/sqlite"

	"github.com/davicafu/orderflow/internal/order/domain"
)

// OrderStoreSQLite guarda órdenes y outbox en la misma base SQLite.
// Los timestamps se guardan como nanosegundos unix para poder compararlos con el cutoff.
type OrderStoreSQLite struct {
	db *sql.DB
}

func NewOrderStoreSQLite(db *sql.DB) *OrderStoreSQLite {
	return &OrderStoreSQLite{db: db}
}

// ------------------ Helpers ------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var idStr, status string
	var createdAt int64
	if err := row.Scan(&idStr, &o.CustomerID, &o.Amount, &status, &createdAt); err != nil {
		return nil, err
	}

	parsedID, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID in DB: %w", err)
	}
	o.ID = parsedID
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	return &o, nil
}

func insertOutboxTx(ctx context.Context, tx *sql.Tx, evt domain.OutboxEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (id,aggregate_type,aggregate_id,event_type,payload,created_at,processed,attempts,last_error,parked)
		 VALUES (?,?,?,?,?,?,0,0,'',0)`,
		evt.ID.String(), evt.AggregateType, evt.AggregateID, evt.EventType, string(evt.Payload), evt.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ------------------ Métodos ------------------

// Put inserta orden e instantánea en la misma transacción.
// Si el id ya existe compara contenido en lugar de escribir.
func (r *OrderStoreSQLite) Put(ctx context.Context, o *domain.Order, evt domain.OutboxEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id,customer_id,amount,status,created_at) VALUES (?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		o.ID.String(), o.CustomerID, o.Amount, string(o.Status), o.CreatedAt.UnixNano(),
	)
	if err != nil {
		return domain.StoreError(err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return domain.StoreError(err)
	}
	if inserted == 0 {
		existing, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT id, customer_id, amount, status, created_at FROM orders WHERE id = ?`, o.ID.String()))
		if err != nil {
			return domain.StoreError(err)
		}
		if existing.SameContent(o) {
			return nil
		}
		return domain.ErrOrderConflict
	}

	if err := insertOutboxTx(ctx, tx, evt); err != nil {
		return domain.StoreError(err)
	}

	if err := tx.Commit(); err != nil {
		return domain.StoreError(err)
	}
	return nil
}

func (r *OrderStoreSQLite) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT id, customer_id, amount, status, created_at FROM orders WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, domain.StoreError(err)
	}
	return o, nil
}

// MarkPublished es idempotente: repetirlo sobre una orden publicada no falla.
func (r *OrderStoreSQLite) MarkPublished(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`,
		string(domain.StatusPublished), id.String())
	if err != nil {
		return domain.StoreError(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return domain.ErrOrderNotFound
	}

	if _, err := tx.ExecContext(ctx, `UPDATE outbox SET processed = 1 WHERE aggregate_id = ?`, id.String()); err != nil {
		return domain.StoreError(fmt.Errorf("failed to mark outbox for order %s as processed: %w", id, err))
	}

	if err := tx.Commit(); err != nil {
		return domain.StoreError(err)
	}
	return nil
}

// MarkPublishFailed usa un UPDATE condicional para no pisar un Published concurrente.
func (r *OrderStoreSQLite) MarkPublishFailed(ctx context.Context, id uuid.UUID, reason string, park bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ? AND status <> ?`,
		string(domain.StatusPublishFailed), id.String(), string(domain.StatusPublished))
	if err != nil {
		return domain.StoreError(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id = ?`, id.String()).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrOrderNotFound
		}
		if err != nil {
			return domain.StoreError(err)
		}
		// ya publicada
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ?, parked = (parked OR ?)
		 WHERE aggregate_id = ? AND processed = 0`,
		reason, park, id.String(),
	); err != nil {
		return domain.StoreError(err)
	}

	if err := tx.Commit(); err != nil {
		return domain.StoreError(err)
	}
	return nil
}

// FetchPendingOutbox devuelve las instantáneas pendientes más antiguas que cutoff.
func (r *OrderStoreSQLite) FetchPendingOutbox(ctx context.Context, cutoff time.Time, limit int) ([]domain.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ob.id, ob.aggregate_type, ob.aggregate_id, ob.event_type, ob.payload, ob.created_at,
		        ob.attempts, ob.last_error
		 FROM outbox ob
		 JOIN orders o ON o.id = ob.aggregate_id
		 WHERE ob.processed = 0 AND ob.parked = 0 AND ob.created_at < ?
		   AND o.status IN (?, ?)
		 ORDER BY ob.created_at
		 LIMIT ?`,
		cutoff.UnixNano(), string(domain.StatusPendingPublish), string(domain.StatusPublishFailed), limit,
	)
	if err != nil {
		return nil, domain.StoreError(err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var idStr, payloadStr string
		var createdAt int64
		var evt domain.OutboxEvent

		if err := rows.Scan(&idStr, &evt.AggregateType, &evt.AggregateID, &evt.EventType, &payloadStr, &createdAt,
			&evt.Attempts, &evt.LastError); err != nil {
			return nil, domain.StoreError(err)
		}

		parsedID, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID in outbox row: %w", err)
		}
		evt.ID = parsedID
		evt.Payload = []byte(payloadStr)
		evt.CreatedAt = time.Unix(0, createdAt).UTC()

		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError(err)
	}

	return events, nil
}

// ------------------ Inicialización de DB ------------------

// InitSQLite crea las tablas orders y outbox si no existen
func InitSQLite(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS orders (
            id TEXT PRIMARY KEY,
            customer_id TEXT NOT NULL,
            amount REAL NOT NULL,
            status TEXT NOT NULL,
            created_at INTEGER NOT NULL
        )
    `)
	if err != nil {
		return err
	}

	// Una instantánea por orden
	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS outbox (
            id TEXT PRIMARY KEY,
            aggregate_type TEXT NOT NULL,
            aggregate_id TEXT NOT NULL UNIQUE,
            event_type TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            processed BOOLEAN NOT NULL DEFAULT 0,
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            parked BOOLEAN NOT NULL DEFAULT 0
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (processed, parked, created_at)`)
	return err
}

// Open abre la base y aplica el esquema. ":memory:" queda limitada a una conexión
// porque cada conexión tendría su propia base.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := InitSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return db, nil
}

// Verificación en tiempo de compilación.
var _ domain.OrderStore = (*OrderStoreSQLite)(nil)
