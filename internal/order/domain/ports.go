package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------- Interfaces (Ports) ----------

// OrderStore es la fuente de verdad de "esta orden está registrada".
// Todas las implementaciones deben ser seguras para uso concurrente.
type OrderStore interface {
	// Put guarda la orden y su instantánea de outbox de forma atómica.
	// Idempotente por ID: mismo contenido -> nil sin duplicar; contenido distinto -> ErrOrderConflict.
	Put(ctx context.Context, o *Order, evt OutboxEvent) error

	// Debe devolver ErrOrderNotFound si no existe.
	Get(ctx context.Context, id uuid.UUID) (*Order, error)

	// MarkPublished pasa la orden a Published y cierra su outbox. No-op si ya estaba publicada.
	MarkPublished(ctx context.Context, id uuid.UUID) error

	// MarkPublishFailed pasa la orden a PublishFailed salvo que ya esté publicada,
	// incrementa los intentos y, con park, deja de ofrecerla para reintento.
	MarkPublishFailed(ctx context.Context, id uuid.UUID, reason string, park bool) error

	// FetchPendingOutbox devuelve instantáneas no publicadas ni aparcadas, creadas antes de cutoff,
	// de la más antigua a la más reciente.
	FetchPendingOutbox(ctx context.Context, cutoff time.Time, limit int) ([]OutboxEvent, error)
}

// AnalyticsRepository registra los eventos entregados para análisis.
type AnalyticsRepository interface {
	LogBatch(ctx context.Context, events []OrderCreatedEvent) error
}

// DeadLetterSink recibe las instantáneas que ya no se reintentan.
type DeadLetterSink interface {
	Save(ctx context.Context, evt OutboxEvent) error
}

// ---------- Helpers comunes (cache keys, etc.) ----------

func CacheKeyByID(id uuid.UUID) string {
	return fmt.Sprintf("order:id:%s", id.String())
}

// DeliveryKey es la marca de deduplicación de un OrderCreatedEvent en el consumidor.
func DeliveryKey(orderID string) string {
	return fmt.Sprintf("order:delivered:%s", orderID)
}
