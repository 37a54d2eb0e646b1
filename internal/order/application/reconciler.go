package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/orderflow/internal/order/domain"
	"github.com/davicafu/orderflow/internal/shared/infra/clock"
	sharedBus "github.com/davicafu/orderflow/internal/shared/infra/platform/bus"
	sharedCache "github.com/davicafu/orderflow/internal/shared/infra/platform/cache"
)

// ReconcilerConfig controla el barrido periódico.
type ReconcilerConfig struct {
	Interval       time.Duration
	Grace          time.Duration // antigüedad mínima antes de reintentar
	BatchSize      int
	AlertAttempts  int // a partir de aquí los fallos transitorios se registran como Error; se sigue reintentando
	StoreTimeout   time.Duration
	PublishTimeout time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.AlertAttempts <= 0 {
		c.AlertAttempts = 10
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	return c
}

// BatchResult resume una pasada del reconciliador.
type BatchResult struct {
	Fetched   int
	Published int
	Failed    int
	Parked    int
}

// Reconciler vuelve a publicar las instantáneas de outbox que no llegaron al broker.
type Reconciler struct {
	store      domain.OrderStore
	publisher  sharedBus.EventPublisher
	deadLetter domain.DeadLetterSink
	cache      sharedCache.Cache
	clock      clock.Clock
	cfg        ReconcilerConfig
	log        *zap.Logger
}

// NewReconciler acepta deadLetter y cache nil.
func NewReconciler(
	store domain.OrderStore,
	publisher sharedBus.EventPublisher,
	deadLetter domain.DeadLetterSink,
	cache sharedCache.Cache,
	clk clock.Clock,
	cfg ReconcilerConfig,
	log *zap.Logger,
) *Reconciler {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Reconciler{
		store:      store,
		publisher:  publisher,
		deadLetter: deadLetter,
		cache:      cache,
		clock:      clk,
		cfg:        cfg.withDefaults(),
		log:        log,
	}
}

// Start bloquea hasta que ctx se cancela.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Info("🚀 Reconciliador de outbox iniciado",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("grace", r.cfg.Grace))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("🛑 Reconciliador de outbox detenido.")
			return
		case <-ticker.C:
			r.ProcessBatch(ctx)
		}
	}
}

func (r *Reconciler) ProcessBatch(ctx context.Context) BatchResult {
	var res BatchResult

	cutoff := r.clock.Now().Add(-r.cfg.Grace)
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	events, err := r.store.FetchPendingOutbox(fetchCtx, cutoff, r.cfg.BatchSize)
	cancel()
	if err != nil {
		r.log.Warn("⚠️ Error al obtener eventos pendientes", zap.Error(err))
		return res
	}

	res.Fetched = len(events)
	if res.Fetched == 0 {
		r.log.Debug("🔄 Sin eventos pendientes")
		return res
	}
	r.log.Info("📬 Eventos pendientes encontrados", zap.Int("count", res.Fetched))

	for _, evt := range events {
		if ctx.Err() != nil {
			break
		}
		r.republish(ctx, evt, &res)
	}

	r.log.Info("🔁 Pasada de reconciliación terminada",
		zap.Int("published", res.Published),
		zap.Int("failed", res.Failed),
		zap.Int("parked", res.Parked))
	return res
}

func (r *Reconciler) republish(ctx context.Context, evt domain.OutboxEvent, res *BatchResult) {
	orderID, err := evt.OrderID()
	if err != nil {
		r.log.Error("❌ Fila de outbox sin id de orden válido", zap.String("event_id", evt.ID.String()), zap.Error(err))
		res.Failed++
		return
	}

	snapshot, err := evt.DecodeOrderCreated()
	if err != nil {
		r.park(ctx, orderID, evt, domain.PermanentPublishError(err), res)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	pubErr := r.publisher.Publish(pubCtx, snapshot)
	cancel()

	if pubErr == nil {
		storeCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
		defer cancel()
		if err := r.store.MarkPublished(storeCtx, orderID); err != nil {
			r.log.Warn("⚠️ Evento republicado pero no se pudo marcar la orden",
				zap.String("order_id", orderID.String()),
				zap.Error(err))
		} else {
			r.log.Info("✅ Evento republicado y marcado", zap.String("order_id", orderID.String()))
		}
		sharedCache.AsyncCacheDelete(r.cache, domain.CacheKeyByID(orderID), r.log)
		res.Published++
		return
	}

	// Solo los errores permanentes se aparcan: un fallo transitorio se reintenta hasta que el broker vuelva.
	if domain.IsPermanent(pubErr) {
		r.park(ctx, orderID, evt, pubErr, res)
		return
	}

	attempt := evt.Attempts + 1
	if attempt >= r.cfg.AlertAttempts {
		r.log.Error("🚨 Evento sin publicar tras varios intentos, se sigue reintentando",
			zap.String("order_id", orderID.String()),
			zap.Int("attempt", attempt),
			zap.Error(pubErr))
	} else {
		r.log.Warn("⚠️ No se pudo republicar evento",
			zap.String("order_id", orderID.String()),
			zap.Int("attempt", attempt),
			zap.Error(pubErr))
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	if err := r.store.MarkPublishFailed(storeCtx, orderID, pubErr.Error(), false); err != nil {
		r.log.Warn("⚠️ No se pudo registrar el intento fallido", zap.String("order_id", orderID.String()), zap.Error(err))
	}
	sharedCache.AsyncCacheDelete(r.cache, domain.CacheKeyByID(orderID), r.log)
	res.Failed++
}

// park deja de reintentar la instantánea y la manda al dead letter.
func (r *Reconciler) park(ctx context.Context, orderID uuid.UUID, evt domain.OutboxEvent, cause error, res *BatchResult) {
	r.log.Error("🅿️ Evento aparcado, no se reintentará",
		zap.String("order_id", orderID.String()),
		zap.Int("attempts", evt.Attempts+1),
		zap.Error(cause))

	storeCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	if err := r.store.MarkPublishFailed(storeCtx, orderID, cause.Error(), true); err != nil {
		// Sin marca la fila se volverá a ofrecer en la siguiente pasada.
		r.log.Warn("⚠️ No se pudo aparcar la orden", zap.String("order_id", orderID.String()), zap.Error(err))
		res.Failed++
		return
	}
	sharedCache.AsyncCacheDelete(r.cache, domain.CacheKeyByID(orderID), r.log)
	res.Parked++

	if r.deadLetter == nil {
		return
	}
	evt.Attempts++
	evt.LastError = cause.Error()
	evt.Parked = true
	if err := r.deadLetter.Save(storeCtx, evt); err != nil {
		r.log.Warn("⚠️ No se pudo escribir en dead letter", zap.String("order_id", orderID.String()), zap.Error(err))
	}
}
