package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	stan "github.com/nats-io/stan.go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/davicafu/orderflow/internal/config"
	orderApp "github.com/davicafu/orderflow/internal/order/application"
	"github.com/davicafu/orderflow/internal/order/domain"
	orderEvents "github.com/davicafu/orderflow/internal/order/infra/inbound/events"
	orderHttp "github.com/davicafu/orderflow/internal/order/infra/inbound/http"
	"github.com/davicafu/orderflow/internal/order/infra/outbound/analytics/clickhouse"
	orderCache "github.com/davicafu/orderflow/internal/order/infra/outbound/cache"
	"github.com/davicafu/orderflow/internal/order/infra/outbound/db/memory"
	"github.com/davicafu/orderflow/internal/order/infra/outbound/db/mongodb"
	postgres "github.com/davicafu/orderflow/internal/order/infra/outbound/db/postgre"
	"github.com/davicafu/orderflow/internal/order/infra/outbound/db/sqlite"
	"github.com/davicafu/orderflow/internal/order/infra/outbound/filesystem"
	"github.com/davicafu/orderflow/internal/shared/infra/clock"
	infraEvents "github.com/davicafu/orderflow/internal/shared/infra/events"
	sharedBus "github.com/davicafu/orderflow/internal/shared/infra/platform/bus"
	sharedCache "github.com/davicafu/orderflow/internal/shared/infra/platform/cache"
	"github.com/davicafu/orderflow/pkg/logger"
	"github.com/davicafu/orderflow/pkg/shutdown"
)

// ---------------- Main ----------------
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orderflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.LogLevel); err != nil {
		return err
	}
	log := logger.Logger()
	defer log.Sync()

	ctx, stop := shutdown.WithSignals(context.Background())
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	// ---------------- Store ----------------
	store, closer, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	// ---------------- Cache ----------------
	cacheInstance := openCache(ctx, cfg, log)
	if c, ok := cacheInstance.(io.Closer); ok {
		closers = append(closers, c)
	}

	// ---------------- Events ---------------
	publisher, stanConn, err := openPublisher(cfg, log)
	if err != nil {
		return err
	}
	if c, ok := publisher.(io.Closer); ok {
		closers = append(closers, c)
	}

	// ------------- Coordinador -------------
	coordinator := orderApp.NewOrderCoordinator(store, publisher, log,
		orderApp.WithCache(cacheInstance),
		orderApp.WithTimeouts(cfg.StoreTimeout, cfg.PublishTimeout),
	)

	deadLetter := filesystem.NewJSONDeadLetter(cfg.DeadLetterPath)
	if parked, err := deadLetter.List(ctx); err != nil {
		log.Warn("⚠️ No se pudo leer el dead letter", zap.String("path", cfg.DeadLetterPath), zap.Error(err))
	} else if len(parked) > 0 {
		log.Warn("🅿️ Eventos aparcados pendientes de revisión",
			zap.Int("count", len(parked)),
			zap.String("path", cfg.DeadLetterPath))
	}

	reconciler := orderApp.NewReconciler(store, publisher,
		deadLetter,
		cacheInstance,
		clock.NewSystem(),
		orderApp.ReconcilerConfig{
			Interval:       cfg.ReconcileInterval,
			Grace:          cfg.ReconcileGrace,
			BatchSize:      cfg.ReconcileBatch,
			AlertAttempts:  cfg.PublishAlertAttempts,
			StoreTimeout:   cfg.StoreTimeout,
			PublishTimeout: cfg.PublishTimeout,
		},
		log,
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Start(ctx)
	}()

	// ------------- Consumidor --------------
	if cfg.ConsumerEnabled {
		analytics := openAnalytics(ctx, cfg, log)
		if c, ok := analytics.(io.Closer); ok {
			closers = append(closers, c)
		}
		consumer := orderEvents.NewOrderCreatedConsumer(cacheInstance, analytics, nil, log)

		switch cfg.Broker {
		case config.BrokerKafka:
			reader := infraEvents.NewOrderReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
			closers = append(closers, reader)
			infraEvents.NewConsumerAdapter(reader, consumer, log).Start(ctx)
		case config.BrokerNATS:
			if _, err := infraEvents.SubscribeStan(ctx, stanConn, cfg.KafkaTopic, cfg.KafkaGroupID, consumer, log); err != nil {
				return err
			}
		default:
			bus := publisher.(*infraEvents.InMemoryEventBus)
			log.Info("🎧 Iniciando listener en memoria para eventos de orden")
			orderEvents.BackgroundConsumerChan(ctx, bus.Subscribe(100), consumer)
		}
	}

	// ---------------- HTTP ----------------
	gin.SetMode(gin.ReleaseMode)
	handler := orderHttp.NewOrderHandler(coordinator, cfg.DefaultCustomerID, log)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           orderHttp.NewRouter(handler, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("🚀 Server running", zap.String("url", "http://localhost:"+cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("🛑 Señal recibida, apagando...")
	case err := <-serverErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("⚠️ Cierre HTTP forzado", zap.Error(err))
	}

	stop()
	wg.Wait()
	log.Info("👋 Apagado completo")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (domain.OrderStore, io.Closer, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Warn("⚠️ Store en memoria: las órdenes no sobreviven a un reinicio")
		return memory.NewOrderStoreMemory(), nil, nil

	case config.StorePostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("✅ Postgres conectado")
		return postgres.NewOrderStorePostgres(db), db, nil

	case config.StoreMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		store, err := mongodb.NewOrderStoreMongoDB(ctx, client, cfg.MongoDB)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		log.Info("✅ MongoDB conectado", zap.String("db", cfg.MongoDB))
		return store, closerFunc(func() error { return client.Disconnect(context.Background()) }), nil

	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("✅ SQLite abierto", zap.String("path", cfg.SQLitePath))
		return sqlite.NewOrderStoreSQLite(db), db, nil
	}
}

func openCache(ctx context.Context, cfg *config.Config, log *zap.Logger) sharedCache.Cache {
	if cfg.RedisAddr != "" {
		rdb, err := orderCache.ConnectRedis(ctx, cfg.RedisAddr)
		if err == nil {
			log.Info("✅ Redis conectado, cache habilitado")
			return &redisCacheCloser{RedisCache: orderCache.NewRedisCache(rdb, cfg.CacheTTL), close: rdb.Close}
		}
		log.Warn("⚠️ Redis no disponible, cache en memoria", zap.Error(err))
	}
	inMemory := orderCache.NewInMemoryCache(cfg.CacheTTL, time.Minute, nil)
	return &inMemoryCacheCloser{InMemoryCache: inMemory}
}

func openPublisher(cfg *config.Config, log *zap.Logger) (sharedBus.EventPublisher, stan.Conn, error) {
	switch cfg.Broker {
	case config.BrokerKafka:
		log.Info("🚀 Usando Kafka como bus de eventos", zap.Strings("brokers", cfg.KafkaBrokers))
		writer := infraEvents.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		return &kafkaPublisherCloser{KafkaPublisher: infraEvents.NewKafkaPublisher(writer, log), close: writer.Close}, nil, nil

	case config.BrokerNATS:
		sc, err := infraEvents.ConnectStan(cfg.StanClusterID, cfg.StanClientID, cfg.NatsURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("🚀 Usando NATS Streaming como bus de eventos", zap.String("url", cfg.NatsURL))
		return &stanPublisherCloser{StanPublisher: infraEvents.NewStanPublisher(sc, cfg.KafkaTopic, log), close: sc.Close}, sc, nil

	default:
		log.Info("⚡️Usando bus de eventos en memoria (canales de Go)")
		return infraEvents.NewInMemoryEventBus(cfg.KafkaTopic), nil, nil
	}
}

func openAnalytics(ctx context.Context, cfg *config.Config, log *zap.Logger) domain.AnalyticsRepository {
	if cfg.ClickHouseAddr == "" {
		return nil
	}
	repo, err := clickhouse.NewOrderAnalyticsRepo(cfg.ClickHouseAddr, cfg.ClickHouseDB)
	if err != nil {
		log.Warn("⚠️ ClickHouse no disponible, analítica desactivada", zap.Error(err))
		return nil
	}
	if err := repo.InitSchema(ctx); err != nil {
		log.Warn("⚠️ No se pudo crear el esquema de ClickHouse", zap.Error(err))
		_ = repo.Close()
		return nil
	}
	log.Info("✅ ClickHouse conectado, analítica habilitada")
	return repo
}
