package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/davicafu/orderflow/internal/order/domain"
)

// OrderStoreMongoDB implementa domain.OrderStore. Requiere un replica set para las transacciones.
type OrderStoreMongoDB struct {
	client     *mongo.Client
	ordersColl *mongo.Collection
	outboxColl *mongo.Collection
}

// NewOrderStoreMongoDB comprueba la conexión y crea los índices.
func NewOrderStoreMongoDB(ctx context.Context, client *mongo.Client, dbName string) (*OrderStoreMongoDB, error) {
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("could not ping mongoDB: %w", err)
	}

	db := client.Database(dbName)
	s := &OrderStoreMongoDB{
		client:     client,
		ordersColl: db.Collection("orders"),
		outboxColl: db.Collection("outbox"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *OrderStoreMongoDB) ensureIndexes(ctx context.Context) error {
	_, err := r.outboxColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "aggregateId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "processed", Value: 1}, {Key: "parked", Value: 1}, {Key: "createdAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("could not create outbox indexes: %w", err)
	}
	return nil
}

// --- Structs de BSON para el mapeo ---
// Se definen localmente para no "contaminar" el dominio con tags de BSON.

type mongoOrder struct {
	ID         string    `bson:"_id"`
	CustomerID string    `bson:"customerId"`
	Amount     float64   `bson:"amount"`
	Status     string    `bson:"status"`
	CreatedAt  time.Time `bson:"createdAt"`
}

type mongoOutboxEvent struct {
	ID            string    `bson:"_id"`
	AggregateType string    `bson:"aggregateType"`
	AggregateID   string    `bson:"aggregateId"`
	EventType     string    `bson:"eventType"`
	Payload       string    `bson:"payload"` // texto JSON, sin reinterpretar
	CreatedAt     time.Time `bson:"createdAt"`
	Processed     bool      `bson:"processed"`
	Attempts      int       `bson:"attempts"`
	LastError     string    `bson:"lastError"`
	Parked        bool      `bson:"parked"`
}

func toMongoOrder(o *domain.Order) mongoOrder {
	return mongoOrder{
		ID:         o.ID.String(),
		CustomerID: o.CustomerID,
		Amount:     o.Amount,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
	}
}

func (m mongoOrder) toDomain() (*domain.Order, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID in DB: %w", err)
	}
	return &domain.Order{
		ID:         id,
		CustomerID: m.CustomerID,
		Amount:     m.Amount,
		Status:     domain.OrderStatus(m.Status),
		CreatedAt:  m.CreatedAt.UTC(),
	}, nil
}

func toMongoOutboxEvent(evt domain.OutboxEvent) mongoOutboxEvent {
	return mongoOutboxEvent{
		ID:            evt.ID.String(),
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Payload:       string(evt.Payload),
		CreatedAt:     evt.CreatedAt,
	}
}

func (m mongoOutboxEvent) toDomain() (domain.OutboxEvent, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("invalid UUID in outbox document: %w", err)
	}
	return domain.OutboxEvent{
		ID:            id,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		Payload:       []byte(m.Payload),
		CreatedAt:     m.CreatedAt.UTC(),
		Processed:     m.Processed,
		Attempts:      m.Attempts,
		LastError:     m.LastError,
		Parked:        m.Parked,
	}, nil
}

// mapErr deja pasar los errores de dominio y envuelve el resto como fallo del store.
func mapErr(err error) error {
	if err == nil || errors.Is(err, domain.ErrOrderNotFound) || errors.Is(err, domain.ErrOrderConflict) {
		return err
	}
	return domain.StoreError(err)
}

func (r *OrderStoreMongoDB) withTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) error) error {
	session, err := r.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}

// --- Operaciones ---

func (r *OrderStoreMongoDB) Put(ctx context.Context, o *domain.Order, evt domain.OutboxEvent) error {
	err := r.withTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		var existing mongoOrder
		err := r.ordersColl.FindOne(sessCtx, bson.M{"_id": o.ID.String()}).Decode(&existing)
		if err == nil {
			return compareExisting(existing, o)
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return err
		}

		if _, err := r.ordersColl.InsertOne(sessCtx, toMongoOrder(o)); err != nil {
			return err
		}
		if _, err := r.outboxColl.InsertOne(sessCtx, toMongoOutboxEvent(evt)); err != nil {
			return err
		}
		return nil
	})

	// Inserción concurrente con el mismo id: se resuelve fuera de la transacción.
	if mongo.IsDuplicateKeyError(err) {
		var existing mongoOrder
		if findErr := r.ordersColl.FindOne(ctx, bson.M{"_id": o.ID.String()}).Decode(&existing); findErr != nil {
			return domain.StoreError(findErr)
		}
		return compareExisting(existing, o)
	}
	return mapErr(err)
}

func compareExisting(existing mongoOrder, o *domain.Order) error {
	current, err := existing.toDomain()
	if err != nil {
		return err
	}
	if current.SameContent(o) {
		return nil
	}
	return domain.ErrOrderConflict
}

func (r *OrderStoreMongoDB) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var m mongoOrder
	err := r.ordersColl.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, domain.StoreError(err)
	}
	o, err := m.toDomain()
	if err != nil {
		return nil, domain.StoreError(err)
	}
	return o, nil
}

func (r *OrderStoreMongoDB) MarkPublished(ctx context.Context, id uuid.UUID) error {
	err := r.withTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		res, err := r.ordersColl.UpdateOne(sessCtx,
			bson.M{"_id": id.String()},
			bson.M{"$set": bson.M{"status": string(domain.StatusPublished)}},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return domain.ErrOrderNotFound
		}

		_, err = r.outboxColl.UpdateOne(sessCtx,
			bson.M{"aggregateId": id.String()},
			bson.M{"$set": bson.M{"processed": true}},
		)
		return err
	})
	return mapErr(err)
}

func (r *OrderStoreMongoDB) MarkPublishFailed(ctx context.Context, id uuid.UUID, reason string, park bool) error {
	err := r.withTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		res, err := r.ordersColl.UpdateOne(sessCtx,
			bson.M{"_id": id.String(), "status": bson.M{"$ne": string(domain.StatusPublished)}},
			bson.M{"$set": bson.M{"status": string(domain.StatusPublishFailed)}},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			n, err := r.ordersColl.CountDocuments(sessCtx, bson.M{"_id": id.String()})
			if err != nil {
				return err
			}
			if n == 0 {
				return domain.ErrOrderNotFound
			}
			return nil
		}

		set := bson.M{"lastError": reason}
		if park {
			set["parked"] = true
		}
		_, err = r.outboxColl.UpdateOne(sessCtx,
			bson.M{"aggregateId": id.String(), "processed": false},
			bson.M{"$inc": bson.M{"attempts": 1}, "$set": set},
		)
		return err
	})
	return mapErr(err)
}

// FetchPendingOutbox filtra sólo sobre outbox: processed se actualiza en la misma
// transacción que el estado Published de la orden.
func (r *OrderStoreMongoDB) FetchPendingOutbox(ctx context.Context, cutoff time.Time, limit int) ([]domain.OutboxEvent, error) {
	filter := bson.M{
		"processed": false,
		"parked":    false,
		"createdAt": bson.M{"$lt": cutoff},
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit))

	cursor, err := r.outboxColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, domain.StoreError(err)
	}
	defer cursor.Close(ctx)

	var docs []mongoOutboxEvent
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, domain.StoreError(err)
	}

	events := make([]domain.OutboxEvent, 0, len(docs))
	for _, d := range docs {
		evt, err := d.toDomain()
		if err != nil {
			return nil, domain.StoreError(err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// Verificación en tiempo de compilación.
var _ domain.OrderStore = (*OrderStoreMongoDB)(nil)
