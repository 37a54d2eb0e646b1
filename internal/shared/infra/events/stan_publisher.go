package events

import (
	"context"
	"encoding/json"
	"fmt"

	stan "github.com/nats-io/stan.go"
	"go.uber.org/zap"

	"github.com/davicafu/orderflow/internal/order/domain"
	sharedBus "github.com/davicafu/orderflow/internal/shared/infra/platform/bus"
)

// StanConn es la parte de stan.Conn que usa el publisher.
// Publish de NATS Streaming es síncrono: vuelve cuando el servidor confirma el mensaje.
type StanConn interface {
	Publish(subject string, data []byte) error
}

// ConnectStan abre una conexión a NATS Streaming.
func ConnectStan(clusterID, clientID, natsURL string) (stan.Conn, error) {
	sc, err := stan.Connect(clusterID, clientID, stan.NatsURL(natsURL))
	if err != nil {
		return nil, fmt.Errorf("stan connect: %w", err)
	}
	return sc, nil
}

// StanPublisher publica eventos en un subject de NATS Streaming.
type StanPublisher struct {
	conn    StanConn
	subject string
	log     *zap.Logger
}

func NewStanPublisher(conn StanConn, subject string, log *zap.Logger) *StanPublisher {
	return &StanPublisher{conn: conn, subject: subject, log: log}
}

func (p *StanPublisher) Publish(ctx context.Context, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return domain.PermanentPublishError(err)
	}

	// stan no acepta contexto: respetamos al menos una cancelación previa.
	if err := ctx.Err(); err != nil {
		return domain.TransientPublishError(err)
	}

	done := make(chan error, 1)
	go func() { done <- p.conn.Publish(p.subject, data) }()

	select {
	case err := <-done:
		if err != nil {
			p.log.Error("Error publishing to NATS Streaming", zap.String("subject", p.subject), zap.Error(err))
			return domain.TransientPublishError(err)
		}
		return nil
	case <-ctx.Done():
		return domain.TransientPublishError(ctx.Err())
	}
}

var _ sharedBus.EventPublisher = (*StanPublisher)(nil)
