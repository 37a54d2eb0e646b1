package events

import (
	"context"
	"fmt"
	"time"

	stan "github.com/nats-io/stan.go"
	"go.uber.org/zap"
)

const stanAckWait = 10 * time.Second

// SubscribeStan reparte los mensajes del subject entre las instancias del queue group.
// El ack es manual y solo se envía si el handler tuvo éxito; si no, el servidor reentrega tras AckWait.
func SubscribeStan(ctx context.Context, conn stan.Conn, subject, durable string, handler MessageHandler, log *zap.Logger) (stan.Subscription, error) {
	sub, err := conn.QueueSubscribe(subject, durable+"-workers",
		stanMsgHandler(ctx, handler, (*stan.Msg).Ack, log),
		stan.DurableName(durable), stan.SetManualAckMode(), stan.AckWait(stanAckWait), stan.DeliverAllAvailable())
	if err != nil {
		return nil, fmt.Errorf("stan subscribe %s: %w", subject, err)
	}

	log.Info("🎧 Suscrito a NATS Streaming", zap.String("subject", subject), zap.String("durable", durable))
	return sub, nil
}

func stanMsgHandler(ctx context.Context, handler MessageHandler, ack func(*stan.Msg) error, log *zap.Logger) stan.MsgHandler {
	return func(m *stan.Msg) {
		if err := handler.HandleMessage(ctx, "", m.Data); err != nil {
			log.Warn("⚠️ Fallo al procesar mensaje de NATS Streaming, se espera reentrega",
				zap.Uint64("sequence", m.Sequence),
				zap.Uint32("redeliveries", m.RedeliveryCount),
				zap.Error(err))
			return
		}
		if err := ack(m); err != nil {
			log.Warn("Error al confirmar mensaje de NATS Streaming", zap.Uint64("sequence", m.Sequence), zap.Error(err))
		}
	}
}
