package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WithSignals devuelve un contexto que se cancela con SIGINT o SIGTERM.
// Una segunda señal ya no se captura y termina el proceso.
func WithSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-ch:
		case <-ctx.Done():
		}
		signal.Stop(ch)
		cancel()
	}()

	return ctx, cancel
}
