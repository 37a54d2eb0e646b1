package bus

import "context"

// Keyer lo implementan los eventos que tienen clave de partición (ej. el id de la orden).
type Keyer interface {
	PartitionKey() string
}

// Typed expone el tipo de evento para cabeceras/metadatos del broker.
type Typed interface {
	EventType() string
}

// EventPublisher es el puerto de publicación best-effort.
// Un nil significa "aceptado por el broker"; cualquier error es un fallo que el llamador
// debe poder clasificar (ver domain.PublishError).
// La semántica de topic/nombre y formato del payload la decides en los adapters.
type EventPublisher interface {
	Publish(ctx context.Context, event interface{}) error
}
