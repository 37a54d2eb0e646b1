package filesystem

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davicafu/orderflow/internal/order/domain"
)

// JSONDeadLetter guarda en un fichero JSON las instantáneas que se dejaron de reintentar.
type JSONDeadLetter struct {
	filePath string
	mu       sync.Mutex
}

func NewJSONDeadLetter(filePath string) *JSONDeadLetter {
	return &JSONDeadLetter{filePath: filePath}
}

// deadLetterRecord deja el payload legible: JSON embebido si es válido, texto si no.
type deadLetterRecord struct {
	ID          uuid.UUID       `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RawPayload  string          `json:"raw_payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error"`
}

func toRecord(evt domain.OutboxEvent) deadLetterRecord {
	rec := deadLetterRecord{
		ID:          evt.ID,
		AggregateID: evt.AggregateID,
		EventType:   evt.EventType,
		CreatedAt:   evt.CreatedAt,
		Attempts:    evt.Attempts,
		LastError:   evt.LastError,
	}
	if json.Valid(evt.Payload) {
		rec.Payload = evt.Payload
	} else {
		rec.RawPayload = string(evt.Payload)
	}
	return rec
}

func (r deadLetterRecord) toDomain() domain.OutboxEvent {
	payload := []byte(r.Payload)
	if r.RawPayload != "" {
		payload = []byte(r.RawPayload)
	}
	return domain.OutboxEvent{
		ID:            r.ID,
		AggregateType: domain.OrderAggregate,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Payload:       payload,
		CreatedAt:     r.CreatedAt,
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		Parked:        true,
	}
}

// Save añade la instantánea al fichero; lo crea si no existe.
func (s *JSONDeadLetter) Save(ctx context.Context, evt domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return err
	}
	records = append(records, toRecord(evt))

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, data, 0644)
}

// List devuelve todo lo aparcado, en orden de llegada.
func (s *JSONDeadLetter) List(ctx context.Context) ([]domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	events := make([]domain.OutboxEvent, 0, len(records))
	for _, r := range records {
		events = append(events, r.toDomain())
	}
	return events, nil
}

func (s *JSONDeadLetter) readAll() ([]deadLetterRecord, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []deadLetterRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

var _ domain.DeadLetterSink = (*JSONDeadLetter)(nil)
