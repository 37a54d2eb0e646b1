package domain

import (
	"errors"
	"fmt"
)

// ---------- Errores de dominio ----------
var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderConflict    = errors.New("order already exists with different fields")
	ErrInvalidOrder     = errors.New("invalid order")
	ErrStoreUnavailable = errors.New("order store unavailable")
	ErrIngestionFailed  = errors.New("order ingestion failed")
	ErrPublishFailed    = errors.New("publish failed")
)

// StoreError marca un fallo de infraestructura del store.
func StoreError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// PublishError distingue fallos transitorios (broker caído, timeout) de permanentes (payload inválido).
type PublishError struct {
	Permanent bool
	Err       error
}

func (e *PublishError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s publish error: %v", kind, e.Err)
}

func (e *PublishError) Unwrap() []error {
	return []error{ErrPublishFailed, e.Err}
}

func TransientPublishError(err error) error {
	if err == nil {
		return nil
	}
	return &PublishError{Err: err}
}

func PermanentPublishError(err error) error {
	if err == nil {
		return nil
	}
	return &PublishError{Permanent: true, Err: err}
}

// IsPermanent indica si reintentar la publicación no tiene sentido.
func IsPermanent(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe) && pe.Permanent
}
