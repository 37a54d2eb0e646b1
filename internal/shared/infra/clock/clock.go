package clock

import "time"

// Clock permite inyectar el tiempo en servicios y workers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem devuelve un reloj basado en time.Now (UTC).
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

type fixedClock struct {
	now time.Time
}

// NewFixed devuelve un reloj que siempre da el mismo instante (útil en tests).
func NewFixed(t time.Time) Clock {
	return fixedClock{now: t.UTC()}
}

func (f fixedClock) Now() time.Time {
	return f.now
}
