// Package emitter defines the outputs for tether connection events.
package emitter

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tether/reconciler"
)

// Emitter outputs connection events to a backend.
type Emitter interface {
	// Emit sends one event to the backend.
	Emit(ctx context.Context, ev reconciler.Event) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to all emitters, returns first error.
func (m *MultiEmitter) Emit(ctx context.Context, ev reconciler.Event) error {
	for _, e := range m.emitters {
		if err := e.Emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all emitters and joins their errors.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Listener adapts e to a reconciler listener. Emit failures are logged.
func Listener(e Emitter, logger zerolog.Logger) func(reconciler.Event) {
	return func(ev reconciler.Event) {
		if err := e.Emit(context.Background(), ev); err != nil {
			logger.Error().Err(err).Str("kind", string(ev.Kind)).Str("server", ev.Resource.Key).Msg("failed to emit event")
		}
	}
}

// LogEmitter writes events to a zerolog logger.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger uses the global one.
func NewLogEmitter(logger *zerolog.Logger) *LogEmitter {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &LogEmitter{logger: l.With().Str("component", "events").Logger()}
}

// Emit logs the event.
func (e *LogEmitter) Emit(_ context.Context, ev reconciler.Event) error {
	e.logger.Info().
		Str("kind", string(ev.Kind)).
		Str("server", ev.Resource.Key).
		Str("label", ev.Resource.Label).
		Str("endpoint", ev.Resource.Endpoint).
		Time("at", ev.At).
		Msg("connection event")
	return nil
}

// Close is a no-op.
func (e *LogEmitter) Close() error { return nil }
