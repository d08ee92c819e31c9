package telemetry

import (
	"context"
	"errors"
)

// Sink is the external telemetry collaborator. Emit is invoked once per
// queued event; implementations should not retry.
type Sink interface {
	Emit(ctx context.Context, name string, payload Payload) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, name string, payload Payload) error

// Emit executes f.
func (f SinkFunc) Emit(ctx context.Context, name string, payload Payload) error {
	if f == nil {
		return nil
	}
	return f(ctx, name, payload)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, string, Payload) error { return nil })

// Multi fans an event out to every sink. All sinks are attempted; their errors
// are joined.
func Multi(sinks ...Sink) Sink {
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	if len(live) == 1 {
		return live[0]
	}
	return multiSink(live)
}

type multiSink []Sink

func (m multiSink) Emit(ctx context.Context, name string, payload Payload) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, name, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logger records dispatcher diagnostics. It matches logging.Logger's Printf.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
