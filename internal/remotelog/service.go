package remotelog

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/michaelbrown/jsand/internal/registry"
	"github.com/michaelbrown/jsand/internal/wire"
)

// ServiceName is the well-known registry name of the log endpoint.
const ServiceName = "Logger"

const methodLog = "log"

// Sink consumes events re-emitted on the host.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// EventObserver is notified of each accepted event.
type EventObserver interface {
	ObserveLogEvent(level string)
}

// Service is the host half of the bridge.
type Service struct {
	sinks    []Sink
	observer EventObserver
	logger   *slog.Logger
}

// NewService returns a service fanning events out to sinks in order.
func NewService(logger *slog.Logger, sinks ...Sink) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{sinks: sinks, logger: logger}
}

// SetObserver attaches an observer. Call before binding.
func (s *Service) SetObserver(o EventObserver) {
	s.observer = o
}

// Log delivers ev to every sink. A failing sink does not stop the others.
func (s *Service) Log(ctx context.Context, ev Event) error {
	if s.observer != nil {
		s.observer.ObserveLogEvent(ev.Level.String())
	}
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.logger.Warn("log sink failed", "logger", ev.Logger, "error", err)
		return err
	}
	return nil
}

// Endpoint returns the method table to bind under ServiceName.
func (s *Service) Endpoint() registry.Endpoint {
	return registry.Endpoint{
		methodLog: func(ctx context.Context, raw []byte) (any, error) {
			var w wireEvent
			if err := wire.Unmarshal(raw, &w); err != nil {
				return nil, registry.Fault(registry.KindBadRequest, err)
			}
			ev, err := fromWire(w)
			if err != nil {
				return nil, registry.Fault(registry.KindBadRequest, err)
			}
			if err := s.Log(ctx, ev); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
}

// SlogSink re-emits events through a slog handler, keeping the guest's
// timestamp and level.
type SlogSink struct {
	handler slog.Handler
}

// NewSlogSink returns a sink writing to l.
func NewSlogSink(l *slog.Logger) *SlogSink {
	return &SlogSink{handler: l.Handler()}
}

func (s *SlogSink) Emit(ctx context.Context, ev Event) error {
	lvl := ev.Level.Slog()
	if !s.handler.Enabled(ctx, lvl) {
		return nil
	}
	r := slog.NewRecord(ev.Time, lvl, ev.Message(), 0)
	r.AddAttrs(
		slog.String("logger", ev.Logger),
		slog.Bool("remote", true),
	)
	return s.handler.Handle(ctx, r)
}
