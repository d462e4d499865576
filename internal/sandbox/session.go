package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/michaelbrown/jsand/internal/classxfer"
	"github.com/michaelbrown/jsand/internal/container"
	"github.com/michaelbrown/jsand/internal/observability"
	"github.com/michaelbrown/jsand/internal/ready"
	"github.com/michaelbrown/jsand/internal/remotelog"
	"github.com/michaelbrown/jsand/internal/storage"
)

// DefaultReadyTimeout bounds the readiness wait when Config leaves it unset.
const DefaultReadyTimeout = 60 * time.Second

const teardownTimeout = 15 * time.Second

var (
	// ErrExitedBeforeReady is the readiness error of a guest that exited
	// without signaling.
	ErrExitedBeforeReady = errors.New("guest exited before signaling readiness")
	// ErrReadyNotPublished is the readiness error of a session that did not
	// publish the readiness service.
	ErrReadyNotPublished = errors.New("readiness service not published")
)

// Config describes one session.
type Config struct {
	Container container.Config
	Builder   container.Builder

	// Services lists the names to publish. Empty publishes all three.
	Services []string

	OutputDir   string
	Designation classxfer.Designation

	ReadyTimeout time.Duration
	// RunTimeout bounds the whole container run. Zero means ctx alone.
	RunTimeout time.Duration

	// ListenHost overrides the registry bind address.
	ListenHost string
	// KeepNetwork leaves the session network in place after teardown.
	KeepNetwork bool
}

// AllServices are the names published by default.
var AllServices = []string{ready.ServiceName, remotelog.ServiceName, classxfer.ServiceName}

func (c Config) publishes(name string) bool {
	if len(c.Services) == 0 {
		return true
	}
	for _, s := range c.Services {
		if s == name {
			return true
		}
	}
	return false
}

// Validate rejects unknown service names.
func (c Config) Validate() error {
	for _, s := range c.Services {
		known := false
		for _, k := range AllServices {
			if s == k {
				known = true
			}
		}
		if !known {
			return fmt.Errorf("unknown service %q", s)
		}
	}
	if c.Container.Image == "" {
		return errors.New("container image is required")
	}
	return nil
}

// Outcome is what a session observed. A guest that ran and exited
// non-zero still yields an Outcome; ReadyErr is ready.ErrTimeout when
// the wait expired.
type Outcome struct {
	ID       string
	Result   *container.ExecResult
	Ready    bool
	ReadyErr error
	Status   storage.SessionStatus
}

// Succeeded reports a guest that signaled readiness and exited zero.
func (o *Outcome) Succeeded() bool {
	return o.Ready && o.Result != nil && o.Result.ExitCode == 0
}

// Session is a single sandbox run.
type Session struct {
	id      string
	cfg     Config
	rt      container.Runtime
	store   storage.Store
	metrics *observability.Metrics
	tracer  trace.Tracer
	tracing bool
	sinks   []remotelog.Sink
	logger  *slog.Logger
}

type SessionOption func(*Session)

// WithID fixes the session id instead of generating one.
func WithID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// WithStore persists the session record and forwarded log events.
func WithStore(st storage.Store) SessionOption {
	return func(s *Session) { s.store = st }
}

func WithMetrics(m *observability.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithTracer records the session as a span tree and instruments the
// registry.
func WithTracer(t trace.Tracer) SessionOption {
	return func(s *Session) {
		s.tracer = t
		s.tracing = t != nil
	}
}

// WithSinks adds log sinks after the host slog sink.
func WithSinks(sinks ...remotelog.Sink) SessionOption {
	return func(s *Session) { s.sinks = append(s.sinks, sinks...) }
}

func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession prepares a session. Nothing runs until Run.
func NewSession(cfg Config, rt container.Runtime, opts ...SessionOption) *Session {
	s := &Session{cfg: cfg, rt: rt}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.New().String()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("jsand/sandbox")
	}
	s.logger = s.logger.With("session", shortID(s.id))
	if s.cfg.ReadyTimeout <= 0 {
		s.cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if s.cfg.Container.Name == "" {
		s.cfg.Container.Name = "jsand-" + shortID(s.id)
	}
	if s.cfg.Container.Network == "" {
		s.cfg.Container.Network = "jsand-" + shortID(s.id)
	}
	if s.cfg.Container.HostAlias == "" {
		s.cfg.Container.HostAlias = "host.docker.internal"
	}
	return s
}

func (s *Session) ID() string { return s.id }

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type runResult struct {
	res *container.ExecResult
	err error
}

// Run performs the whole flow: network, stale container removal, build,
// registry and services, launch, then a bounded readiness wait. The
// container and registry are torn down on every path. The returned error
// is a lifecycle failure (build, launch, host setup); a guest timeout or
// non-zero exit is reported in the Outcome.
func (s *Session) Run(ctx context.Context, entry string, args []string) (out *Outcome, err error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "sandbox.session", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("session.entry", entry),
	))
	defer span.End()

	rec := &storage.Session{ID: s.id, EntryClass: entry, Args: args, Status: storage.StatusRunning}
	if s.store != nil {
		if err := s.store.CreateSession(ctx, rec); err != nil {
			return nil, fmt.Errorf("recording session: %w", err)
		}
	}
	s.metrics.SessionStarted()

	out = &Outcome{ID: s.id}
	defer func() {
		if err != nil {
			out.Status = storage.StatusFailed
			rec.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.finish(ctx, rec, out)
	}()

	orch := container.New(s.cfg.Container, s.rt, s.cfg.Builder, s.logger)
	coord := NewCoordinator(s.logger,
		WithCoordinatorMetrics(s.metrics),
		WithRegistryTracing(s.tracing),
		WithListenHost(s.cfg.ListenHost),
	)
	defer s.teardown(ctx, orch, coord)

	if err := orch.CreateNetworksIfNotExist(ctx); err != nil {
		return out, err
	}
	if err := orch.RemoveContainersIfExist(ctx); err != nil {
		return out, err
	}
	span.AddEvent("network ready")

	if err := orch.Compile(ctx); err != nil {
		return out, err
	}
	span.AddEvent("built")

	hostIP, err := orch.HostIP(ctx)
	if err != nil {
		return out, err
	}
	waiter, err := s.publish(coord, hostIP)
	if err != nil {
		return out, err
	}
	if err := orch.SetRegistryPort(coord.Port()); err != nil {
		return out, err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if s.cfg.RunTimeout > 0 {
		runCtx, cancelRun = context.WithTimeout(runCtx, s.cfg.RunTimeout)
		defer cancelRun()
	}

	launched := time.Now()
	done := make(chan runResult, 1)
	go func() {
		res, err := orch.Run(runCtx, entry, args)
		done <- runResult{res, err}
	}()

	var (
		rr       runResult
		finished bool
	)
	rr, finished, out.ReadyErr = s.awaitReady(ctx, waiter, done)
	if out.ReadyErr == nil {
		out.Ready = true
		s.metrics.ObserveReadinessWait(time.Since(launched))
		span.AddEvent("ready")
		s.logger.Info("guest ready", "after", time.Since(launched).Round(time.Millisecond))
	} else {
		s.logger.Warn("guest not ready", "error", out.ReadyErr)
	}

	if !finished {
		if out.ReadyErr != nil {
			// A hung guest: removing the container makes docker run return.
			if err := orch.RemoveContainersIfExist(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("removing unready container", "error", err)
			}
			cancelRun()
		}
		rr = <-done
	}
	if rr.err != nil {
		return out, rr.err
	}

	out.Result = rr.res
	switch {
	case errors.Is(out.ReadyErr, ready.ErrTimeout):
		out.Status = storage.StatusTimedOut
	case out.Succeeded():
		out.Status = storage.StatusCompleted
	default:
		out.Status = storage.StatusFailed
	}
	span.SetAttributes(
		attribute.Int("guest.exit_code", rr.res.ExitCode),
		attribute.Bool("guest.ready", out.Ready),
	)
	return out, nil
}

// awaitReady waits for the signal, the deadline, or the guest exiting
// first. finished reports whether rr holds the run result.
func (s *Session) awaitReady(ctx context.Context, w *ready.Waiter, done <-chan runResult) (rr runResult, finished bool, err error) {
	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	if w == nil {
		select {
		case rr = <-done:
			return rr, true, ErrReadyNotPublished
		case <-timer.C:
			return runResult{}, false, fmt.Errorf("%w: %w after %s", ErrReadyNotPublished, ready.ErrTimeout, s.cfg.ReadyTimeout)
		case <-ctx.Done():
			return runResult{}, false, ctx.Err()
		}
	}

	select {
	case <-w.Done():
		return runResult{}, false, nil
	case rr = <-done:
		// The ready call completes before the guest can exit.
		if w.Signaled() {
			return rr, true, nil
		}
		if rr.err != nil {
			return rr, true, rr.err
		}
		return rr, true, fmt.Errorf("%w: exit code %d", ErrExitedBeforeReady, rr.res.ExitCode)
	case <-timer.C:
		return runResult{}, false, fmt.Errorf("%w after %s", ready.ErrTimeout, s.cfg.ReadyTimeout)
	case <-ctx.Done():
		return runResult{}, false, ctx.Err()
	}
}

func (s *Session) publish(coord *Coordinator, hostIP string) (*ready.Waiter, error) {
	coord.SetHostIP(hostIP)
	if err := coord.CreateRegistry(s.cfg.Container.RegistryPort); err != nil {
		return nil, fmt.Errorf("creating registry: %w", err)
	}

	var waiter *ready.Waiter
	if s.cfg.publishes(ready.ServiceName) {
		w, err := coord.RegisterReadyWaiter()
		if err != nil {
			return nil, err
		}
		waiter = w
	}
	if s.cfg.publishes(remotelog.ServiceName) {
		sinks := []remotelog.Sink{remotelog.NewSlogSink(s.logger.With("component", "guest"))}
		if s.store != nil {
			sinks = append(sinks, NewStoreSink(s.store, s.id, s.logger))
		}
		sinks = append(sinks, s.sinks...)
		if _, err := coord.RegisterLogger(sinks...); err != nil {
			return nil, err
		}
	}
	if s.cfg.publishes(classxfer.ServiceName) {
		if _, err := coord.RegisterClassSender(s.cfg.OutputDir, s.cfg.Designation); err != nil {
			return nil, err
		}
	}
	s.logger.Info("services published", "addr", coord.Registry().Addr(), "services", coord.Registry().Names())
	return waiter, nil
}

// teardown removes the container and the registry, and the network unless
// kept. Errors are logged; teardown never masks the run's own result.
func (s *Session) teardown(ctx context.Context, orch *container.Orchestrator, coord *Coordinator) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if err := orch.RemoveContainersIfExist(ctx); err != nil {
		s.logger.Warn("teardown: removing container", "error", err)
	}
	if err := coord.Close(ctx); err != nil {
		s.logger.Warn("teardown: closing registry", "error", err)
	}
	if !s.cfg.KeepNetwork {
		if err := orch.RemoveNetworkIfExists(ctx); err != nil {
			s.logger.Warn("teardown: removing network", "error", err)
		}
	}
}

func (s *Session) finish(ctx context.Context, rec *storage.Session, out *Outcome) {
	if out.Status == "" {
		out.Status = storage.StatusFailed
	}
	s.metrics.ObserveSession(string(out.Status))

	rec.Status = out.Status
	rec.Ready = out.Ready
	if out.Result != nil {
		rec.ExitCode = out.Result.ExitCode
		rec.Stdout = out.Result.Stdout
		rec.Stderr = out.Result.Stderr
	}
	if rec.Error == "" && out.ReadyErr != nil {
		rec.Error = out.ReadyErr.Error()
	}
	s.logger.Info("session finished", "status", rec.Status, "ready", rec.Ready, "exit_code", rec.ExitCode)

	if s.store == nil {
		return
	}
	if err := s.store.UpdateSession(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("saving session", "error", err)
	}
}
